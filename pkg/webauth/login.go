package webauth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/veridian-id/veridian/pkg/authflow"
	"github.com/veridian-id/veridian/pkg/challenge"
)

// Login runs the login pipeline. A success responds with the regenerated
// session cookie; an account with confirmed two-factor answers two_factor
// true and the caller must complete the challenge to authenticate.
func (h *Handle) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Message: "unable to parse body"})
		return
	}

	result := h.flow.Execute(r.Context(), authflow.Request{
		Email:     req.Email,
		Password:  req.Password,
		Remember:  req.Remember,
		IPAddress: clientIP(r),
		SessionID: SessionID(r.Context()),
	})

	if result.Err != nil {
		if retryAfter, ok := authflow.IsThrottled(result.Err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, ErrorResponse{Message: "too many login attempts"})
			return
		}
		if errors.Is(result.Err, authflow.ErrInvalidCredentials) {
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, ErrorResponse{Message: result.Err.Error()})
			return
		}
		slog.Error("Login pipeline failed", "err", result.Err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}

	if result.TwoFactorRequired {
		render.JSON(w, r, LoginResponse{TwoFactor: true})
		return
	}

	h.writeSessionCookie(w, result.SessionID, req.Remember)
	render.JSON(w, r, LoginResponse{TwoFactor: false})
}

// Logout destroys the session and clears the cookie. Safe to call while
// unauthenticated.
func (h *Handle) Logout(w http.ResponseWriter, r *http.Request) {
	sid := SessionID(r.Context())
	if err := h.sessions.Destroy(r.Context(), sid); err != nil {
		slog.Error("Failed to destroy session", "err", err)
	}
	h.clearSessionCookie(w)
	render.NoContent(w, r)
}

// GetChallenge reports whether the session holds a live challenge. Clients
// poll it to decide whether to show the code form.
func (h *Handle) GetChallenge(w http.ResponseWriter, r *http.Request) {
	_, err := h.resolver.Pending(r.Context(), SessionID(r.Context()))
	if err != nil {
		if errors.Is(err, challenge.ErrNoChallenge) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, ErrorResponse{Message: "no pending two-factor challenge"})
			return
		}
		slog.Error("Failed to read pending challenge", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}
	render.JSON(w, r, LoginResponse{TwoFactor: true})
}

// PostChallenge resolves the pending challenge with a TOTP code or a
// recovery code and completes the login.
func (h *Handle) PostChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Message: "unable to parse body"})
		return
	}

	outcome, err := h.resolver.Resolve(r.Context(), challenge.Input{
		SessionID:    SessionID(r.Context()),
		Code:         req.Code,
		RecoveryCode: req.RecoveryCode,
	})
	if err != nil {
		if retryAfter, ok := challenge.IsThrottled(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, ErrorResponse{Message: "too many two-factor attempts"})
			return
		}
		switch {
		case errors.Is(err, challenge.ErrNoChallenge):
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, ErrorResponse{Message: "no pending two-factor challenge"})
		case errors.Is(err, challenge.ErrInvalidCode):
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, ErrorResponse{Message: "invalid two-factor code"})
		default:
			slog.Error("Failed to resolve challenge", "err", err)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, ErrorResponse{Message: "internal error"})
		}
		return
	}

	h.writeSessionCookie(w, outcome.SessionID, outcome.Remember)
	render.NoContent(w, r)
}

// clientIP trusts the immediate peer. Deployments behind a proxy should
// install chi middleware that rewrites RemoteAddr from the forwarding
// headers before this runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
