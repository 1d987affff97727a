package webauth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/render"

	"github.com/veridian-id/veridian/pkg/challenge"
	"github.com/veridian-id/veridian/pkg/password"
	"github.com/veridian-id/veridian/pkg/resettoken"
	"github.com/veridian-id/veridian/pkg/session"
	"github.com/veridian-id/veridian/pkg/user"
)

// ForgotPassword mails a reset link. The response never reveals whether the
// address has an account.
func (h *Handle) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Message: "unable to parse body"})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, ErrorResponse{Message: "email is required"})
		return
	}

	if _, err := h.users.FindByEmail(r.Context(), email); err != nil {
		if !errors.Is(err, user.ErrNotFound) {
			slog.Error("Failed to look up user for reset", "err", err)
		}
		render.JSON(w, r, ErrorResponse{Message: "a reset link has been sent if the account exists"})
		return
	}

	token, err := h.tokens.Issue(email)
	if err != nil {
		slog.Error("Failed to issue reset token", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}

	link := fmt.Sprintf("%s?token=%s&email=%s", h.resetURL, url.QueryEscape(token), url.QueryEscape(email))
	if err := h.notices.SendPasswordResetLink(email, link, "60 minutes"); err != nil {
		slog.Error("Failed to send reset link", "err", err)
	}

	render.JSON(w, r, ErrorResponse{Message: "a reset link has been sent if the account exists"})
}

// GetResetChallenge tells the reset form whether this account needs a
// two-factor code before its password can change. Requires a valid token so
// the endpoint cannot probe arbitrary accounts.
func (h *Handle) GetResetChallenge(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("email")))
	token := r.URL.Query().Get("token")

	if err := h.tokens.Validate(token, email); err != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, ErrorResponse{Message: "invalid or expired reset token"})
		return
	}

	u, err := h.users.FindByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, ErrorResponse{Message: "invalid or expired reset token"})
			return
		}
		slog.Error("Failed to look up user for reset", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}

	render.JSON(w, r, LoginResponse{TwoFactor: u.HasConfirmedTwoFactor()})
}

// PostResetChallenge verifies a two-factor code in the reset flow and stamps
// the session so ResetPassword will accept the change.
func (h *Handle) PostResetChallenge(w http.ResponseWriter, r *http.Request) {
	var req ResetChallengeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Message: "unable to parse body"})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	err := h.resolver.ResolveForPasswordReset(r.Context(), SessionID(r.Context()), email, req.Token, challenge.Input{
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
		case errors.Is(err, resettoken.ErrInvalidToken):
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, ErrorResponse{Message: "invalid or expired reset token"})
		case errors.Is(err, challenge.ErrNoChallenge):
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, ErrorResponse{Message: "two-factor authentication is not enabled"})
		case errors.Is(err, challenge.ErrInvalidCode):
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, ErrorResponse{Message: "invalid two-factor code"})
		default:
			slog.Error("Failed to resolve reset challenge", "err", err)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, ErrorResponse{Message: "internal error"})
		}
		return
	}

	render.NoContent(w, r)
}

// ResetPassword sets a new password for a valid token. Accounts with
// confirmed two-factor must have passed the reset challenge in this session.
func (h *Handle) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Message: "unable to parse body"})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := h.tokens.Validate(req.Token, email); err != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, ErrorResponse{Message: "invalid or expired reset token"})
		return
	}
	if len(req.Password) < 8 {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, ErrorResponse{Message: "password must be at least 8 characters"})
		return
	}

	u, err := h.users.FindByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, ErrorResponse{Message: "invalid or expired reset token"})
			return
		}
		slog.Error("Failed to look up user for reset", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}

	sid := SessionID(r.Context())
	if u.HasConfirmedTwoFactor() {
		satisfied, err := h.resolver.ResetChallengeSatisfied(r.Context(), sid)
		if err != nil {
			slog.Error("Failed to check reset challenge", "err", err)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, ErrorResponse{Message: "internal error"})
			return
		}
		if !satisfied {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, ErrorResponse{Message: "two-factor confirmation required"})
			return
		}
	}

	hashed, err := password.Hash(req.Password)
	if err != nil {
		slog.Error("Failed to hash password", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}
	u.PasswordHash = hashed
	if _, err := h.users.Save(r.Context(), u); err != nil {
		slog.Error("Failed to save password", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}

	// The stamp authorizes one reset.
	if err := h.sessions.Forget(r.Context(), sid, session.KeyResetTwoFactorConfirmedAt); err != nil {
		slog.Error("Failed to clear reset confirmation", "err", err)
	}

	render.NoContent(w, r)
}
