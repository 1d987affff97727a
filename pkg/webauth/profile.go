package webauth

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/veridian-id/veridian/pkg/password"
	"github.com/veridian-id/veridian/pkg/session"
	"github.com/veridian-id/veridian/pkg/twofa"
)

// GetUser returns the authenticated user's profile.
func (h *Handle) GetUser(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())
	render.JSON(w, r, newUserResponse(u))
}

// ConfirmPassword re-verifies the current password and stamps the session,
// opening the sensitive endpoints for the freshness window.
func (h *Handle) ConfirmPassword(w http.ResponseWriter, r *http.Request) {
	var req ConfirmPasswordRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Message: "unable to parse body"})
		return
	}

	u, _ := CurrentUser(r.Context())
	ok := false
	if req.Password != "" {
		var err error
		ok, err = password.Check(req.Password, u.PasswordHash)
		if err != nil {
			slog.Error("Failed to check password", "err", err)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, ErrorResponse{Message: "internal error"})
			return
		}
	}
	if !ok {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, ErrorResponse{Message: "the provided password was incorrect"})
		return
	}

	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := h.sessions.Put(r.Context(), SessionID(r.Context()), session.KeyPasswordConfirmedAt, stamp); err != nil {
		slog.Error("Failed to stamp password confirmation", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, ConfirmedPasswordStatusResponse{Confirmed: true})
}

// ConfirmedPasswordStatus reports whether the session's confirmation is
// still fresh.
func (h *Handle) ConfirmedPasswordStatus(w http.ResponseWriter, r *http.Request) {
	confirmed, err := h.passwordConfirmed(r.Context(), SessionID(r.Context()))
	if err != nil {
		slog.Error("Failed to check password confirmation", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}
	render.JSON(w, r, ConfirmedPasswordStatusResponse{Confirmed: confirmed})
}

// EnableTwoFactor starts an enrollment: new secret, new recovery codes,
// pending until confirmed.
func (h *Handle) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req EnableTwoFactorRequest
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse{Message: "unable to parse body"})
			return
		}
	}
	if r.URL.Query().Get("force") == "1" {
		req.Force = true
	}

	u, _ := CurrentUser(r.Context())
	if err := h.twoFactor.Enable(r.Context(), u.ID, req.Force); err != nil {
		slog.Error("Failed to enable two factor", "err", err, "userID", u.ID)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}
	render.NoContent(w, r)
}

// DisableTwoFactor removes the enrollment entirely.
func (h *Handle) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())
	if err := h.twoFactor.Disable(r.Context(), u.ID); err != nil {
		slog.Error("Failed to disable two factor", "err", err, "userID", u.ID)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}
	render.NoContent(w, r)
}

// ConfirmTwoFactor activates a pending enrollment with a code from the
// authenticator app.
func (h *Handle) ConfirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req ConfirmTwoFactorRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Message: "unable to parse body"})
		return
	}

	u, _ := CurrentUser(r.Context())
	if err := h.twoFactor.Confirm(r.Context(), u.ID, req.Code); err != nil {
		if errors.Is(err, twofa.ErrInvalidCode) {
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, ErrorResponse{Message: "the provided code was invalid"})
			return
		}
		slog.Error("Failed to confirm two factor", "err", err, "userID", u.ID)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}
	render.NoContent(w, r)
}

// GetTwoFactorQRCode returns the enrollment QR image and provisioning URL.
func (h *Handle) GetTwoFactorQRCode(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())

	uri, err := h.twoFactor.ProvisioningURI(r.Context(), u)
	if err != nil {
		h.renderEnrollmentError(w, r, err)
		return
	}
	png, err := h.twoFactor.QRCodePNG(r.Context(), u, h.qrSize)
	if err != nil {
		h.renderEnrollmentError(w, r, err)
		return
	}

	render.JSON(w, r, TwoFactorQRCodeResponse{
		PNG: base64.StdEncoding.EncodeToString(png),
		URL: uri,
	})
}

// GetTwoFactorSecretKey returns the shared secret for manual entry.
func (h *Handle) GetTwoFactorSecretKey(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())

	secret, err := h.twoFactor.Secret(r.Context(), u.ID)
	if err != nil {
		h.renderEnrollmentError(w, r, err)
		return
	}
	render.JSON(w, r, TwoFactorSecretKeyResponse{SecretKey: secret})
}

// GetRecoveryCodes returns the unused recovery codes.
func (h *Handle) GetRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())

	codes, err := h.twoFactor.RecoveryCodes(r.Context(), u.ID)
	if err != nil {
		h.renderEnrollmentError(w, r, err)
		return
	}
	render.JSON(w, r, codes)
}

// RegenerateRecoveryCodes replaces the pool and returns the new codes.
func (h *Handle) RegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())

	if err := h.twoFactor.RegenerateRecoveryCodes(r.Context(), u.ID); err != nil {
		slog.Error("Failed to regenerate recovery codes", "err", err, "userID", u.ID)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Message: "internal error"})
		return
	}
	codes, err := h.twoFactor.RecoveryCodes(r.Context(), u.ID)
	if err != nil {
		h.renderEnrollmentError(w, r, err)
		return
	}
	render.JSON(w, r, codes)
}

func (h *Handle) renderEnrollmentError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, twofa.ErrNotEnabled) {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Message: "two-factor authentication is not enabled"})
		return
	}
	slog.Error("Two factor enrollment lookup failed", "err", err)
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, ErrorResponse{Message: "internal error"})
}
