package webauth

import (
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"

	"github.com/veridian-id/veridian/pkg/user"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type LoginResponse struct {
	TwoFactor bool `json:"two_factor"`
}

type ChallengeRequest struct {
	Code         string `json:"code"`
	RecoveryCode string `json:"recovery_code"`
}

type ConfirmPasswordRequest struct {
	Password string `json:"password"`
}

type ConfirmedPasswordStatusResponse struct {
	Confirmed bool `json:"confirmed"`
}

type EnableTwoFactorRequest struct {
	Force bool `json:"force"`
}

type ConfirmTwoFactorRequest struct {
	Code string `json:"code"`
}

type TwoFactorQRCodeResponse struct {
	// PNG is the base64-encoded QR image.
	PNG string `json:"png"`
	URL string `json:"url"`
}

type TwoFactorSecretKeyResponse struct {
	SecretKey string `json:"secretKey"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetChallengeRequest struct {
	Email        string `json:"email"`
	Token        string `json:"token"`
	Code         string `json:"code"`
	RecoveryCode string `json:"recovery_code"`
}

type ResetPasswordRequest struct {
	Email    string `json:"email"`
	Token    string `json:"token"`
	Password string `json:"password"`
}

type UserResponse struct {
	ID                   uuid.UUID  `json:"id"`
	Email                string     `json:"email"`
	Name                 string     `json:"name"`
	TwoFactorConfirmedAt *time.Time `json:"two_factor_confirmed_at,omitempty"`
	TwoFactorEnabled     bool       `json:"two_factor_enabled"`
	TwoFactorConfirmed   bool       `json:"two_factor_confirmed"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}

func newUserResponse(u user.User) UserResponse {
	var resp UserResponse
	// Hash and encrypted material have no response fields to land in.
	_ = copier.Copy(&resp, &u)
	resp.TwoFactorEnabled = u.HasEnabledTwoFactor()
	resp.TwoFactorConfirmed = u.HasConfirmedTwoFactor()
	return resp
}
