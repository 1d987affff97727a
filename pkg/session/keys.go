package session

// Well-known session keys shared by the login pipeline, the challenge
// resolver, and the HTTP layer.
const (
	// KeyLoginID holds the user ID of a login pending its two-factor
	// challenge. Present only between password validation and challenge
	// resolution.
	KeyLoginID = "login.id"

	// KeyLoginRemember carries the remember-me choice across the challenge.
	KeyLoginRemember = "login.remember"

	// KeyLoginChallengedAt records when the challenge was issued, RFC 3339.
	KeyLoginChallengedAt = "login.challenged_at"

	// KeyLoginThrottleKey carries the attempt's limiter key across the
	// challenge so resolution can clear the counter.
	KeyLoginThrottleKey = "login.throttle_key"

	// KeyUserID marks a fully authenticated session.
	KeyUserID = "auth.user_id"

	// KeyPasswordConfirmedAt records the last fresh password confirmation,
	// RFC 3339. Gates the sensitive two-factor management endpoints.
	KeyPasswordConfirmedAt = "auth.password_confirmed_at"

	// KeyResetTwoFactorConfirmedAt marks a completed two-factor challenge
	// during password reset, RFC 3339.
	KeyResetTwoFactorConfirmedAt = "auth.2fa_confirmed_at"
)
