// Package twofa manages a user's two-factor authentication enrollment:
// the encrypted TOTP secret, the single-use recovery-code pool, and the
// confirmation state that decides whether logins are challenged.
//
// # Enrollment states
//
// A profile moves through three states:
//
//	Disabled -> PendingConfirmation -> Confirmed
//
// Enable stores a fresh secret and pool without confirming; only Confirm,
// given a valid code from the user's authenticator, activates challenges.
// Disable clears everything from either state, and Enable with force
// restarts a pending enrollment with new material.
//
// # Basic usage
//
//	service := twofa.NewService(users, encryptor, sink)
//
//	err := service.Enable(ctx, userID, false)
//	// ... user scans the QR code ...
//	err = service.Confirm(ctx, userID, codeFromApp)
//
//	consumed, err := service.ConsumeRecoveryCode(ctx, userID, submitted)
//
// Secrets and recovery pools only ever leave this package encrypted; the
// plaintext exists transiently during generation and verification.
package twofa
