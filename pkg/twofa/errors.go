package twofa

import "errors"

var (
	// ErrInvalidCode is returned by Confirm when no secret is enrolled, the
	// submitted code is empty, or it does not verify. Callers surface it as
	// a field-scoped validation failure.
	ErrInvalidCode = errors.New("the provided two factor authentication code was invalid")

	// ErrNotEnabled is returned when an operation needs an enrolled secret
	// and none is stored.
	ErrNotEnabled = errors.New("two factor authentication is not enabled")
)
