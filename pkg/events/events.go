package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type identifies a domain event emitted by the authentication core.
type Type string

const (
	// Login pipeline events
	Lockout             Type = "auth.lockout"
	LoginFailed         Type = "auth.login_failed"
	Authenticated       Type = "auth.authenticated"
	TwoFactorChallenged Type = "auth.two_factor_challenged"

	// Challenge resolution events
	TwoFactorFailed   Type = "auth.two_factor_failed"
	ValidCodeProvided Type = "auth.valid_two_factor_code_provided"
	RecoveryCodeUsed  Type = "auth.recovery_code_replaced"

	// Enrollment lifecycle events
	TwoFactorEnabled       Type = "auth.two_factor_enabled"
	TwoFactorConfirmed     Type = "auth.two_factor_confirmed"
	TwoFactorDisabled      Type = "auth.two_factor_disabled"
	RecoveryCodesGenerated Type = "auth.recovery_codes_generated"
)

// Event is the payload handed to sinks. UserID is uuid.Nil when the event
// predates user resolution (e.g. a lockout for an unknown email).
type Event struct {
	Type   Type                   `json:"type"`
	UserID uuid.UUID              `json:"user_id,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
	At     time.Time              `json:"at"`
}

// Sink consumes domain events. Dispatch is fire-and-forget: callers never act
// on a sink failure, so implementations log and swallow their own errors.
type Sink interface {
	Dispatch(ctx context.Context, event Event)
}

// Dispatch stamps the event time and forwards it to the sink. It tolerates a
// nil sink so services can be wired without observability in tests.
func Dispatch(ctx context.Context, sink Sink, eventType Type, userID uuid.UUID, data map[string]interface{}) {
	if sink == nil {
		return
	}
	sink.Dispatch(ctx, Event{
		Type:   eventType,
		UserID: userID,
		Data:   data,
		At:     time.Now().UTC(),
	})
}
