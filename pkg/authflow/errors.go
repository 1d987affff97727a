package authflow

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCredentials is returned for every credential failure, whether the
// email is unknown or the password is wrong. The two cases are never
// distinguishable to the caller.
var ErrInvalidCredentials = errors.New("these credentials do not match our records")

// ThrottledError is returned when the email/IP pair has exhausted its
// attempts. RetryAfter is how long until the window reopens.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many login attempts, retry in %s", e.RetryAfter)
}

// IsThrottled reports whether err is a throttling failure and, when it is,
// returns the retry delay.
func IsThrottled(err error) (time.Duration, bool) {
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return throttled.RetryAfter, true
	}
	return 0, false
}
