package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Covers both unknown email and wrong password; the two are
	// deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrAccountLocked       = errors.New("account locked")
	ErrTooManyAttempts     = errors.New("too many attempts")
	ErrFlowExpired         = errors.New("authentication flow expired or invalid")
	ErrInvalidSecondFactor = errors.New("invalid second factor code")
	ErrTokenInvalid        = errors.New("token invalid")
	ErrSessionRevoked      = errors.New("session revoked")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("already exists")
	ErrServiceUnavailable  = errors.New("service unavailable")
)

// LockedError carries the remaining lockout time so the handler can
// surface retry_after_seconds. errors.Is matches ErrAccountLocked.
type LockedError struct {
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry in %ds", e.RetryAfterSeconds())
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// RetryAfterSeconds rounds up so the client never retries early.
func (e *LockedError) RetryAfterSeconds() int {
	secs := int((e.Remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
