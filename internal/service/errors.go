package service

import (
	"errors"
	"fmt"
)

// Closed failure taxonomy of the auth core. Every failure path maps to exactly
// one of these kinds; callers match with errors.Is. ErrStoreUnavailable is the
// only retryable kind.
var (
	ErrInvalidCredential    = errors.New("invalid credential")
	ErrWeakPassword         = errors.New("weak password")
	ErrTokenNotFound        = errors.New("token not found")
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenAlreadyConsumed = errors.New("token already consumed")
	ErrMFARequired          = errors.New("mfa required")
	ErrInvalidCode          = errors.New("invalid code")
	ErrReplayedCode         = errors.New("replayed code")
	ErrSessionCompromised   = errors.New("session compromised")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrTooManyAttempts      = errors.New("too many attempts")
)

// IsRetryable reports whether the caller may retry the operation with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// storeFailure wraps an unexpected store/driver/context failure into the
// retryable kind, preserving the cause for logs.
func storeFailure(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
