package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Sentinels for orchestration failure classes. AuthFailure is rejected at
// the boundary and never retried; the others are absorbed and retried at
// the lowest competent layer before surfacing.
var (
	ErrAuthFailure   = errors.New("auth failure")
	ErrProviderError = errors.New("provider error")
	ErrStreamError   = errors.New("stream error")
	ErrJobError      = errors.New("job error")
	ErrConfigError   = errors.New("config error")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
