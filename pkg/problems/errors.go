package problems

import (
	"context"
	"errors"
	"fmt"
)

// Error categories. Wrap them with fmt.Errorf("%w: ...") so callers can match with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidGrant        = errors.New("invalid grant")
	ErrInvalidState        = errors.New("invalid state")
	ErrAlreadyMigrated     = errors.New("already migrated")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrConflict            = errors.New("conflict")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUnavailable         = errors.New("unavailable")
)

// Wrap annotates a category error with detail.
func Wrap(category error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", category, fmt.Sprintf(format, args...))
}

// Timeout maps context deadline errors to ErrUnavailable so callers know to retry.
// Other errors pass through unchanged.
func Timeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
