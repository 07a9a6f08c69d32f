// Package errs defines the error taxonomy shared by the publisher components.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrConnection        = errors.New("connection error")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrCancelled         = errors.New("operation cancelled")
)

// AggregateError carries every failure of a best-effort batch.
type AggregateError struct {
	Message string
	Errors  []error
}

func (ae *AggregateError) Error() string {
	parts := make([]string, 0, len(ae.Errors))
	for _, err := range ae.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%s (%d errors): %s", ae.Message, len(ae.Errors), strings.Join(parts, "; "))
}

func (ae *AggregateError) Unwrap() []error {
	return ae.Errors
}

// Join returns nil for no errors, the error itself for one error and an
// AggregateError otherwise.
func Join(message string, errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		copied := make([]error, len(errs))
		copy(copied, errs)
		return &AggregateError{Message: message, Errors: copied}
	}
}

func NotFound(format string, v ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), ErrNotFound)
}

func InvalidState(format string, v ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), ErrInvalidState)
}

func Connection(err error, format string, v ...any) error {
	if err == nil {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), ErrConnection)
	}
	return fmt.Errorf("%s: %w: %w", fmt.Sprintf(format, v...), ErrConnection, err)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsAggregate reports whether err is an AggregateError and returns it.
func IsAggregate(err error) (*AggregateError, bool) {
	var ae *AggregateError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
