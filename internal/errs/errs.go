// Package errs defines the error classes a turn can produce.
//
// Each class wraps a containerd/errdefs category so transport code can map
// errors to status codes with errdefs.IsInvalidArgument, errdefs.IsUnavailable
// and friends without knowing the concrete type.
package errs

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// ValidationError reports malformed or out-of-range tool arguments.
// It is recovered locally: the tool is rejected and the turn continues.
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validate %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("validate %s.%s: %s", e.Tool, e.Field, e.Reason)
}

// Unwrap classifies the error as an invalid argument.
func (e *ValidationError) Unwrap() error { return errdefs.ErrInvalidArgument }

// ProviderError reports that a model or knowledge provider failed.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap exposes both the cause and the unavailable class.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{errdefs.ErrUnavailable}
	}
	return []error{errdefs.ErrUnavailable, e.Err}
}

// PersistenceError reports a failed best-effort save. The in-memory
// commit it refers to is not rolled back.
type PersistenceError struct {
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist conversation %s: %v", e.SessionID, e.Err)
}

// Unwrap exposes both the cause and the data-loss class.
func (e *PersistenceError) Unwrap() []error {
	if e.Err == nil {
		return []error{errdefs.ErrDataLoss}
	}
	return []error{errdefs.ErrDataLoss, e.Err}
}

// ProtocolError reports model output the registry cannot interpret:
// an unknown tool name or argument bytes that are not JSON.
type ProtocolError struct {
	Tool   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: tool %q: %s", e.Tool, e.Reason)
}

// Unwrap classifies the error as not implemented.
func (e *ProtocolError) Unwrap() error { return errdefs.ErrNotImplemented }

// Validation is shorthand for building a ValidationError.
func Validation(tool, field, format string, args ...any) error {
	return &ValidationError{Tool: tool, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Provider wraps err as a ProviderError. A nil err stays nil.
func Provider(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsProvider reports whether err carries a ProviderError.
func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsProtocol reports whether err carries a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
