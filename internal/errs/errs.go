// Package errs defines the error taxonomy shared by the tool registry,
// the agent loop and the outer surfaces (CLI, HTTP).
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind names used in tool result payloads and HTTP error bodies.
const (
	KindValidation = "validation"
	KindSecret     = "secret"
	KindNotFound   = "not_found"
	KindProtocol   = "protocol"
	KindUpstream   = "upstream"
	KindInternal   = "internal"
)

// ValidationError reports malformed or out-of-policy input, including
// sandbox violations.
type ValidationError struct {
	Field   string
	Path    string
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Message, e.Path)
	case e.Field != "":
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Invalid is shorthand for a field-level ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// SecretDetected is a ValidationError raised by the secret screen. It is
// surfaced separately so callers can offer an override.
type SecretDetected struct {
	Reason string
}

func (e *SecretDetected) Error() string {
	return fmt.Sprintf("refusing to save content: possible secret detected (%s)", e.Reason)
}

// As lets errors.As(err, **ValidationError) match a SecretDetected.
func (e *SecretDetected) As(target any) bool {
	if v, ok := target.(**ValidationError); ok {
		*v = &ValidationError{Field: "content", Rule: "secret_screen", Message: e.Error()}
		return true
	}
	return false
}

// NotFoundError reports a referenced record that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "record"
	}
	return fmt.Sprintf("%s not found: %s", kind, e.ID)
}

// ProtocolError reports model output or tool names that do not match the
// expected directive shape.
type ProtocolError struct {
	Message string
	Raw     string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Message
}

// UpstreamError wraps a transport or status failure from the completion,
// embedding, store or web capability.
type UpstreamError struct {
	Service string
	Op      string
	Status  int
	Err     error
}

func (e *UpstreamError) Error() string {
	msg := e.Service
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream wraps err as an UpstreamError unless it already is one. A nil err
// stays nil.
func Upstream(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Service: service, Op: op, Err: err}
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// KindOf classifies err into one of the Kind constants.
func KindOf(err error) string {
	var (
		sd *SecretDetected
		ve *ValidationError
		nf *NotFoundError
		pe *ProtocolError
		ue *UpstreamError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &sd):
		return KindSecret
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &pe):
		return KindProtocol
	case errors.As(err, &ue):
		return KindUpstream
	case errors.As(err, &ve):
		return KindValidation
	}
	return KindInternal
}
