package host

import (
	"errors"
	"fmt"
)

// Kinds produced by the host itself. Plugins add their own.
const (
	KindUnknownCommand = "unknown_command"
	KindInvalidRequest = "invalid_request"
	KindInternal       = "internal"
	KindUnavailable    = "unavailable"
)

// CommandError is the structured error returned to the front end. The kind
// tag survives serialization so callers can branch on it.
type CommandError struct {
	Kind    string `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
	Code    *int   `json:"code,omitempty" yaml:"code,omitempty"`
}

func (e *CommandError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("%s: %s (code %d)", e.Kind, e.Message, *e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrorKind implements Kinded
func (e *CommandError) ErrorKind() string { return e.Kind }

// Kinded is implemented by errors that carry a kind tag for the front end
type Kinded interface {
	ErrorKind() string
}

// Coded is implemented by errors that carry a numeric code (exit status)
type Coded interface {
	ErrorCode() *int
}

// Errorf builds a CommandError of the given kind
func Errorf(kind, format string, args ...any) *CommandError {
	return &CommandError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

type kindError struct {
	kind string
	err  error
}

func (e *kindError) Error() string     { return e.err.Error() }
func (e *kindError) Unwrap() error     { return e.err }
func (e *kindError) ErrorKind() string { return e.kind }

// NewKindError returns a sentinel error tagged with kind. Wrapping it with
// %w keeps the tag reachable through errors.As.
func NewKindError(kind, message string) error {
	return &kindError{kind: kind, err: errors.New(message)}
}

// WithKind tags an existing error with kind
func WithKind(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// ToCommandError converts any handler error into a CommandError. The message
// is the full error chain; the kind comes from the first Kinded error in the
// chain, falling back to internal.
func ToCommandError(err error) *CommandError {
	if err == nil {
		return nil
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce
	}

	out := &CommandError{Kind: KindInternal, Message: err.Error()}
	var k Kinded
	if errors.As(err, &k) {
		out.Kind = k.ErrorKind()
	}
	var c Coded
	if errors.As(err, &c) {
		out.Code = c.ErrorCode()
	}
	return out
}
