package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a migration failure
type Kind string

const (
	KindDirectoryResolution Kind = "directory_resolution"
	KindLaunchFailed        Kind = "launch_failed"
	KindCommandFailed       Kind = "command_failed"
)

// Sentinels for errors.Is checks against a *Error of the matching kind
var (
	ErrDirectoryResolution = errors.New("could not resolve migration working directory")
	ErrLaunchFailed        = errors.New("failed to launch migration command")
	ErrCommandFailed       = errors.New("migration command failed")
)

// Error is a migration failure. Code is the exit status when the command
// ran and exited; it is nil for launch failures and signal termination.
type Error struct {
	Kind Kind
	Code *int
	Err  error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindDirectoryResolution:
		msg = ErrDirectoryResolution.Error()
	case KindLaunchFailed:
		msg = ErrLaunchFailed.Error()
	case KindCommandFailed:
		if e.Code != nil {
			msg = fmt.Sprintf("migration command exited with code %d", *e.Code)
		} else {
			msg = "migration command terminated without an exit code"
		}
	default:
		msg = "migration failed"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinel for e's kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrDirectoryResolution:
		return e.Kind == KindDirectoryResolution
	case ErrLaunchFailed:
		return e.Kind == KindLaunchFailed
	case ErrCommandFailed:
		return e.Kind == KindCommandFailed
	}
	return false
}

// ErrorKind tags the error for the host's structured command errors
func (e *Error) ErrorKind() string { return string(e.Kind) }

// ErrorCode returns the exit code, if any
func (e *Error) ErrorCode() *int { return e.Code }

type errorJSON struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	Code    *int   `json:"code,omitempty" yaml:"code,omitempty"`
	Message string `json:"message" yaml:"message"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorJSON{Kind: e.Kind, Code: e.Code, Message: e.Error()})
}

// MarshalYAML mirrors MarshalJSON for the CLI's --yaml output
func (e *Error) MarshalYAML() (any, error) {
	return errorJSON{Kind: e.Kind, Code: e.Code, Message: e.Error()}, nil
}

func intPtr(v int) *int { return &v }
