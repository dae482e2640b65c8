package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for exit-code mapping and wire reporting.
type ErrorKind string

const (
	// ErrConfigParse indicates the root config failed to load or parse.
	ErrConfigParse ErrorKind = "config_parse"

	// ErrGraph indicates a definition-time graph error: a dependency cycle,
	// a duplicate task name, or an unresolved dependency reference.
	ErrGraph ErrorKind = "graph"

	// ErrTaskFailure indicates a task body failed, either through the fail
	// sigil or an uncaught script error.
	ErrTaskFailure ErrorKind = "task_failure"

	// ErrTransport indicates a codec, handshake, or channel I/O failure.
	ErrTransport ErrorKind = "transport"

	// ErrSSH indicates a connection or authentication failure.
	ErrSSH ErrorKind = "ssh"

	// ErrAgentCrashed indicates the remote agent exited before Done.
	ErrAgentCrashed ErrorKind = "agent_crashed"
)

// Exit codes by error class. Success and all-cancelled runs exit zero.
const (
	ExitOK        = 0
	ExitTaskFail  = 1
	ExitPlanError = 2
	ExitTransport = 3
)

// Error is a classified engine error.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind

	// Message is the human-readable error message.
	Message string

	// Task is the task name that caused the error, if applicable.
	Task string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Task != "" {
		msg = fmt.Sprintf("%s (task=%s)", msg, e.Task)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for errors.As/Is chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode maps the error kind to the process exit class.
func (e *Error) ExitCode() int {
	switch e.Kind {
	case ErrConfigParse, ErrGraph:
		return ExitPlanError
	case ErrTaskFailure:
		return ExitTaskFail
	case ErrTransport, ErrSSH, ErrAgentCrashed:
		return ExitTransport
	default:
		return ExitTaskFail
	}
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithTask attaches the offending task name.
func (e *Error) WithTask(name string) *Error {
	e.Task = name
	return e
}

// ExitCodeFor extracts the exit class from any error. Unclassified errors
// are treated as task failures.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.ExitCode()
	}
	return ExitTaskFail
}

// KindOf returns the classification of err, or "" if unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
