package lifecycle

import "fmt"

// Machine-readable error codes surfaced to API callers.
const (
	CodeAlreadyActive     = "ALREADY_ACTIVE"
	CodeNotReady          = "NOT_READY"
	CodeInvalidTransition = "INVALID_STATUS_TRANSITION"
	CodeAgentNotFound     = "AGENT_NOT_FOUND"
	CodeValidation        = "VALIDATION_ERROR"
)

// Error is a typed, caller-recoverable lifecycle error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errAgentNotFound(agentID string) *Error {
	return &Error{Code: CodeAgentNotFound, Message: fmt.Sprintf("agent %s not found", agentID)}
}

func errAlreadyActive(agentID string) *Error {
	return &Error{Code: CodeAlreadyActive, Message: fmt.Sprintf("agent %s is already active", agentID)}
}

func errNotReady(status string) *Error {
	return &Error{Code: CodeNotReady, Message: fmt.Sprintf("agent in status '%s' is not ready for activation; admin approval requires 'pending_admin'", status)}
}

func errInvalidTransition(from, to string) *Error {
	return &Error{Code: CodeInvalidTransition, Message: fmt.Sprintf("cannot transition agent from '%s' to '%s'", from, to)}
}

func errValidation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}
