// Package errors defines the structured error taxonomy shared by every
// agent-studio component.
//
// # Codes
//
// Each error carries a code identifying the failure:
//
//   - NOT_FOUND: unknown agent, remote agent, tool or callback id
//   - INVALID_INPUT: malformed record (the validation error)
//   - LOAD_FAILED: an executable unit could not be initialized
//   - TRANSPORT: a remote connection failed
//   - TIMEOUT: no correlated response arrived within the deadline
//
// Codes map onto categories (transient, permanent, resource, internal) that
// drive retry decisions.
//
// # Usage
//
//	err := errors.NotFound("agent not registered", errors.WithAgentID(id))
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    // ...
//	}
//
// Wrap keeps the code of a wrapped *Error and maps context errors onto
// TIMEOUT and CANCELED:
//
//	return errors.Wrap(err, "loading unit")
package errors
