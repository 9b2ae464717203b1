package response

import "fmt"

// ParseError wraps a JSON decoding failure that survived every recovery
// attempt.
type ParseError struct {
	Stage string // "envelope" or "payload"
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("response: parse %s: %v", e.Stage, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// MissingEndError indicates an opening sentinel with no matching close.
type MissingEndError struct{}

func (e *MissingEndError) Error() string {
	return "response: block missing end sentinel"
}

// MissingFieldError indicates an envelope without phase or data.
type MissingFieldError struct {
	Field string // "phase" or "data"
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("response: block missing %q field", e.Field)
}

// UnknownPhaseError indicates an envelope tagged with an unrecognized phase.
type UnknownPhaseError struct {
	Phase string
}

func (e *UnknownPhaseError) Error() string {
	return fmt.Sprintf("response: unknown phase %q", e.Phase)
}

// FieldError indicates a payload field violating its phase schema.
type FieldError struct {
	Phase  Phase
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("response: %s payload field %q: %s", e.Phase, e.Field, e.Reason)
}
