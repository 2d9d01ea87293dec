package contracts

import "fmt"

// ErrorCode is the closed set of failure classes crossing the dispatch
// boundary. Codes are stable identifiers and MUST NOT change between releases.
type ErrorCode string

const (
	CodeConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeConflict            ErrorCode = "CONFLICT"
	CodeIdempotencyMismatch ErrorCode = "IDEMPOTENCY_KEY_REUSE_PAYLOAD_MISMATCH"
)

// Error is the uniform error value returned by every operation. Errors are
// values; nothing in the pipeline panics across the dispatch boundary.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail returns the error with one detail field set, allocating the
// details map on first use.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ReasonCode returns the details["reason_code"] string, if present.
func (e *Error) ReasonCode() string {
	if e.Details == nil {
		return ""
	}
	if rc, ok := e.Details["reason_code"].(string); ok {
		return rc
	}
	return ""
}

// NewError builds an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ConstraintViolation builds a CONSTRAINT_VIOLATION carrying a reason code.
func ConstraintViolation(reason, format string, args ...any) *Error {
	return NewError(CodeConstraintViolation, format, args...).WithDetail("reason_code", reason)
}

// Forbidden builds a FORBIDDEN carrying a reason code.
func Forbidden(reason, format string, args ...any) *Error {
	return NewError(CodeForbidden, format, args...).WithDetail("reason_code", reason)
}

// NotFound builds a NOT_FOUND for a missing entity.
func NotFound(entity, id string) *Error {
	return NewError(CodeNotFound, "%s %q not found", entity, id).
		WithDetail("entity", entity).WithDetail("id", id)
}

// Conflict builds a CONFLICT carrying a reason code.
func Conflict(reason, format string, args ...any) *Error {
	return NewError(CodeConflict, format, args...).WithDetail("reason_code", reason)
}
