// Package fault defines the small caller-facing error vocabulary shared by
// the pool, the document session controller and the page cache.
//
// Every failure surfaced to a request handler is an *Error carrying one of
// the codes below plus the debug context (file, page, session) needed for
// server-side diagnosis. Lower layers wrap their own errors with %w; the
// code is what callers branch on.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// Code categorizes a failure.
type Code string

const (
	// CodeNotFound: file, page or session does not exist or is not visible.
	CodeNotFound Code = "NOT_FOUND"

	// CodeLocked: the file exists but is held by another process.
	CodeLocked Code = "LOCKED"

	// CodeConflict: no open session where one is required, or another
	// precondition (configured action, matching identity) is unmet.
	CodeConflict Code = "CONFLICT"

	// CodeCapacityExceeded: the handle pool stayed exhausted past the
	// acquire timeout.
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"

	// CodeBackendFailure: the processing engine itself raised an error.
	CodeBackendFailure Code = "BACKEND_FAILURE"

	// CodeUnauthorized: the logical or backend session never existed.
	CodeUnauthorized Code = "UNAUTHORIZED"
)

// Error is the normalized failure returned across package boundaries.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// FileID identifies the affected file, 0 if none.
	FileID int64

	// Page identifies the affected page, 0 if none.
	Page int

	// SessionID is the logical session, if known.
	SessionID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.FileID != 0 {
		msg += fmt.Sprintf(" (file=%d", e.FileID)
		if e.Page != 0 {
			msg += fmt.Sprintf(", page=%d", e.Page)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around an existing cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithFile attaches a file id and returns the receiver.
func (e *Error) WithFile(fileID int64) *Error {
	e.FileID = fileID
	return e
}

// WithPage attaches a page number and returns the receiver.
func (e *Error) WithPage(page int) *Error {
	e.Page = page
	return e
}

// WithSession attaches a logical session id and returns the receiver.
func (e *Error) WithSession(sessionID string) *Error {
	e.SessionID = sessionID
	return e
}

// WithDetail adds one key/value pair of context and returns the receiver.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound returns true if err is a NotFound failure.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsLocked returns true if err is a Locked failure.
func IsLocked(err error) bool { return Is(err, CodeLocked) }

// IsConflict returns true if err is a Conflict failure.
func IsConflict(err error) bool { return Is(err, CodeConflict) }

// IsCapacityExceeded returns true if err is a CapacityExceeded failure.
func IsCapacityExceeded(err error) bool { return Is(err, CodeCapacityExceeded) }

// IsUnauthorized returns true if err is an Unauthorized failure.
func IsUnauthorized(err error) bool { return Is(err, CodeUnauthorized) }

// Normalize returns err unchanged if it already carries a code, otherwise
// wraps it as a BackendFailure with the given message.
func Normalize(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		return err
	}
	return Wrap(CodeBackendFailure, err, format, args...)
}

// HTTPStatus maps err onto the status code a request handler should send.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeLocked:
		return http.StatusLocked
	case CodeConflict:
		return http.StatusConflict
	case CodeCapacityExceeded:
		return http.StatusServiceUnavailable
	case CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// serialized is the JSON shape stored alongside a failed file.
type serialized struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	FileID  int64             `json:"file_id,omitempty"`
	Page    int               `json:"page,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Cause   string            `json:"cause,omitempty"`
}

// Serialize renders err as the JSON document recorded with a failed file.
// Errors without a code are recorded as BackendFailure.
func Serialize(err error) string {
	if err == nil {
		return ""
	}
	s := serialized{Code: CodeBackendFailure, Message: err.Error()}
	var fe *Error
	if errors.As(err, &fe) {
		s = serialized{
			Code:    fe.Code,
			Message: fe.Message,
			FileID:  fe.FileID,
			Page:    fe.Page,
			Details: fe.Details,
		}
		if fe.Err != nil {
			s.Cause = fe.Err.Error()
		}
	}
	data, mErr := json.Marshal(s)
	if mErr != nil {
		return strconv.Quote(err.Error())
	}
	return string(data)
}
