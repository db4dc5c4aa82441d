package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/roach88/webverify/internal/fault"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // An operation against the engine failed
	ExitCommandError = 2 // Command error (bad flags, config, database not found)
)

// ExitError is an error carrying the process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

// Response is the JSON envelope of every command's output.
type Response struct {
	Status string     `json:"status"` // "ok" or "error"
	Data   any        `json:"data,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed command.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format. Text
// output prints data with its String method.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error outputs err in the configured format. Coded failures keep their
// code and context.
func (f *OutputFormatter) Error(err error) error {
	body := ErrorBody{Code: "ERROR", Message: err.Error()}
	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Code = string(fe.Code)
		body.Message = fe.Message
		body.Details = map[string]string{}
		if fe.FileID != 0 {
			body.Details["file_id"] = strconv.FormatInt(fe.FileID, 10)
		}
		if fe.Page != 0 {
			body.Details["page"] = strconv.Itoa(fe.Page)
		}
		for k, v := range fe.Details {
			body.Details[k] = v
		}
		if len(body.Details) == 0 {
			body.Details = nil
		}
	}

	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "error", Error: &body})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", body.Code, body.Message)
	if f.Verbose && body.Details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", body.Details)
	}
	return nil
}
