package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/changecontrol/internal/change"
	"github.com/roach88/changecontrol/internal/config"
	"github.com/roach88/changecontrol/internal/definition"
	"github.com/roach88/changecontrol/internal/kv"
	"github.com/roach88/changecontrol/internal/lock"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // A run, clear or unlock failed
	ExitCommandError = 2 // Command error (bad config, unreadable definitions, unreachable store)
)

// Error codes reported in JSON output.
const (
	ErrCodeGeneric      = "E001"
	ErrCodeConfig       = "E002"
	ErrCodeDefinition   = "E003"
	ErrCodeStore        = "E004"
	ErrCodeContention   = "E005"
	ErrCodeModified     = "E006"
	ErrCodePrecondition = "E007"
	ErrCodeAction       = "E008"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
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
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ErrorCode classifies err for JSON output.
func ErrorCode(err error) string {
	var (
		modified     *change.ModifiedError
		precondition *change.PreconditionError
		action       *change.ActionError
		loadErr      *definition.LoadError
	)
	switch {
	case errors.Is(err, lock.ErrContention):
		return ErrCodeContention
	case errors.As(err, &modified):
		return ErrCodeModified
	case errors.As(err, &precondition):
		return ErrCodePrecondition
	case errors.As(err, &action):
		return ErrCodeAction
	case errors.As(err, &loadErr):
		return ErrCodeDefinition
	case errors.Is(err, config.ErrInvalidConfig):
		return ErrCodeConfig
	case kv.IsStoreError(err):
		return ErrCodeStore
	}
	return ErrCodeGeneric
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Done reports success: "Done" in text mode, data in JSON mode.
func (f *OutputFormatter) Done(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	_, err := fmt.Fprintln(f.Writer, "Done")
	return err
}

// Fail reports err in JSON mode. Text mode writes nothing; the caller's
// error is printed by main.
func (f *OutputFormatter) Fail(err error, details any) error {
	if f.Format != "json" {
		return nil
	}
	return json.NewEncoder(f.Writer).Encode(CLIResponse{
		Status: "error",
		Error: &CLIError{
			Code:    ErrorCode(err),
			Message: err.Error(),
			Details: details,
		},
	})
}
