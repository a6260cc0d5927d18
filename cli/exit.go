package cli

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	exitSuccess  = 0
	exitConfig   = 1
	exitRuntime  = 2
	exitStore    = 3
	exitProvider = 5
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// ExitCode maps err to a process exit code: 0 for nil, the carried code for
// an *ExitError, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
