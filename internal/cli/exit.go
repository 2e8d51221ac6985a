package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

const (
	ExitCodeSuccess = 0
	ExitCodeFailure = 1
	ExitCodeUsage   = 2
)

// ExitError carries the process exit code for a failed command.
// Printed means the message already reached stderr.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Exitf builds an ExitError from a format string.
func Exitf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

func usageError(cmd *cobra.Command, msg string) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n\n%s", msg, cmd.UsageString())
	return &ExitError{Code: ExitCodeUsage, Err: errors.New(msg), Printed: true}
}

func argsMax(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return usageError(cmd, fmt.Sprintf("accepts at most %d arg(s), received %d", n, len(args)))
		}
		return nil
	}
}

func argsRange(min, max int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < min || len(args) > max {
			return usageError(cmd, fmt.Sprintf("accepts between %d and %d arg(s), received %d", min, max, len(args)))
		}
		return nil
	}
}

func argsMin(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			want := strings.TrimSpace(cmd.Use)
			return usageError(cmd, fmt.Sprintf("requires at least %d arg(s): %s", n, want))
		}
		return nil
	}
}
