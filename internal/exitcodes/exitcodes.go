// Package exitcodes defines the exit codes of the migrate CLI so schedulers
// (cron, Airflow, Kubernetes jobs) can tell a retryable failure from one that
// needs an operator.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
	"github.com/johndauphine/legacy-migrate/internal/config"
	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/planner"
	"github.com/johndauphine/legacy-migrate/internal/recovery"
)

const (
	// Success - migration completed without errors
	Success = 0

	// ConfigError - configuration parsing or validation errors (don't retry)
	ConfigError = 1

	// ConnectionError - source/destination unreachable (recoverable)
	ConnectionError = 2

	// MigrationFailed - an entity failed for a reason not covered below
	MigrationFailed = 3

	// ValidationError - record validation or sampled integrity check failed
	ValidationError = 4

	// Cancelled - user cancelled via signal or the cancel command
	Cancelled = 5

	// StateError - run/checkpoint state missing or inconsistent
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7

	// Unavailable - a circuit breaker is open; retry later (recoverable)
	Unavailable = 8

	// Halted - an entity halted and needs manual intervention before resume
	Halted = 9

	// Paused - the run was paused and can be resumed (recoverable)
	Paused = 10
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the exit code for an error. Typed errors win; the
// message families only apply to errors nothing has classified.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if code, ok := fromTyped(err); ok {
		return code
	}
	return fromMessage(err)
}

func fromTyped(err error) (int, bool) {
	var halt *planner.HaltError
	switch {
	case errors.Is(err, planner.ErrPaused):
		return Paused, true
	case errors.Is(err, planner.ErrCancelled), errors.Is(err, context.Canceled):
		return Cancelled, true
	case errors.As(err, &halt):
		return Halted, true
	case errors.Is(err, recovery.ErrCircuitOpen):
		return Unavailable, true
	case errors.Is(err, config.ErrInvalidConfig), errors.Is(err, entity.ErrUnknownEntity):
		return ConfigError, true
	case errors.Is(err, checkpoint.ErrRunNotFound),
		errors.Is(err, checkpoint.ErrCheckpointNotFound),
		errors.Is(err, checkpoint.ErrCheckpointRegression),
		errors.Is(err, planner.ErrNotResumable):
		return StateError, true
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError, true
	}

	var me *recovery.MigrationError
	if errors.As(err, &me) {
		switch me.Type {
		case recovery.TypeNetwork:
			return ConnectionError, true
		case recovery.TypeValidation, recovery.TypeDataIntegrity, recovery.TypeBusinessRule:
			return ValidationError, true
		default:
			return MigrationFailed, true
		}
	}
	return 0, false
}

func fromMessage(err error) int {
	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// before ConfigError so "validation failed" is not read as a config problem
	if containsAny(errStr, []string{
		"mismatch",
		"validation failed",
		"integrity",
	}) {
		return ValidationError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"toml:",
		"json:",
		"unmarshal",
		"invalid configuration",
		"missing required",
		"invalid value",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"ping",
		"login failed",
		"authentication",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context deadline",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"state",
		"checkpoint",
		"resume",
		"run not found",
		"already completed",
		"no incomplete run",
	}) {
		return StateError
	}

	return MigrationFailed
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError, Unavailable, Paused:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case MigrationFailed:
		return "migration failed"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case Unavailable:
		return "temporarily unavailable (recoverable)"
	case Halted:
		return "halted, manual intervention required"
	case Paused:
		return "paused (resumable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
