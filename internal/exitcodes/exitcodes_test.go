package exitcodes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
	"github.com/johndauphine/legacy-migrate/internal/config"
	"github.com/johndauphine/legacy-migrate/internal/planner"
	"github.com/johndauphine/legacy-migrate/internal/recovery"
)

func classified(msg string) error {
	return recovery.NewClassifier(nil).Classify(errors.New(msg), recovery.ErrorContext{EntityType: "orders"})
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil error", nil, Success},
		{"path error", &os.PathError{Op: "open", Path: "/foo", Err: errors.New("no such file")}, IOError},
		{"invalid config", fmt.Errorf("%w: batch_size must be positive", config.ErrInvalidConfig), ConfigError},
		{"yaml parse error", errors.New("yaml: unmarshal error"), ConfigError},
		{"toml parse error", errors.New("toml: line 3: expected '='"), ConfigError},
		{"no such file", errors.New("open config.yaml: no such file or directory"), IOError},
		{"connection refused", errors.New("dial tcp: connection refused"), ConnectionError},
		{"login failed", errors.New("login failed for user"), ConnectionError},
		{"circuit open", fmt.Errorf("scan orders: %w", recovery.ErrCircuitOpen), Unavailable},
		{"paused", fmt.Errorf("run abc: %w", planner.ErrPaused), Paused},
		{"cancelled", planner.ErrCancelled, Cancelled},
		{"context canceled", context.Canceled, Cancelled},
		{"halted", &planner.HaltError{Entity: "orders", Reason: "duplicate key"}, Halted},
		{"halt wraps classified error", &planner.HaltError{Entity: "orders", Err: classified("duplicate key")}, Halted},
		{"run not found", fmt.Errorf("%w: abc", checkpoint.ErrRunNotFound), StateError},
		{"superseded checkpoint", fmt.Errorf("resuming from checkpoint c1: %w", &planner.SupersededError{CheckpointID: "c1", Entity: "orders", LatestID: "c2"}), StateError},
		{"classified network", classified("connection reset by peer"), ConnectionError},
		{"classified integrity", classified("violates foreign key constraint"), ValidationError},
		{"classified schema", classified(`column "email" does not exist`), MigrationFailed},
		{"validation mismatch", errors.New("content mismatch on 3 records"), ValidationError},
		{"state error", errors.New("checkpoint not found"), StateError},
		{"no incomplete run", errors.New("no incomplete run found"), StateError},
		{"unknown error", errors.New("something unexpected happened"), MigrationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got != tt.expected {
				t.Errorf("FromError(%v) = %d (%s), want %d (%s)",
					tt.err, got, Description(got), tt.expected, Description(tt.expected))
			}
		})
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("inner error")
	exitErr := NewExitError(inner, ConnectionError)

	if exitErr.Code != ConnectionError {
		t.Errorf("expected code %d, got %d", ConnectionError, exitErr.Code)
	}

	if exitErr.Error() != "inner error" {
		t.Errorf("expected error message 'inner error', got '%s'", exitErr.Error())
	}

	if errors.Unwrap(exitErr) != inner {
		t.Error("Unwrap should return inner error")
	}

	if FromError(exitErr) != ConnectionError {
		t.Errorf("FromError should extract code from ExitError")
	}

	// an explicit code beats the typed mapping
	if got := FromError(NewExitError(planner.ErrPaused, StateError)); got != StateError {
		t.Errorf("FromError = %d, want %d", got, StateError)
	}
}

func TestIsRecoverable(t *testing.T) {
	recoverable := []int{ConnectionError, Cancelled, IOError, Unavailable, Paused}
	nonRecoverable := []int{Success, ConfigError, MigrationFailed, ValidationError, StateError, Halted}

	for _, code := range recoverable {
		if !IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be recoverable", code, Description(code))
		}
	}

	for _, code := range nonRecoverable {
		if IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be non-recoverable", code, Description(code))
		}
	}
}

func TestDescription(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{Success, "success"},
		{ConfigError, "configuration error"},
		{ConnectionError, "connection error (recoverable)"},
		{MigrationFailed, "migration failed"},
		{ValidationError, "validation error"},
		{Cancelled, "cancelled (recoverable)"},
		{StateError, "state error"},
		{IOError, "I/O error (recoverable)"},
		{Unavailable, "temporarily unavailable (recoverable)"},
		{Halted, "halted, manual intervention required"},
		{Paused, "paused (resumable)"},
		{99, "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := Description(tt.code)
			if got != tt.expected {
				t.Errorf("Description(%d) = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}
