// Package recovery turns raw failures into typed migration errors and decides
// what the engine does next: retry with backoff, skip the record, or halt.
package recovery

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType is the closed set of failure categories.
type ErrorType string

const (
	TypeNetwork        ErrorType = "network"
	TypeDataIntegrity  ErrorType = "data_integrity"
	TypeSchemaMismatch ErrorType = "schema_mismatch"
	TypeValidation     ErrorType = "validation"
	TypeSystem         ErrorType = "system"
	TypeBusinessRule   ErrorType = "business_rule"
)

// Severity ranks how serious a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is what the engine does with a classified failure.
type Action string

const (
	ActionRetry              Action = "retry"
	ActionSkip               Action = "skip"
	ActionManualIntervention Action = "manual_intervention"
	ActionRollback           Action = "rollback"
	ActionHalt               Action = "halt"
)

// ErrCircuitOpen is returned while an operation's breaker is open.
var ErrCircuitOpen = errors.New("temporarily unavailable, retry later")

// Resolution is the outcome of the resolution policy for one error.
type Resolution struct {
	Action      Action        `json:"action"`
	Reason      string        `json:"reason"`
	ManualSteps []string      `json:"manual_steps,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	// ReduceBatch asks the caller to retry with a smaller batch.
	ReduceBatch bool `json:"reduce_batch,omitempty"`
}

// ErrorContext carries the optional, named facts about where a failure happened.
type ErrorContext struct {
	Operation  string `json:"operation,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	BatchIndex int    `json:"batch_index,omitempty"`
	RecordID   string `json:"record_id,omitempty"`
}

// MigrationError is a classified failure.
type MigrationError struct {
	Type          ErrorType    `json:"type"`
	Severity      Severity     `json:"severity"`
	Message       string       `json:"message"`
	Retryable     bool         `json:"retryable"`
	MemoryRelated bool         `json:"memory_related,omitempty"`
	RetryCount    int          `json:"retry_count"`
	MaxRetries    int          `json:"max_retries"`
	Context       ErrorContext `json:"context"`
	Resolution    *Resolution  `json:"resolution,omitempty"`
	OccurredAt    time.Time    `json:"occurred_at"`
	cause         error
}

func (e *MigrationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s error", e.Type)
	if e.Context.EntityType != "" {
		fmt.Fprintf(&sb, " in %s", e.Context.EntityType)
	}
	if e.Context.RecordID != "" {
		fmt.Fprintf(&sb, " (record %s)", e.Context.RecordID)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	return sb.String()
}

func (e *MigrationError) Unwrap() error {
	return e.cause
}

// Halted reports whether the attached resolution stops the owning entity.
func (e *MigrationError) Halted() bool {
	if e.Resolution == nil {
		return false
	}
	switch e.Resolution.Action {
	case ActionHalt, ActionManualIntervention, ActionRollback:
		return true
	}
	return false
}

// Remediation renders the resolution as a human-readable action list.
func (e *MigrationError) Remediation() string {
	if e.Resolution == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.Resolution.Action, e.Resolution.Reason)
	for i, step := range e.Resolution.ManualSteps {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, step)
	}
	return sb.String()
}
