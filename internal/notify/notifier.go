// Package notify sends run notifications to chat, mail and webhook
// services addressed by shoutrrr URLs.
package notify

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/config"
	"github.com/johndauphine/legacy-migrate/internal/progress"
	"github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// sender is the part of the shoutrrr router the notifier uses.
type sender interface {
	Send(message string, params *stypes.Params) []error
}

// Notifier sends notifications through shoutrrr
type Notifier struct {
	enabled bool
	sender  sender
}

// New creates a notifier from configuration. A disabled or URL-less
// configuration yields a notifier that sends nothing.
func New(cfg config.NotifyConfig) (*Notifier, error) {
	if !cfg.Enabled || len(cfg.URLs) == 0 {
		return &Notifier{}, nil
	}
	router, err := shoutrrr.CreateSender(cfg.URLs...)
	if err != nil {
		return nil, fmt.Errorf("creating notification sender: %w", err)
	}
	if cfg.TimeoutMs > 0 {
		router.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	router.SetLogger(log.New(io.Discard, "", 0))
	return &Notifier{enabled: true, sender: router}, nil
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.enabled && n.sender != nil
}

// RunStarted sends notification when a run starts
func (n *Notifier) RunStarted(runID string, entityCount int) error {
	return n.send("Migration Started", fmt.Sprintf("Run %s started for %d entities.", runID, entityCount))
}

// RunCompleted sends notification when a run completes successfully
func (n *Notifier) RunCompleted(runID string, startTime time.Time, duration time.Duration, entityCount int, records int64, throughput float64) error {
	body := fmt.Sprintf("Run %s completed. Migrated %d entities with %s records in %s (%s records/sec). Started %s.",
		runID, entityCount, formatNumberWithCommas(records), formatDuration(duration),
		formatNumberWithCommas(int64(throughput)), startTime.UTC().Format("2006-01-02 15:04:05 UTC"))
	return n.send("Migration Completed", body)
}

// RunFailed sends notification when a run fails
func (n *Notifier) RunFailed(runID string, err error, duration time.Duration) error {
	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}
	return n.send("Migration Failed", fmt.Sprintf("Run %s failed after %s: %s", runID, formatDuration(duration), errMsg))
}

// RunHalted sends notification when an entity halts the run
func (n *Notifier) RunHalted(runID, entityType, reason, checkpointID string, manualSteps []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s halted at %s: %s.", runID, entityType, reason)
	if checkpointID != "" {
		fmt.Fprintf(&b, " Last checkpoint: %s.", checkpointID)
	}
	for i, step := range manualSteps {
		fmt.Fprintf(&b, "\n%d. %s", i+1, step)
	}
	return n.send("Migration Halted", b.String())
}

// AlertRaised forwards a progress alert
func (n *Notifier) AlertRaised(runID string, alert progress.Alert) error {
	title := fmt.Sprintf("Migration Alert (%s)", alert.Severity)
	return n.send(title, fmt.Sprintf("Run %s, %s: %s", runID, alert.Type, alert.Message))
}

func (n *Notifier) send(title, body string) error {
	if !n.IsEnabled() {
		return nil
	}
	params := stypes.Params{}
	params.SetTitle(title)
	errs := n.sender.Send(body, &params)
	var failed []error
	for _, e := range errs {
		if e != nil {
			failed = append(failed, e)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("sending notification: %w", errors.Join(failed...))
	}
	return nil
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
