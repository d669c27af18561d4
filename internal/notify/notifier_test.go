package notify

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/config"
	"github.com/johndauphine/legacy-migrate/internal/progress"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

type recordingSender struct {
	titles []string
	bodies []string
	errs   []error
}

func (r *recordingSender) Send(message string, params *stypes.Params) []error {
	title, _ := params.Title()
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return r.errs
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	n, err := New(config.NotifyConfig{Enabled: false, URLs: []string{"generic+https://example.com/hook"}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if n.IsEnabled() {
		t.Error("notifier should be disabled")
	}
	if err := n.RunStarted("run-1", 3); err != nil {
		t.Errorf("disabled RunStarted returned %v", err)
	}
}

func TestNotifierMessages(t *testing.T) {
	rec := &recordingSender{}
	n := &Notifier{enabled: true, sender: rec}

	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	if err := n.RunCompleted("run-1", start, 90*time.Second, 4, 1234567, 13717.4); err != nil {
		t.Fatal(err)
	}
	if err := n.RunHalted("run-1", "employees", "data integrity violation", "ckpt-9", []string{"Fix the rows", "Resume the run"}); err != nil {
		t.Fatal(err)
	}
	if err := n.AlertRaised("run-1", progress.Alert{Type: progress.AlertLowThroughput, Severity: progress.SeverityWarning, Message: "slow"}); err != nil {
		t.Fatal(err)
	}

	if rec.titles[0] != "Migration Completed" {
		t.Errorf("title = %q", rec.titles[0])
	}
	if !strings.Contains(rec.bodies[0], "1,234,567 records in 1m 30s (13,717 records/sec)") {
		t.Errorf("completed body = %q", rec.bodies[0])
	}
	if !strings.Contains(rec.bodies[1], "Last checkpoint: ckpt-9.") || !strings.Contains(rec.bodies[1], "\n2. Resume the run") {
		t.Errorf("halted body = %q", rec.bodies[1])
	}
	if rec.titles[2] != "Migration Alert (warning)" {
		t.Errorf("alert title = %q", rec.titles[2])
	}
}

func TestNotifierReturnsSendErrors(t *testing.T) {
	boom := errors.New("webhook returned 500")
	n := &Notifier{enabled: true, sender: &recordingSender{errs: []error{nil, boom}}}
	err := n.RunFailed("run-1", errors.New(strings.Repeat("x", 600)), time.Minute)
	if !errors.Is(err, boom) {
		t.Errorf("RunFailed error = %v, want wrapped %v", err, boom)
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{{0, "0"}, {999, "999"}, {1000, "1,000"}, {1234567, "1,234,567"}}
	for _, tt := range tests {
		if got := formatNumberWithCommas(tt.n); got != tt.want {
			t.Errorf("formatNumberWithCommas(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
	if got := formatDuration(3*time.Hour + 4*time.Minute + 5*time.Second); got != "3h 4m 5s" {
		t.Errorf("formatDuration = %q", got)
	}
	if got := formatDuration(42 * time.Second); got != "42s" {
		t.Errorf("formatDuration = %q", got)
	}
}
