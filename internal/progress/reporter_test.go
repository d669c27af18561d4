package progress

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestJSONReporterThrottles(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, time.Hour)

	r.Report(ProgressUpdate{Kind: EventSnapshot, EntityType: "offices", RecordsProcessed: 1})
	r.Report(ProgressUpdate{Kind: EventSnapshot, EntityType: "offices", RecordsProcessed: 2})
	r.ReportImmediate(ProgressUpdate{Kind: EventSnapshot, EntityType: "offices", RecordsProcessed: 3})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var u ProgressUpdate
	if err := json.Unmarshal([]byte(lines[1]), &u); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if u.RecordsProcessed != 3 {
		t.Errorf("RecordsProcessed = %d, want 3", u.RecordsProcessed)
	}
	if u.Timestamp == "" {
		t.Error("timestamp should be filled in")
	}
}

func TestJSONReporterClosed(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, 0)
	r.Close()
	r.Report(ProgressUpdate{})
	r.ReportImmediate(ProgressUpdate{})
	if buf.Len() != 0 {
		t.Errorf("closed reporter wrote %q", buf.String())
	}
}

func TestUpdateFromAlertEvent(t *testing.T) {
	a := &Alert{Type: AlertLowThroughput, EntityType: "offices", RaisedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	u := UpdateFromEvent(Event{Kind: EventAlert, Alert: a})
	if u.EntityType != "offices" || u.Alert != a || u.Timestamp != "2024-01-01T00:00:00Z" {
		t.Errorf("unexpected update: %+v", u)
	}
}

func TestConsoleHandleTracksTotals(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.Handle(Event{Kind: EventSnapshot, Snapshot: &Snapshot{EntityType: "offices", RecordsTotal: 100, Status: StatusStarting}})
	c.Handle(Event{Kind: EventSnapshot, Snapshot: &Snapshot{EntityType: "employees", RecordsTotal: 50, Status: StatusStarting}})
	c.Handle(Event{Kind: EventSnapshot, Snapshot: &Snapshot{EntityType: "offices", RecordsTotal: 100, RecordsProcessed: 60, Status: StatusRunning}})
	c.Handle(Event{Kind: EventSnapshot, Snapshot: &Snapshot{EntityType: "offices", RecordsTotal: 100, RecordsProcessed: 100, Status: StatusCompleted}})

	if got := c.Processed(); got != 100 {
		t.Errorf("Processed() = %d, want 100", got)
	}
	if c.total != 150 {
		t.Errorf("total = %d, want 150", c.total)
	}
	if len(c.active) != 1 || !c.active["employees"] {
		t.Errorf("active = %v, want only employees", c.active)
	}
}
