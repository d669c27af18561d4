package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/logging"
	"github.com/schollz/progressbar/v3"
)

// Console renders session progress as a terminal progress bar.
type Console struct {
	bar       *progressbar.ProgressBar
	writer    io.Writer
	startTime time.Time

	mu      sync.Mutex
	current map[string]int64
	active  map[string]bool
	total   int64
}

// NewConsole creates a console renderer writing to w (stderr when nil).
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stderr
	}
	return &Console{
		writer:    w,
		startTime: time.Now(),
		current:   make(map[string]int64),
		active:    make(map[string]bool),
	}
}

func (c *Console) ensureBar(total int64) {
	if c.bar != nil {
		c.bar.ChangeMax64(total)
		return
	}
	c.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(c.writer),
		progressbar.OptionSetDescription("Migrating"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Handle applies one tracker event to the bar.
func (c *Console) Handle(ev Event) {
	if ev.Kind != EventSnapshot || ev.Snapshot == nil {
		if ev.Kind == EventAlert && ev.Alert != nil {
			c.mu.Lock()
			if c.bar != nil {
				c.bar.Clear()
			}
			c.mu.Unlock()
			logging.Warn("[%s] %s", ev.Alert.Type, ev.Alert.Message)
		}
		return
	}
	s := ev.Snapshot

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.current[s.EntityType]; !seen {
		c.total += s.RecordsTotal
		c.ensureBar(c.total)
	}
	delta := s.RecordsProcessed - c.current[s.EntityType]
	c.current[s.EntityType] = s.RecordsProcessed
	if delta > 0 {
		c.bar.Add64(delta)
	}

	switch s.Status {
	case StatusCompleted, StatusError, StatusPaused:
		delete(c.active, s.EntityType)
	default:
		c.active[s.EntityType] = true
	}
	c.describe()
}

// describe updates the bar label; callers hold c.mu.
func (c *Console) describe() {
	switch len(c.active) {
	case 0:
		c.bar.Describe("Migrating")
	case 1:
		for name := range c.active {
			c.bar.Describe(fmt.Sprintf("Migrating %s", name))
		}
	default:
		c.bar.Describe(fmt.Sprintf("Migrating (%d entities)", len(c.active)))
	}
}

// Processed returns the total records the console has seen processed.
func (c *Console) Processed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, v := range c.current {
		n += v
	}
	return n
}

// Attach renders tracker events until ctx is done, then prints a summary.
func (c *Console) Attach(ctx context.Context, t *Tracker) {
	events, unsubscribe := t.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			c.Finish()
			return
		case ev, ok := <-events:
			if !ok {
				c.Finish()
				return
			}
			c.Handle(ev)
		}
	}
}

// Finish completes the bar and logs the overall rate.
func (c *Console) Finish() {
	c.mu.Lock()
	if c.bar != nil {
		c.bar.Finish()
	}
	c.mu.Unlock()

	processed := c.Processed()
	elapsed := time.Since(c.startTime)
	rate := float64(processed) / max(elapsed.Seconds(), 0.001)

	fmt.Fprintln(c.writer)
	logging.Info("Migration complete: %d records in %s (%.0f records/sec)",
		processed, elapsed.Round(time.Second), rate)
}
