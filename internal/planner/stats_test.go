package planner

import (
	"strings"
	"testing"
	"time"
)

func TestStats_String(t *testing.T) {
	tests := []struct {
		name     string
		stats    Stats
		expected string
	}{
		{
			name:     "empty stats",
			stats:    Stats{},
			expected: "no data",
		},
		{
			name: "balanced times",
			stats: Stats{
				FetchTime:    time.Second,
				WriteTime:    time.Second,
				ValidateTime: time.Second,
				Records:      1000,
			},
			expected: "fetch=1.0s (33%), write=1.0s (33%), validate=1.0s (33%), records=1000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.stats.String()
			if result != tt.expected {
				t.Errorf("got %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestStats_TotalTime(t *testing.T) {
	stats := Stats{
		FetchTime:    time.Second,
		WriteTime:    2 * time.Second,
		ValidateTime: 3 * time.Second,
	}

	total := stats.TotalTime()
	expected := 6 * time.Second

	if total != expected {
		t.Errorf("TotalTime() = %v, want %v", total, expected)
	}
}

func TestStats_RecordsPerSecond(t *testing.T) {
	tests := []struct {
		name     string
		stats    Stats
		expected float64
	}{
		{
			name:     "zero time",
			stats:    Stats{Records: 1000},
			expected: 0,
		},
		{
			name: "one second",
			stats: Stats{
				WriteTime: time.Second,
				Records:   1000,
			},
			expected: 1000,
		},
		{
			name: "half second",
			stats: Stats{
				WriteTime: 500 * time.Millisecond,
				Records:   1000,
			},
			expected: 2000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stats.RecordsPerSecond(); got != tt.expected {
				t.Errorf("RecordsPerSecond() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStats_Add(t *testing.T) {
	var total Stats
	total.add(Stats{FetchTime: time.Second, Records: 10, Batches: 1})
	total.add(Stats{WriteTime: time.Second, Records: 5, Batches: 1})

	if total.Records != 15 || total.Batches != 2 {
		t.Errorf("unexpected totals: %+v", total)
	}
	if !strings.Contains(total.String(), "records=15") {
		t.Errorf("String() should contain the record count: %s", total.String())
	}
}
