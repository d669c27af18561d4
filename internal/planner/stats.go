package planner

import (
	"fmt"
	"time"
)

// Stats splits an entity's wall time between source reads, destination
// writes and sampled validation.
type Stats struct {
	FetchTime    time.Duration `json:"fetch_time"`
	WriteTime    time.Duration `json:"write_time"`
	ValidateTime time.Duration `json:"validate_time"`
	Records      int64         `json:"records"`
	Batches      int           `json:"batches"`
}

// TotalTime is the sum of all phases.
func (s Stats) TotalTime() time.Duration {
	return s.FetchTime + s.WriteTime + s.ValidateTime
}

// RecordsPerSecond is write throughput; zero before anything was written.
func (s Stats) RecordsPerSecond() float64 {
	if s.WriteTime <= 0 {
		return 0
	}
	return float64(s.Records) / s.WriteTime.Seconds()
}

func (s Stats) String() string {
	total := s.TotalTime()
	if total == 0 {
		return "no data"
	}
	pct := func(d time.Duration) float64 {
		return float64(d) / float64(total) * 100
	}
	return fmt.Sprintf("fetch=%.1fs (%.0f%%), write=%.1fs (%.0f%%), validate=%.1fs (%.0f%%), records=%d",
		s.FetchTime.Seconds(), pct(s.FetchTime),
		s.WriteTime.Seconds(), pct(s.WriteTime),
		s.ValidateTime.Seconds(), pct(s.ValidateTime),
		s.Records)
}

func (s *Stats) add(o Stats) {
	s.FetchTime += o.FetchTime
	s.WriteTime += o.WriteTime
	s.ValidateTime += o.ValidateTime
	s.Records += o.Records
	s.Batches += o.Batches
}
