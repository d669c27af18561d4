package stats

import "testing"

func TestPoolStatsString(t *testing.T) {
	s := PoolStats{DBType: "mssql", MaxConns: 10, ActiveConns: 4, IdleConns: 2, WaitCount: 4, WaitTimeMs: 10}
	want := "mssql: 4/10 active, 2 idle, 4 waits (2.5ms avg)"
	if got := s.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if u := s.Utilization(); u != 0.4 {
		t.Errorf("Utilization() = %v, want 0.4", u)
	}
	if (PoolStats{}).Utilization() != 0 {
		t.Error("zero pool should report zero utilization")
	}
}
