package progress

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMemory samples the resident set size of the current process.
type ProcessMemory struct {
	proc *process.Process
}

// NewProcessMemory returns a sampler for the running process.
func NewProcessMemory() (*ProcessMemory, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to get process instance: %w", err)
	}
	return &ProcessMemory{proc: proc}, nil
}

// MemoryMB returns the resident memory in megabytes.
func (p *ProcessMemory) MemoryMB() (float64, error) {
	info, err := p.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("failed to get process memory info: %w", err)
	}
	return float64(info.RSS) / 1024 / 1024, nil
}
