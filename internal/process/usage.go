package process

import (
	"context"
	"fmt"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource snapshot of the supervised process.
type Usage struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	VMSBytes   uint64  `json:"vms_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

// ResourceUsage samples memory and CPU of the running process.
// Returns ErrNotRunning when no process is up.
func (s *Supervisor) ResourceUsage(ctx context.Context) (Usage, error) {
	pid := s.PID()
	if pid == 0 {
		return Usage{}, ErrNotRunning
	}

	proc, err := gopsprocess.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // PIDs fit in int32
	if err != nil {
		return Usage{}, fmt.Errorf("inspecting pid %d: %w", pid, err)
	}

	usage := Usage{PID: pid}

	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("reading memory of pid %d: %w", pid, err)
	}
	usage.RSSBytes = mem.RSS
	usage.VMSBytes = mem.VMS

	// CPU and thread counts are best effort; not every platform reports them.
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		usage.CPUPercent = cpu
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		usage.Threads = threads
	}
	return usage, nil
}
