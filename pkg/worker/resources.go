package worker

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Resources is a point-in-time view of host load.
type Resources struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	LogicalCores  int     `json:"logical_cores"`
	Goroutines    int     `json:"goroutines"`
}

// Snapshot samples host load. Fields it cannot read are left at zero.
func Snapshot() Resources {
	r := Resources{Goroutines: runtime.NumGoroutine()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemoryPercent = vm.UsedPercent
	}
	if n, err := cpu.Counts(true); err == nil {
		r.LogicalCores = n
	}
	return r
}

func (r Resources) String() string {
	return fmt.Sprintf("CPU: %.1f%% | RAM: %.1f%% | cores: %d | goroutines: %d",
		r.CPUPercent, r.MemoryPercent, r.LogicalCores, r.Goroutines)
}
