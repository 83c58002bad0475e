package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const cpuSampleWindow = 100 * time.Millisecond

// ResourceSnapshot records host and process usage at the end of a run.
type ResourceSnapshot struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	MemoryTotalBytes  uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes   uint64  `json:"memory_used_bytes"`
	Goroutines        int     `json:"goroutines"`
	HeapAllocBytes    uint64  `json:"heap_alloc_bytes"`
}

// SnapshotResources samples CPU over a short window plus memory. Host figures
// that cannot be read are left zero and reported in the returned error; the
// process figures are always filled.
func SnapshotResources(ctx context.Context) (ResourceSnapshot, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap := ResourceSnapshot{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
	}

	var errs []error
	if pct, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false); err != nil {
		errs = append(errs, fmt.Errorf("sample cpu: %w", err))
	} else if len(pct) > 0 {
		snap.CPUPercent = round2(pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("read memory: %w", err))
	} else {
		snap.MemoryTotalBytes = vm.Total
		snap.MemoryUsedBytes = vm.Used
		snap.MemoryUsedPercent = round2(vm.UsedPercent)
	}
	return snap, errors.Join(errs...)
}
