package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks resource usage for dispatcher monitoring
type SystemMetrics struct {
	WorkersActive int            `json:"workers_active"`  // workers currently running a job
	WorkersTotal  int            `json:"workers_total"`   // configured workers
	MemoryUsedGB  float64        `json:"memory_used_gb"`  // host memory in use
	MemoryTotalGB float64        `json:"memory_total_gb"` // host memory total
	MemoryPercent float64        `json:"memory_percent"`
	Jobs          map[Status]int `json:"jobs"` // job count per status
}

// getMemoryStats returns total and available host memory in bytes
func getMemoryStats() (total, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a worker count for the available memory.
// Workers mostly wait on the workflow, so each needs little; the cap keeps
// the store's connection pool from being the bottleneck.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 0.25 // GB per concurrent workflow wait
	const memoryBuffer = 0.5     // GB reserved for the process itself

	if availableGB < memoryBuffer {
		return 1
	}
	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 32 {
		return 32
	}
	return recommended
}

// SystemMetrics returns current resource usage and job counts
func (d *Dispatcher) SystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	jobs, err := d.deps.Store.Stats(ctx)
	if err != nil {
		jobs = map[Status]int{}
	}

	d.mu.Lock()
	active := d.activeWorkers
	d.mu.Unlock()

	return SystemMetrics{
		WorkersActive: active,
		WorkersTotal:  d.cfg.Workers,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		Jobs:          jobs,
	}
}

// checkMemoryPressure returns a warning if the worker count looks too high
// for available memory, or "" if it is fine or cannot be determined
func (d *Dispatcher) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}
	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if d.cfg.Workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB).",
			d.cfg.Workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
