package scheduler

import (
	"fmt"
)

// SystemMetrics tracks resource usage of the execution pool
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Configured workers
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
}

// getMemoryStats is implemented in platform-specific files:
// - system_metrics_linux.go for Linux
// - system_metrics_windows.go for Windows
// - system_metrics_other.go for everything else

// calculateSafeWorkerCount recommends a worker count for the available memory,
// assuming a budget per concurrently executing job
func calculateSafeWorkerCount(availableGB, perWorkerGB float64) int {
	const memoryBuffer = 1.0 // GB reserved for the rest of the host

	if perWorkerGB <= 0 {
		return 0 // no budget configured, no recommendation
	}
	if availableGB < memoryBuffer {
		return 1 // Always allow at least 1 worker
	}

	recommended := int((availableGB - memoryBuffer) / perWorkerGB)
	if recommended < 1 {
		return 1
	}
	return recommended
}

// SystemMetrics returns current pool and host memory usage
func (p *WorkerPool) SystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	return SystemMetrics{
		WorkersActive: p.Active(),
		WorkersTotal:  p.workers,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
	}
}

// checkMemoryPressure validates the worker count against available memory.
// Returns a warning if the count may be too high, empty string if OK.
func (p *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return "" // Can't check, assume OK
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB, p.cfg.MemoryPerWorkerGB)

	if recommended > 0 && p.workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			p.workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
