//go:build !linux && !windows

package scheduler

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/tempo/errors"
)

// getMemoryStats returns current memory usage in bytes.
// Falls back to free memory where the platform reports no available figure.
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}

	avail := v.Available
	if avail == 0 {
		avail = v.Free
	}
	return v.Total, avail, nil
}
