package types

import "time"

// DeviceMemoryStats is an immutable snapshot of one GPU's memory state.
// A fresh value is produced on every monitor tick; the monitor replaces its
// whole stats table at once so readers never observe a torn update.
// Invariants: UsedBytes <= TotalBytes and FreeBytes = TotalBytes - UsedBytes.
// Reserved and cached memory are tracked separately, not subtracted from free.
type DeviceMemoryStats struct {
	// Device index as reported by the stats source.
	// example: 0
	DeviceID int `json:"device_id" example:"0"`
	// Total device memory in bytes.
	// example: 8589934592
	TotalBytes uint64 `json:"total_bytes" example:"8589934592"`
	// Used device memory in bytes.
	// example: 3221225472
	UsedBytes uint64 `json:"used_bytes" example:"3221225472"`
	// Free device memory in bytes (total - used).
	// example: 5368709120
	FreeBytes uint64 `json:"free_bytes" example:"5368709120"`
	// Memory reserved by the driver/runtime but not in use.
	ReservedBytes uint64 `json:"reserved_bytes,omitempty"`
	// Memory held by allocator caches.
	CachedBytes uint64 `json:"cached_bytes,omitempty"`
	// Per-process memory usage in bytes, keyed by PID. May be empty when the
	// source cannot enumerate processes.
	ProcessMemory map[int]uint64 `json:"process_memory,omitempty"`
	// When the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`
}

// UsagePercent returns used memory as a percentage of total, or 0 when the
// total is unknown.
func (s DeviceMemoryStats) UsagePercent() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.TotalBytes) * 100
}
