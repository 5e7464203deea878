package gpu

import (
	"gpumemd/pkg/types"
)

// Source provides per-device memory snapshots. Implementations must be safe
// for use from the monitor goroutine plus any caller probing DeviceCount.
// A Poll error means "the read failed", never "the device has zero memory";
// callers distinguish the two by the returned error.
type Source interface {
	// DeviceCount reports how many devices this source exposes.
	DeviceCount() int
	// Poll returns a fresh snapshot for the given device index.
	Poll(deviceID int) (types.DeviceMemoryStats, error)
}

// Reinitializer is implemented by sources that can recover from a failed
// backend (e.g. re-opening a telemetry handle after a driver hiccup).
type Reinitializer interface {
	Reinit() error
}
