package gpu

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"gpumemd/pkg/types"
)

const syntheticTotalBytes = 8 << 30 // 8 GiB per simulated device

// Synthetic generates plausible memory stats without touching hardware.
// First poll of a device lands at 30-40% usage; subsequent polls random-walk
// by at most 1% of total per tick. It never fails, which makes it the
// permanent fallback when a real source cannot be revived.
type Synthetic struct {
	mu      sync.Mutex
	devices int
	used    map[int]uint64
	rng     *rand.Rand
	now     func() time.Time
}

// NewSynthetic builds a synthetic source for the given device count
// (minimum 1).
func NewSynthetic(devices int) *Synthetic {
	if devices < 1 {
		devices = 1
	}
	return &Synthetic{
		devices: devices,
		used:    make(map[int]uint64),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

func (s *Synthetic) DeviceCount() int { return s.devices }

func (s *Synthetic) Poll(deviceID int) (types.DeviceMemoryStats, error) {
	if deviceID < 0 || deviceID >= s.devices {
		return types.DeviceMemoryStats{}, fmt.Errorf("synthetic: no such device %d", deviceID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := uint64(syntheticTotalBytes)
	used, ok := s.used[deviceID]
	if !ok {
		// 30-40% initial usage, nudged up slightly per device index.
		frac := 0.3 + 0.1*float64(deviceID+1)/10
		used = uint64(float64(total) * frac)
	} else {
		// Random walk within +/-1% of total, clamped to [0, total].
		step := int64(float64(total) * 0.01 * (s.rng.Float64()*2 - 1))
		next := int64(used) + step
		if next < 0 {
			next = 0
		}
		if next > int64(total) {
			next = int64(total)
		}
		used = uint64(next)
	}
	s.used[deviceID] = used

	return types.DeviceMemoryStats{
		DeviceID:   deviceID,
		TotalBytes: total,
		UsedBytes:  used,
		FreeBytes:  total - used,
		Timestamp:  s.now(),
	}, nil
}
