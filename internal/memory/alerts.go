package memory

import (
	"fmt"
	"time"
)

// AlertLevel classifies device memory pressure. Levels are ordered so that
// escalation logic can compare them directly (LevelNormal < LevelWarning < ...).
type AlertLevel int

const (
	LevelNormal AlertLevel = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l AlertLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Alert is the payload delivered to alert callbacks. It is constructed,
// dispatched and discarded; nothing persists it.
type Alert struct {
	Level           AlertLevel
	DeviceID        int
	Message         string
	CurrentUsagePct float64
	ThresholdPct    float64
	Timestamp       time.Time
	Recommendations []string
	Context         map[string]any
}

func (a Alert) String() string {
	return fmt.Sprintf("[GPU %d] %s: %s (%.1f%% > %.1f%%)",
		a.DeviceID, a.Level, a.Message, a.CurrentUsagePct, a.ThresholdPct)
}

// AlertCallback receives alerts from the monitor. Callbacks run synchronously
// on the poll goroutine; panics are caught and logged, never propagated.
type AlertCallback func(Alert)
