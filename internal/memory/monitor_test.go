package memory

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gpumemd/internal/recovery"
	"gpumemd/pkg/types"
)

// fixedSource reports a constant usage percentage on every device.
type fixedSource struct {
	devices int
	usedPct float64
}

func (f *fixedSource) DeviceCount() int { return f.devices }

func (f *fixedSource) Poll(id int) (types.DeviceMemoryStats, error) {
	if id < 0 || id >= f.devices {
		return types.DeviceMemoryStats{}, fmt.Errorf("no such device %d", id)
	}
	total := uint64(1000)
	used := uint64(f.usedPct * 10)
	return types.DeviceMemoryStats{
		DeviceID:   id,
		TotalBytes: total,
		UsedBytes:  used,
		FreeBytes:  total - used,
		Timestamp:  time.Now(),
	}, nil
}

// brokenSource always fails; Reinit fails too.
type brokenSource struct {
	devices   int
	reinits   int
	reinitErr error
}

func (b *brokenSource) DeviceCount() int { return b.devices }

func (b *brokenSource) Poll(id int) (types.DeviceMemoryStats, error) {
	return types.DeviceMemoryStats{}, errors.New("device lost")
}

func (b *brokenSource) Reinit() error {
	b.reinits++
	return b.reinitErr
}

// recordingRecoverer captures recovery attempts from the monitor.
type recordingRecoverer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRecoverer) AttemptRecovery(errorID, category, component, errorType string, ctx map[string]any) (bool, recovery.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, errorID+"|"+category+"|"+component+"|"+errorType)
	return true, recovery.ActionClearCache
}

func newTestMonitor(src *fixedSource, rec Recoverer) *Monitor {
	return NewMonitor(MonitorConfig{
		Source:   src,
		Recovery: rec,
		Logger:   zerolog.Nop(),
	})
}

func TestClassifyBoundaries(t *testing.T) {
	m := newTestMonitor(&fixedSource{devices: 1}, nil)
	cases := []struct {
		pct  float64
		want AlertLevel
	}{
		{0, LevelNormal},
		{79.9, LevelNormal},
		{80, LevelWarning},
		{89.99, LevelWarning},
		{90, LevelCritical},
		{94.99, LevelCritical},
		{95, LevelEmergency},
		{100, LevelEmergency},
	}
	for _, c := range cases {
		if got := m.Classify(c.pct); got != c.want {
			t.Fatalf("Classify(%v) = %v, want %v", c.pct, got, c.want)
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	m := NewMonitor(MonitorConfig{
		Source:   &fixedSource{devices: 1, usedPct: 50},
		Logger:   zerolog.Nop(),
		Interval: time.Millisecond,
	})
	m.Start()
	m.Start()
	if !m.Running() {
		t.Fatal("monitor should be running")
	}
	m.Stop()
	m.Stop()
	if m.Running() {
		t.Fatal("monitor should be stopped")
	}
}

func TestTickFiresExactLevelCallbacks(t *testing.T) {
	src := &fixedSource{devices: 1, usedPct: 85}
	m := newTestMonitor(src, nil)

	var warnings, criticals []Alert
	m.RegisterAlertCallback(LevelWarning, func(a Alert) { warnings = append(warnings, a) })
	m.RegisterAlertCallback(LevelCritical, func(a Alert) { criticals = append(criticals, a) })

	m.tick()
	if len(warnings) != 1 || len(criticals) != 0 {
		t.Fatalf("85%% tick: warnings=%d criticals=%d, want 1/0", len(warnings), len(criticals))
	}
	a := warnings[0]
	if a.Level != LevelWarning || a.DeviceID != 0 || a.CurrentUsagePct != 85 || a.ThresholdPct != 80 {
		t.Fatalf("unexpected alert payload: %+v", a)
	}
	if len(a.Recommendations) == 0 {
		t.Fatal("warning alert must carry recommendations")
	}

	// dispatch is exact-level: critical usage must not re-fire warning callbacks
	src.usedPct = 92
	m.tick()
	if len(warnings) != 1 || len(criticals) != 1 {
		t.Fatalf("92%% tick: warnings=%d criticals=%d, want 1/1", len(warnings), len(criticals))
	}
}

func TestUnregisterAlertCallback(t *testing.T) {
	src := &fixedSource{devices: 1, usedPct: 85}
	m := newTestMonitor(src, nil)

	fired := 0
	id := m.RegisterAlertCallback(LevelWarning, func(Alert) { fired++ })
	m.tick()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if !m.UnregisterAlertCallback(LevelWarning, id) {
		t.Fatal("unregister should succeed for a known id")
	}
	if m.UnregisterAlertCallback(LevelWarning, id) {
		t.Fatal("second unregister should report false")
	}
	m.tick()
	if fired != 1 {
		t.Fatalf("fired = %d after unregister, want 1", fired)
	}
}

func TestCallbackPanicIsContained(t *testing.T) {
	src := &fixedSource{devices: 1, usedPct: 85}
	m := newTestMonitor(src, nil)
	m.RegisterAlertCallback(LevelWarning, func(Alert) { panic("boom") })
	peerFired := false
	m.RegisterAlertCallback(LevelWarning, func(Alert) { peerFired = true })

	m.tick() // must not panic
	if !peerFired {
		t.Fatal("peer callback must still run after another panics")
	}
}

func TestEmergencyDrivesRecovery(t *testing.T) {
	src := &fixedSource{devices: 1, usedPct: 97}
	rec := &recordingRecoverer{}
	m := newTestMonitor(src, rec)

	m.tick()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 1 {
		t.Fatalf("recovery calls = %d, want 1", len(rec.calls))
	}
	want := "memory-emergency-gpu0|" + recovery.CategoryGPU + "|memory_monitor|" + recovery.ErrTypeOOM
	if rec.calls[0] != want {
		t.Fatalf("recovery call = %q, want %q", rec.calls[0], want)
	}
}

func TestActiveProfileHistoryFed(t *testing.T) {
	src := &fixedSource{devices: 2, usedPct: 50}
	m := newTestMonitor(src, nil)
	p := NewProfile("feed", 1000, 100, 1)
	m.RegisterProfile(p)
	if !m.SetActiveProfile("feed") {
		t.Fatal("SetActiveProfile failed")
	}
	if m.SetActiveProfile("missing") {
		t.Fatal("unknown profile must not activate")
	}
	if m.ActiveProfile() != p {
		t.Fatal("active profile should still be the registered one")
	}
	m.tick()
	if got := p.HistoryLen(); got != 2 {
		t.Fatalf("history len = %d, want one sample per device", got)
	}
}

func TestSourceFailureFallsBackToSynthetic(t *testing.T) {
	src := &brokenSource{devices: 1, reinitErr: errors.New("still dead")}
	m := NewMonitor(MonitorConfig{
		Source:            src,
		Logger:            zerolog.Nop(),
		MaxReinitAttempts: 1,
	})
	cur := time.Now()
	m.now = func() time.Time { cur = cur.Add(5 * time.Second); return cur }

	// three consecutive failures trigger a reinit attempt, which fails
	m.tick()
	m.tick()
	m.tick()
	if src.reinits != 1 {
		t.Fatalf("reinits = %d, want 1", src.reinits)
	}
	if m.SyntheticFallback() {
		t.Fatal("fallback must not engage before the attempt cap")
	}
	// the cap is reached; the monitor goes synthetic for good
	m.tick()
	if !m.SyntheticFallback() {
		t.Fatal("expected permanent synthetic fallback")
	}
	// stats keep flowing from the synthetic source
	st, ok := m.Stats(0)
	if !ok || st.TotalBytes == 0 {
		t.Fatalf("expected synthetic stats, got %+v ok=%v", st, ok)
	}
	after := src.reinits
	m.tick()
	if src.reinits != after {
		t.Fatal("no further reinit attempts once fallback is permanent")
	}
}

func TestEstimateMaxBatch(t *testing.T) {
	src := &fixedSource{devices: 1, usedPct: 50}
	m := newTestMonitor(src, nil)

	if got := m.EstimateMaxBatch(0, 100); got != 1 {
		t.Fatalf("no profile: EstimateMaxBatch = %d, want 1", got)
	}
	p := NewProfile("est", 0, 10, 0)
	m.RegisterProfile(p)
	m.SetActiveProfile("est")
	if got := m.EstimateMaxBatch(0, 100); got != 1 {
		t.Fatalf("no stats yet: EstimateMaxBatch = %d, want 1", got)
	}
	m.tick()
	// free = 500 bytes, safety factor 0.9 -> 450 / 10 per batch item
	if got := m.EstimateMaxBatch(0, 100); got != 45 {
		t.Fatalf("EstimateMaxBatch = %d, want 45", got)
	}
}

func TestEstimateSafeContextSize(t *testing.T) {
	src := &fixedSource{devices: 1, usedPct: 50}
	m := newTestMonitor(src, nil)
	if got := m.EstimateSafeContextSize(0, 1, 10); got != defaultSequenceSize {
		t.Fatalf("no profile: EstimateSafeContextSize = %d, want %d", got, defaultSequenceSize)
	}
	p := NewProfile("ctx", 0, 0, 1)
	m.RegisterProfile(p)
	m.SetActiveProfile("ctx")
	m.tick()
	// free = 500, 10%% reserve -> 450 tokens, above the 128 floor
	if got := m.EstimateSafeContextSize(0, 1, 10); got != 450 {
		t.Fatalf("EstimateSafeContextSize = %d, want 450", got)
	}
}

func TestProjectUsageNoSignal(t *testing.T) {
	src := &fixedSource{devices: 1, usedPct: 50}
	m := newTestMonitor(src, nil)
	p := NewProfile("proj", 1000, 100, 1)
	m.RegisterProfile(p)
	m.SetActiveProfile("proj")
	m.tick()
	if _, ok := m.ProjectUsage(0, time.Minute); ok {
		t.Fatal("one sample cannot yield a projection")
	}
}

func TestThresholds(t *testing.T) {
	m := newTestMonitor(&fixedSource{devices: 1}, nil)
	th := m.Thresholds()
	if th["warning"] != 80 || th["critical"] != 90 || th["emergency"] != 95 {
		t.Fatalf("unexpected thresholds: %v", th)
	}
}

func TestAlertString(t *testing.T) {
	a := Alert{
		Level:           LevelCritical,
		DeviceID:        1,
		Message:         "Memory usage on GPU 1 is approaching critical level",
		CurrentUsagePct: 92.5,
		ThresholdPct:    90,
	}
	want := "[GPU 1] critical: Memory usage on GPU 1 is approaching critical level (92.5% > 90.0%)"
	if got := a.String(); got != want {
		t.Fatalf("Alert.String() = %q, want %q", got, want)
	}
}
