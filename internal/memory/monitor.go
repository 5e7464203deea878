package memory

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpumemd/internal/gpu"
	"gpumemd/internal/recovery"
	"gpumemd/pkg/types"
)

// Defaults applied when corresponding MonitorConfig fields are unset.
const (
	defaultInterval          = time.Second
	defaultWarningPct        = 80.0
	defaultCriticalPct       = 90.0
	defaultEmergencyPct      = 95.0
	defaultMaxReinitAttempts = 3

	// batchSafetyFactor caps batch estimation at 90% of free memory.
	batchSafetyFactor = 0.9

	// failuresBeforeReinit is how many consecutive source read failures are
	// tolerated before the monitor tries to reinitialize the source.
	failuresBeforeReinit = 3
)

// Recoverer is the slice of the recovery manager the monitor needs.
type Recoverer interface {
	AttemptRecovery(errorID, category, component, errorType string, ctx map[string]any) (bool, recovery.Action)
}

// MonitorConfig carries all monitor tunables. Zero values select defaults.
type MonitorConfig struct {
	Source   gpu.Source
	Recovery Recoverer
	Logger   zerolog.Logger

	Interval     time.Duration
	WarningPct   float64
	CriticalPct  float64
	EmergencyPct float64
	// MaxReinitAttempts caps source reinitialization tries before the monitor
	// permanently falls back to synthetic data.
	MaxReinitAttempts int
}

// Monitor polls a device stats source on an interval, classifies per-device
// memory pressure against ordered thresholds, feeds the active profile's
// usage history, and dispatches alerts. One background goroutine owns all
// mutation of the stats table; readers get copies of the latest complete
// snapshot.
//
// Classification is purely a function of the current usage percentage: there
// is no hysteresis band, so a device oscillating around a threshold re-fires
// callbacks every tick.
type Monitor struct {
	source     gpu.Source
	fallback   *gpu.Synthetic
	rec        Recoverer
	log        zerolog.Logger

	interval   time.Duration
	thresholds map[AlertLevel]float64
	maxReinit  int

	mu            sync.RWMutex
	stats         map[int]types.DeviceMemoryStats
	profiles      map[string]*Profile
	active        *Profile
	callbacks     map[AlertLevel][]callbackEntry
	nextCBID      int64
	running       bool
	usingFallback bool

	consecFailures int
	reinitAttempts int
	lastReinit     time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

type callbackEntry struct {
	id int64
	fn AlertCallback
}

// CallbackID identifies a registered alert callback for unregistration.
type CallbackID int64

// NewMonitor constructs a monitor from config, applying defaults for unset
// fields. A nil Source falls back to a two-device synthetic source.
func NewMonitor(cfg MonitorConfig) *Monitor {
	m := &Monitor{
		source:     cfg.Source,
		rec:        cfg.Recovery,
		log:        cfg.Logger.With().Str("component", "memory_monitor").Logger(),
		interval:   cfg.Interval,
		maxReinit:  cfg.MaxReinitAttempts,
		stats:      make(map[int]types.DeviceMemoryStats),
		profiles:   make(map[string]*Profile),
		callbacks:  make(map[AlertLevel][]callbackEntry),
		now:        time.Now,
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.maxReinit <= 0 {
		m.maxReinit = defaultMaxReinitAttempts
	}
	warn, crit, emerg := cfg.WarningPct, cfg.CriticalPct, cfg.EmergencyPct
	if warn <= 0 {
		warn = defaultWarningPct
	}
	if crit <= 0 {
		crit = defaultCriticalPct
	}
	if emerg <= 0 {
		emerg = defaultEmergencyPct
	}
	m.thresholds = map[AlertLevel]float64{
		LevelWarning:   warn,
		LevelCritical:  crit,
		LevelEmergency: emerg,
	}
	if m.source == nil {
		m.source = gpu.NewSynthetic(2)
		m.usingFallback = true
	}
	m.fallback = gpu.NewSynthetic(m.source.DeviceCount())
	return m
}

// Start launches the poll loop. Idempotent: calling Start on a running
// monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.loop(stop, done)
	m.log.Info().Dur("interval", m.interval).Msg("memory monitoring started")
}

// Stop signals the poll loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stop)
	<-done
	m.log.Info().Msg("memory monitoring stopped")
}

// Running reports whether the poll loop is active.
func (m *Monitor) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// SyntheticFallback reports whether the monitor has permanently switched to
// synthetic stats after exhausting source reinitialization attempts.
func (m *Monitor) SyntheticFallback() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usingFallback
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.tick()
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// tick performs one poll cycle: refresh all device stats, feed the active
// profile, then classify and dispatch alerts. All monitor-thread failures are
// non-fatal; the loop always re-arms.
func (m *Monitor) tick() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Any("panic", r).Msg("memory monitoring tick panicked")
		}
	}()

	fresh := make(map[int]types.DeviceMemoryStats, m.source.DeviceCount())
	failed := 0
	for id := 0; id < m.source.DeviceCount(); id++ {
		st, err := m.pollDevice(id)
		if err != nil {
			failed++
			// Per-tick fallback: synthesize this device so downstream logic
			// keeps running; the real source is retried next tick.
			st, _ = m.fallback.Poll(id)
			m.log.Warn().Err(err).Int("device", id).Msg("stats source read failed, using synthetic sample")
		}
		fresh[id] = st
	}
	m.trackSourceHealth(failed)

	m.mu.Lock()
	m.stats = fresh
	active := m.active
	m.mu.Unlock()

	if active != nil {
		for _, st := range fresh {
			active.UpdateHistory(st.UsedBytes)
		}
	}

	for id := 0; id < m.source.DeviceCount(); id++ {
		st := fresh[id]
		usagePercent.WithLabelValues(deviceLabel(id)).Set(st.UsagePercent())
		if level := m.Classify(st.UsagePercent()); level >= LevelWarning {
			m.fireAlert(level, st)
		}
	}
}

func (m *Monitor) pollDevice(id int) (types.DeviceMemoryStats, error) {
	m.mu.RLock()
	useFallback := m.usingFallback
	m.mu.RUnlock()
	if useFallback {
		return m.fallback.Poll(id)
	}
	return m.source.Poll(id)
}

// trackSourceHealth escalates repeated read failures: after 3 consecutive
// failed polls the monitor tries to reinitialize the source with 2^attempts
// seconds between tries; past the attempt cap it permanently falls back to
// synthetic data.
func (m *Monitor) trackSourceHealth(failedThisTick int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usingFallback {
		return
	}
	if failedThisTick == 0 {
		m.consecFailures = 0
		return
	}
	m.consecFailures += failedThisTick
	if m.consecFailures < failuresBeforeReinit {
		return
	}

	if m.reinitAttempts >= m.maxReinit {
		m.usingFallback = true
		m.log.Warn().Int("attempts", m.reinitAttempts).
			Msg("stats source unrecoverable, permanently falling back to synthetic data")
		return
	}
	backoff := time.Duration(math.Pow(2, float64(m.reinitAttempts)) * float64(time.Second))
	if m.now().Sub(m.lastReinit) < backoff {
		return
	}
	m.reinitAttempts++
	m.lastReinit = m.now()

	ri, ok := m.source.(gpu.Reinitializer)
	if !ok {
		// Nothing to reinitialize; treat as a failed attempt so the cap
		// eventually forces the fallback.
		m.log.Warn().Msg("stats source does not support reinitialization")
		return
	}
	m.log.Info().Int("attempt", m.reinitAttempts).Msg("attempting stats source reinitialization")
	if err := ri.Reinit(); err != nil {
		m.log.Error().Err(err).Msg("stats source reinitialization failed")
		return
	}
	m.consecFailures = 0
	m.reinitAttempts = 0
	m.log.Info().Msg("stats source reinitialized")
}

// Classify maps a usage percentage to an alert level, evaluating the highest
// threshold first. No previous state is consulted.
func (m *Monitor) Classify(usagePct float64) AlertLevel {
	switch {
	case usagePct >= m.thresholds[LevelEmergency]:
		return LevelEmergency
	case usagePct >= m.thresholds[LevelCritical]:
		return LevelCritical
	case usagePct >= m.thresholds[LevelWarning]:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// fireAlert builds the alert, logs it at a severity matching the level,
// invokes the callbacks registered for that exact level (not cumulative),
// and on emergency synchronously drives the recovery manager.
func (m *Monitor) fireAlert(level AlertLevel, st types.DeviceMemoryStats) {
	var message string
	var recommendations []string
	switch level {
	case LevelWarning:
		message = fmt.Sprintf("Memory usage on GPU %d is high", st.DeviceID)
		recommendations = []string{
			"Consider reducing batch size",
			"Monitor for further increases",
		}
	case LevelCritical:
		message = fmt.Sprintf("Memory usage on GPU %d is approaching critical level", st.DeviceID)
		recommendations = []string{
			"Reduce batch size",
			"Clear caches if possible",
			"Consider terminating non-essential processes",
		}
	default:
		message = fmt.Sprintf("Memory usage on GPU %d is at emergency level, OOM risk", st.DeviceID)
		recommendations = []string{
			"Immediately reduce workload",
			"Terminate non-essential processes",
			"Clear all caches",
		}
	}

	alert := Alert{
		Level:           level,
		DeviceID:        st.DeviceID,
		Message:         message,
		CurrentUsagePct: st.UsagePercent(),
		ThresholdPct:    m.thresholds[level],
		Timestamp:       m.now(),
		Recommendations: recommendations,
		Context: map[string]any{
			"total_bytes": st.TotalBytes,
			"used_bytes":  st.UsedBytes,
			"free_bytes":  st.FreeBytes,
		},
	}

	alertsTotal.WithLabelValues(level.String()).Inc()
	switch level {
	case LevelWarning:
		m.log.Warn().Msg(alert.String())
	case LevelCritical:
		m.log.Error().Msg(alert.String())
	default:
		m.log.Error().Bool("emergency", true).Msg(alert.String())
	}

	if level == LevelEmergency && m.rec != nil {
		m.attemptRecovery(st)
	}

	m.mu.RLock()
	entries := append([]callbackEntry(nil), m.callbacks[level]...)
	m.mu.RUnlock()
	for _, e := range entries {
		m.invokeCallback(e.fn, alert)
	}
}

// invokeCallback isolates callback panics so one misbehaving subscriber can
// neither kill the loop nor starve its peers.
func (m *Monitor) invokeCallback(fn AlertCallback, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Any("panic", r).Msg("memory alert callback panicked")
		}
	}()
	fn(a)
}

func (m *Monitor) attemptRecovery(st types.DeviceMemoryStats) {
	ctx := map[string]any{
		"device_id":   st.DeviceID,
		"total_bytes": st.TotalBytes,
		"used_bytes":  st.UsedBytes,
		"free_bytes":  st.FreeBytes,
	}
	m.mu.RLock()
	if m.active != nil {
		ctx["recovery_buffer"] = m.active.RecoveryBuffer
	}
	m.mu.RUnlock()
	errorID := fmt.Sprintf("memory-emergency-gpu%d", st.DeviceID)
	ok, action := m.rec.AttemptRecovery(errorID, recovery.CategoryGPU, "memory_monitor", recovery.ErrTypeOOM, ctx)
	m.log.Info().Bool("success", ok).Str("action", string(action)).
		Int("device", st.DeviceID).Msg("emergency recovery attempted")
}

// RegisterProfile adds or replaces a profile by name (last write wins).
func (m *Monitor) RegisterProfile(p *Profile) {
	m.mu.Lock()
	m.profiles[p.Name] = p
	m.mu.Unlock()
	m.log.Debug().Str("profile", p.Name).Msg("registered memory profile")
}

// SetActiveProfile selects the profile whose history the poll loop feeds.
// Returns false when no profile with that name is registered.
func (m *Monitor) SetActiveProfile(name string) bool {
	m.mu.Lock()
	p, ok := m.profiles[name]
	if ok {
		m.active = p
	}
	m.mu.Unlock()
	if !ok {
		m.log.Warn().Str("profile", name).Msg("memory profile not found")
		return false
	}
	m.log.Info().Str("profile", name).Msg("active memory profile set")
	return true
}

// ActiveProfile returns the currently selected profile, or nil.
func (m *Monitor) ActiveProfile() *Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// RegisterAlertCallback subscribes fn to alerts of exactly the given level.
// The returned id unregisters it.
func (m *Monitor) RegisterAlertCallback(level AlertLevel, fn AlertCallback) CallbackID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCBID++
	id := m.nextCBID
	m.callbacks[level] = append(m.callbacks[level], callbackEntry{id: id, fn: fn})
	return CallbackID(id)
}

// UnregisterAlertCallback removes a callback previously registered at level.
// Returns false when the id is unknown.
func (m *Monitor) UnregisterAlertCallback(level AlertLevel, id CallbackID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.callbacks[level]
	for i, e := range entries {
		if e.id == int64(id) {
			m.callbacks[level] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// Stats returns the latest snapshot for one device.
func (m *Monitor) Stats(deviceID int) (types.DeviceMemoryStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stats[deviceID]
	return st, ok
}

// AllStats returns a copy of the latest complete snapshot table.
func (m *Monitor) AllStats() map[int]types.DeviceMemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]types.DeviceMemoryStats, len(m.stats))
	for id, st := range m.stats {
		out[id] = st
	}
	return out
}

// EstimateMaxBatch estimates the largest safe batch for a device at the given
// per-sequence token count, using 90% of free memory and the active profile.
// Returns 1 when no profile or stats are available.
func (m *Monitor) EstimateMaxBatch(deviceID, tokenCount int) int {
	m.mu.RLock()
	active := m.active
	st, ok := m.stats[deviceID]
	m.mu.RUnlock()
	if active == nil {
		m.log.Warn().Msg("no memory profile available for batch size estimation")
		return 1
	}
	if !ok {
		m.log.Warn().Int("device", deviceID).Msg("no memory stats available for device")
		return 1
	}
	available := int64(float64(st.FreeBytes) * batchSafetyFactor)
	return active.MaxBatchSize(available, tokenCount)
}

// EstimateSafeContextSize estimates the longest safe sequence for a device at
// the given batch size, keeping bufferPercent of free memory in reserve.
// Returns 2048 when no profile or stats are available.
func (m *Monitor) EstimateSafeContextSize(deviceID, batchSize int, bufferPercent float64) int {
	m.mu.RLock()
	active := m.active
	st, ok := m.stats[deviceID]
	m.mu.RUnlock()
	if active == nil || !ok {
		return defaultSequenceSize
	}
	available := int64(float64(st.FreeBytes) * (1 - bufferPercent/100))
	return active.MaxSequenceLength(available, batchSize)
}

// ProjectUsage projects the device's memory usage horizon into the future and
// converts it to a percentage of total memory. The second return is false
// when no projection is available.
func (m *Monitor) ProjectUsage(deviceID int, horizon time.Duration) (float64, bool) {
	m.mu.RLock()
	active := m.active
	st, ok := m.stats[deviceID]
	m.mu.RUnlock()
	if active == nil || !ok || st.TotalBytes == 0 {
		return 0, false
	}
	projected, ok := active.ProjectGrowth(horizon)
	if !ok {
		return 0, false
	}
	return float64(projected) / float64(st.TotalBytes) * 100, true
}

// Thresholds returns the configured alert thresholds keyed by level name.
func (m *Monitor) Thresholds() map[string]float64 {
	return map[string]float64{
		LevelWarning.String():   m.thresholds[LevelWarning],
		LevelCritical.String():  m.thresholds[LevelCritical],
		LevelEmergency.String(): m.thresholds[LevelEmergency],
	}
}

// DeviceCount reports the number of monitored devices.
func (m *Monitor) DeviceCount() int { return m.source.DeviceCount() }
