// Package recovery implements bounded, escalating remediation for runtime
// failures: a strategy table matched by error taxonomy, per-error attempt
// counters with exponential backoff, and side-effecting best-effort handlers.
package recovery

import (
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Action identifies one remediation step within a strategy.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionReinitGPU      Action = "reinit_gpu"
	ActionClearCache     Action = "clear_cache"
	ActionReduceBatch    Action = "reduce_batch"
	ActionOffload        Action = "offload"
	ActionTerminate      Action = "terminate"
	ActionUseFallback    Action = "use_fallback"
	ActionRestartService Action = "restart"
	ActionShowError      Action = "show_error"
	ActionAbort          Action = "abort"
)

// Error taxonomy values used by the default strategy table.
const (
	CategoryGPU    = "gpu_error"
	CategoryFile   = "file_error"
	CategoryConfig = "config_error"

	ErrTypeOOM         = "out_of_memory"
	ErrTypeDeviceError = "device_error"
)

// Strategy defines remediation for a class of errors. Empty filter fields
// act as wildcards; the first registered strategy whose filters all match
// wins.
type Strategy struct {
	Category  string
	Component string
	ErrorType string
	// MaxAttempts bounds recovery tries per error id (default 3).
	MaxAttempts int
	// BackoffFactor f yields a wait of f^attempts seconds between tries
	// (default 2.0).
	BackoffFactor float64
	// Actions are tried in order; attempts beyond the list repeat the last.
	Actions []Action
}

// Matches reports whether this strategy applies to the given error taxonomy.
func (s Strategy) Matches(category, component, errorType string) bool {
	if s.Category != "" && s.Category != category {
		return false
	}
	if s.Component != "" && s.Component != component {
		return false
	}
	if s.ErrorType != "" && s.ErrorType != errorType {
		return false
	}
	return true
}

// Handler executes one action. The context map is mutable: handlers may write
// back values (e.g. a reduced batch size) for the caller to pick up.
type Handler func(ctx map[string]any) bool

// CacheClearer frees the process-wide inference cache. The zero dependency is
// allowed; ClearCache is then skipped.
type CacheClearer interface {
	ClearCache()
}

// Manager holds the strategy table and per-error-id attempt bookkeeping.
// The counter maps are shared mutable state; all access goes through one lock
// so the monitor goroutine and batcher run goroutines serialize per error id.
type Manager struct {
	mu          sync.Mutex
	strategies  []Strategy
	attempts    map[string]int
	lastAttempt map[string]time.Time
	handlers    map[Action]Handler
	log         zerolog.Logger
	now         func() time.Time
}

// NewManager builds a manager preloaded with the default strategy table and
// handlers. cache may be nil.
func NewManager(log zerolog.Logger, cache CacheClearer) *Manager {
	m := &Manager{
		attempts:    make(map[string]int),
		lastAttempt: make(map[string]time.Time),
		handlers:    make(map[Action]Handler),
		log:         log.With().Str("component", "recovery").Logger(),
		now:         time.Now,
	}
	m.handlers[ActionClearCache] = func(ctx map[string]any) bool {
		if cache != nil {
			cache.ClearCache()
		}
		runtime.GC()
		return true
	}
	m.handlers[ActionReduceBatch] = handleReduceBatch
	m.handlers[ActionUseFallback] = func(ctx map[string]any) bool {
		ctx["use_fallback"] = true
		return true
	}
	m.handlers[ActionRestartService] = handleRestartService
	for _, s := range defaultStrategies() {
		m.strategies = append(m.strategies, s)
	}
	return m
}

// defaultStrategies is the escalation table: least to most disruptive.
func defaultStrategies() []Strategy {
	return []Strategy{
		{
			Category:  CategoryGPU,
			ErrorType: ErrTypeOOM,
			Actions:   []Action{ActionClearCache, ActionReduceBatch, ActionOffload, ActionTerminate},
		},
		{
			Category:  CategoryGPU,
			ErrorType: ErrTypeDeviceError,
			Actions:   []Action{ActionClearCache, ActionUseFallback},
		},
		{
			Category: CategoryFile,
			Actions:  []Action{ActionRetry, ActionUseFallback, ActionShowError},
		},
		{
			Category: CategoryConfig,
			Actions:  []Action{ActionUseFallback, ActionShowError},
		},
	}
}

// RegisterStrategy appends a strategy. Registration order is match order, so
// more specific strategies should be registered before broad ones.
func (m *Manager) RegisterStrategy(s Strategy) {
	m.mu.Lock()
	m.strategies = append(m.strategies, s)
	m.mu.Unlock()
}

// RegisterHandler installs or replaces the handler for an action.
func (m *Manager) RegisterHandler(a Action, h Handler) {
	m.mu.Lock()
	m.handlers[a] = h
	m.mu.Unlock()
}

// AttemptRecovery tries the next remediation action for errorID.
// Returns (false, ActionAbort) when no strategy matches, attempts are
// exhausted, or the backoff window has not elapsed; the backoff case does not
// advance any state, so the caller should simply retry later.
func (m *Manager) AttemptRecovery(errorID, category, component, errorType string, ctx map[string]any) (bool, Action) {
	if ctx == nil {
		ctx = make(map[string]any)
	}

	m.mu.Lock()
	strategy, found := m.findStrategyLocked(category, component, errorType)
	if !found {
		m.mu.Unlock()
		m.log.Debug().Str("error_id", errorID).
			Str("category", category).Str("component", component).Str("error_type", errorType).
			Msg("no recovery strategy found")
		return false, ActionAbort
	}
	action, due := m.nextActionLocked(errorID, strategy)
	handler := m.handlers[action]
	m.mu.Unlock()

	if !due {
		return false, ActionAbort
	}

	m.log.Info().Str("error_id", errorID).Str("action", string(action)).Msg("attempting recovery")

	success := true
	if handler != nil {
		success = handler(ctx)
	} else {
		// Actions without handlers (retry, offload, terminate, show_error)
		// succeed by reporting; the caller owns the actual side effect.
		success = action != ActionAbort
	}
	if success {
		m.log.Info().Str("error_id", errorID).Str("action", string(action)).Msg("recovery action succeeded")
	} else {
		m.log.Warn().Str("error_id", errorID).Str("action", string(action)).Msg("recovery action failed")
	}
	return success, action
}

// ResetAttempts clears counters for errorID. Callers should invoke this after
// a confirmed healthy period following recovery.
func (m *Manager) ResetAttempts(errorID string) {
	m.mu.Lock()
	delete(m.attempts, errorID)
	delete(m.lastAttempt, errorID)
	m.mu.Unlock()
}

func (m *Manager) findStrategyLocked(category, component, errorType string) (Strategy, bool) {
	for _, s := range m.strategies {
		if s.Matches(category, component, errorType) {
			return s, true
		}
	}
	return Strategy{}, false
}

// nextActionLocked picks the action for this attempt and advances the
// counters, or reports not-due without touching state.
func (m *Manager) nextActionLocked(errorID string, s Strategy) (Action, bool) {
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := s.BackoffFactor
	if backoff <= 0 {
		backoff = 2.0
	}

	count := m.attempts[errorID]
	if count >= maxAttempts {
		m.log.Warn().Str("error_id", errorID).Int("max_attempts", maxAttempts).
			Msg("max recovery attempts reached")
		return ActionAbort, false
	}
	wait := time.Duration(math.Pow(backoff, float64(count)) * float64(time.Second))
	if last, ok := m.lastAttempt[errorID]; ok && m.now().Sub(last) < wait {
		m.log.Debug().Str("error_id", errorID).Dur("backoff", wait).Msg("backoff in effect")
		return ActionAbort, false
	}

	idx := count
	if idx > len(s.Actions)-1 {
		idx = len(s.Actions) - 1
	}
	m.attempts[errorID] = count + 1
	m.lastAttempt[errorID] = m.now()
	return s.Actions[idx], true
}

// handleReduceBatch shrinks context["batch_size"] by 25%, forced to strictly
// decrease even under rounding, with a floor of 1.
func handleReduceBatch(ctx map[string]any) bool {
	current, ok := ctx["batch_size"].(int)
	if !ok || current <= 0 {
		return false
	}
	reduced := int(float64(current) * 0.75)
	if reduced < 1 {
		reduced = 1
	}
	if reduced >= current {
		reduced = current - 1
		if reduced < 1 {
			reduced = 1
		}
	}
	ctx["batch_size"] = reduced
	ctx["reduced_from"] = current
	return true
}

// handleRestartService calls the restart hook supplied in context, if any.
func handleRestartService(ctx map[string]any) bool {
	fn, ok := ctx["restart_func"].(func() bool)
	if !ok {
		return false
	}
	return fn()
}
