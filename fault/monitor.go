package fault

import (
	"sync"

	"github.com/rs/zerolog"
)

const (
	// unhealthyCount is the error count at which Healthy reports false.
	unhealthyCount = 50
	// criticalCount is the error count that forces safe mode.
	criticalCount = 100
)

// Monitor counts reported faults and keeps the last one. A critical
// fault, or too many faults, puts it in safe mode.
type Monitor struct {
	log zerolog.Logger

	mu       sync.Mutex
	count    int
	last     *Error
	safe     bool
	cleanup  []func()
	recovery map[Category]func() error
}

func NewMonitor(log zerolog.Logger) *Monitor {
	return &Monitor{
		log:      log.With().Str("component", "fault").Logger(),
		recovery: make(map[Category]func() error),
	}
}

// OnCleanup registers fn to run when safe mode is entered.
func (m *Monitor) OnCleanup(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup = append(m.cleanup, fn)
}

// OnRecover registers fn to run after a non-critical fault of category c.
func (m *Monitor) OnRecover(c Category, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery[c] = fn
}

// Report records err and returns its classification. A nil err is ignored.
func (m *Monitor) Report(err error) *Error {
	if err == nil {
		return nil
	}
	fe := Classify(err)

	m.mu.Lock()
	m.count++
	m.last = fe
	count := m.count
	recoverFn := m.recovery[fe.Category]
	m.mu.Unlock()

	level := zerolog.WarnLevel
	switch fe.Severity {
	case SeverityInfo:
		level = zerolog.InfoLevel
	case SeverityError, SeverityCritical:
		level = zerolog.ErrorLevel
	}
	m.log.WithLevel(level).Err(fe.Err).
		Str("op", fe.Op).
		Str("code", fe.Code.String()).
		Str("category", fe.Category.String()).
		Str("severity", fe.Severity.String()).
		Int("count", count).
		Msg("fault")

	switch {
	case fe.Severity == SeverityCritical:
		m.EnterSafeMode()
	case count >= criticalCount:
		m.log.Error().Int("count", count).Msg("excessive error count")
		m.EnterSafeMode()
	case recoverFn != nil:
		if rerr := recoverFn(); rerr != nil {
			m.log.Warn().Err(rerr).Str("category", fe.Category.String()).Msg("recovery failed")
		}
	}
	return fe
}

// EnterSafeMode runs the cleanup hooks once and latches safe mode.
func (m *Monitor) EnterSafeMode() {
	m.mu.Lock()
	if m.safe {
		m.mu.Unlock()
		return
	}
	m.safe = true
	hooks := append([]func(){}, m.cleanup...)
	m.mu.Unlock()

	m.log.Error().Msg("entering safe mode")
	for _, fn := range hooks {
		fn()
	}
}

func (m *Monitor) SafeMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.safe
}

// Healthy reports whether the monitor is out of safe mode with a low
// error count.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.safe && m.count < unhealthyCount
}

func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *Monitor) Last() *Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Reset leaves safe mode and clears the error count.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safe = false
	m.count = 0
	m.last = nil
}
