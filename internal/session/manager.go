package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/domain-event-pipeline/internal/config"
	"github.com/smartdevs17/domain-event-pipeline/internal/metrics"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// Stop reasons with special handling
const (
	ReasonTimeout     = "timeout_reached"
	ReasonAutoRestart = "auto_restart"
	ReasonSupervisor  = "supervisor"
	ReasonManual      = "manual"
)

// Watchers is what a session starts and stops
type Watchers interface {
	StartAll(ctx context.Context) error
	StopAll()
	Running() bool
}

// Config bounds sessions
type Config struct {
	Duration    time.Duration `json:"duration"`
	AutoRestart bool          `json:"autoRestart"`
	MaxRestarts int           `json:"maxRestarts"`
}

// ConfigFromSession maps the session config section
func ConfigFromSession(cfg *config.SessionConfig) Config {
	return Config{
		Duration:    cfg.Duration(),
		AutoRestart: cfg.AutoRestart,
		MaxRestarts: cfg.MaxRestarts,
	}
}

// Status is the session view served to operators
type Status struct {
	ID            string     `json:"id,omitempty"`
	Active        bool       `json:"isActive"`
	Reason        string     `json:"reason,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	DurationMS    int64      `json:"configuredDurationMs"`
	RemainingMS   int64      `json:"remainingMs"`
	RestartCount  int        `json:"restartCount"`
	TotalActiveMS int64      `json:"totalActiveMs"`
	Config        Config     `json:"config"`
}

type stopper interface {
	Stop() bool
}

// Manager runs the watchers for bounded sessions. At most one session is
// active; starting while active resets the countdown instead.
type Manager struct {
	watchers       Watchers
	cfg            Config
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper

	mu           sync.Mutex
	ctx          context.Context
	active       bool
	id           string
	reason       string
	startedAt    time.Time
	countdownAt  time.Time
	duration     time.Duration
	restartCount int
	totalActive  time.Duration
	timer        stopper
	generation   uint64
}

// NewManager creates a session manager over watchers
func NewManager(watchers Watchers, cfg Config, metricsManager *metrics.Manager) *Manager {
	return &Manager{
		watchers:       watchers,
		cfg:            cfg,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("session"),
		now:            time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// StartTimedListening starts the watchers for the configured duration, or
// override when positive. An active session gets a fresh countdown.
func (m *Manager) StartTimedListening(ctx context.Context, reason string, override time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := m.cfg.Duration
	if override > 0 {
		duration = override
	}

	if m.active {
		m.countdownAt = m.now()
		m.duration = duration
		m.schedule(duration)
		m.logger.WithFields(logrus.Fields{
			"session_id": m.id,
			"reason":     reason,
			"duration":   duration,
		}).Info("Session already active, countdown reset")
		return nil
	}
	return m.startLocked(ctx, reason, duration)
}

func (m *Manager) startLocked(ctx context.Context, reason string, duration time.Duration) error {
	if duration <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Session duration must be positive")
	}
	if err := m.watchers.StartAll(ctx); err != nil {
		return err
	}

	m.ctx = ctx
	m.active = true
	m.id = uuid.New().String()
	m.reason = reason
	m.startedAt = m.now()
	m.countdownAt = m.startedAt
	m.duration = duration
	m.schedule(duration)

	m.metricsManager.GetPrometheusMetrics().UpdateSessionActive(true)
	m.logger.WithFields(logrus.Fields{
		"session_id":    m.id,
		"reason":        reason,
		"duration":      duration,
		"restart_count": m.restartCount,
	}).Info("Listening session started")
	return nil
}

// schedule replaces the stop timer. Bumping the generation voids a timer
// that fired but has not yet taken the lock.
func (m *Manager) schedule(d time.Duration) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.generation++
	gen := m.generation
	m.timer = m.afterFunc(d, func() { m.expire(gen) })
}

func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || !m.active {
		return
	}
	m.stopLocked(ReasonTimeout)
}

// StopTimedListening ends the active session. A timeout with auto-restart
// enabled starts a new one until MaxRestarts is reached.
func (m *Manager) StopTimedListening(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(reason)
}

func (m *Manager) stopLocked(reason string) {
	if !m.active {
		m.logger.WithField("reason", reason).Debug("No active session to stop")
		return
	}

	m.cancelTimer()
	m.watchers.StopAll()

	elapsed := m.now().Sub(m.startedAt)
	m.totalActive += elapsed
	m.active = false
	m.metricsManager.GetPrometheusMetrics().UpdateSessionActive(false)

	logger := m.logger.WithFields(logrus.Fields{
		"session_id": m.id,
		"reason":     reason,
		"elapsed":    elapsed,
	})
	logger.Info("Listening session stopped")

	if reason == ReasonTimeout && m.cfg.AutoRestart && m.restartCount < m.cfg.MaxRestarts {
		m.restartCount++
		m.metricsManager.GetPrometheusMetrics().RecordSessionRestart()
		if err := m.startLocked(m.ctx, ReasonAutoRestart, m.cfg.Duration); err != nil {
			logger.WithError(err).Error("Failed to auto-restart session")
		}
		return
	}
	m.restartCount = 0
}

func (m *Manager) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
}

// ExtendDuration restarts the countdown of the active session at its full
// duration. It reports false, with a warning, when no session is active.
func (m *Manager) ExtendDuration() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		m.logger.Warn("No active session to extend")
		return false
	}
	m.countdownAt = m.now()
	m.schedule(m.duration)
	m.logger.WithFields(logrus.Fields{
		"session_id": m.id,
		"duration":   m.duration,
	}).Info("Session extended")
	return true
}

// GetRemainingTime returns the time left in the active session, 0 when idle
func (m *Manager) GetRemainingTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked()
}

func (m *Manager) remainingLocked() time.Duration {
	if !m.active {
		return 0
	}
	remaining := m.duration - m.now().Sub(m.countdownAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ForceReset stops everything and zeroes the counters
func (m *Manager) ForceReset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelTimer()
	m.watchers.StopAll()
	m.active = false
	m.id = ""
	m.reason = ""
	m.restartCount = 0
	m.totalActive = 0
	m.metricsManager.GetPrometheusMetrics().UpdateSessionActive(false)
	m.logger.Warn("Session state force reset")
}

// Status returns the current session view
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		ID:            m.id,
		Active:        m.active,
		Reason:        m.reason,
		DurationMS:    m.duration.Milliseconds(),
		RemainingMS:   m.remainingLocked().Milliseconds(),
		RestartCount:  m.restartCount,
		TotalActiveMS: m.totalActive.Milliseconds(),
		Config:        m.cfg,
	}
	if m.active {
		started := m.startedAt
		st.StartedAt = &started
	}
	return st
}

// StartAll lets the supervisor run watchers through a bounded session
func (m *Manager) StartAll(ctx context.Context) error {
	return m.StartTimedListening(ctx, ReasonSupervisor, 0)
}

// StopAll ends the session for the supervisor
func (m *Manager) StopAll() {
	m.StopTimedListening(ReasonSupervisor)
}

// Running reports whether watchers are running
func (m *Manager) Running() bool {
	return m.watchers.Running()
}
