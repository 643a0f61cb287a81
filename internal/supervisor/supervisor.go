package supervisor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/domain-event-pipeline/internal/config"
	"github.com/smartdevs17/domain-event-pipeline/internal/metrics"
	"github.com/smartdevs17/domain-event-pipeline/internal/storage"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// State is a position in the supervisor lifecycle
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateRunning       State = "running"
	StateReconnecting  State = "reconnecting"
	StateFailed        State = "failed"
)

var allStates = []string{
	string(StateUninitialized),
	string(StateConnecting),
	string(StateRunning),
	string(StateReconnecting),
	string(StateFailed),
}

// WatcherRunner starts and stops every event watcher
type WatcherRunner interface {
	StartAll(ctx context.Context) error
	StopAll()
	Running() bool
}

// ReconcilerRunner owns the reconciliation timer
type ReconcilerRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Backoff computes retry delays as min(Base * Multiplier^attempt, Max)
type Backoff struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
}

// BackoffFromConfig maps the retry config section
func BackoffFromConfig(cfg *config.RetryConfig) Backoff {
	return Backoff{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.BaseDelay(),
		Multiplier:  cfg.Multiplier,
		Max:         cfg.MaxDelay(),
	}
}

// Delay returns the wait before retry number attempt (0-based)
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.Max
	}
	return time.Duration(d)
}

// Status is the connection status served to operators
type Status struct {
	Initialized          bool   `json:"initialized"`
	StorageConnected     bool   `json:"storageConnected"`
	EventWatchersRunning bool   `json:"eventWatchersRunning"`
	State                State  `json:"state"`
	Reconnects           uint64 `json:"reconnects"`
	LastError            string `json:"lastError,omitempty"`
}

// Supervisor brings storage, the watchers and the reconciliation timer up
// with retries, and tears them down and back up on network failures.
// It is the only component that opens or closes the storage handle.
type Supervisor struct {
	store      storage.Storage
	watchers   WatcherRunner
	reconciler ReconcilerRunner
	backoff    Backoff

	metricsManager *metrics.Manager
	logger         *logrus.Entry
	wait           func(ctx context.Context, d time.Duration) error

	// opMu serializes connect, reconnect and shutdown
	opMu sync.Mutex

	mu               sync.Mutex
	ctx              context.Context
	state            State
	initialized      bool
	storageConnected bool
	reconnecting     bool
	reconnects       uint64
	lastError        string
	cancelRetry      context.CancelFunc
}

// New creates a supervisor. reconciler may be nil.
func New(store storage.Storage, watchers WatcherRunner, reconciler ReconcilerRunner, backoff Backoff, metricsManager *metrics.Manager) *Supervisor {
	s := &Supervisor{
		store:          store,
		watchers:       watchers,
		reconciler:     reconciler,
		backoff:        backoff,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("supervisor"),
		wait:           sleepContext,
		state:          StateUninitialized,
	}
	s.metricsManager.GetPrometheusMetrics().UpdateSupervisorState(string(s.state), allStates)
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Initialize connects everything, retrying with backoff. It is a no-op
// once initialized; after a failure a new call makes a fresh attempt.
// ctx bounds the lifetime of the watchers and the reconciliation timer.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		s.logger.Warn("Supervisor already initialized")
		return nil
	}
	s.ctx = ctx
	s.mu.Unlock()

	s.setState(StateConnecting)
	if err := s.connectWithRetry(ctx); err != nil {
		s.setState(StateFailed)
		return err
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	s.setState(StateRunning)
	s.logger.Info("Pipeline connected")
	return nil
}

// connectWithRetry runs connect until it succeeds or MaxAttempts retries
// are spent. A reconnect or shutdown cancels a pending retry.
func (s *Supervisor) connectWithRetry(ctx context.Context) error {
	retryCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelRetry = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelRetry = nil
		s.mu.Unlock()
		cancel()
	}()

	for attempt := 0; ; attempt++ {
		err := s.connect(ctx)
		if err == nil {
			return nil
		}
		s.recordError(err)
		s.disconnect()

		if attempt >= s.backoff.MaxAttempts {
			s.logger.WithError(err).WithField("attempts", attempt+1).Error("Connection retries exhausted")
			return utils.WrapError(utils.ErrCodeConnection,
				fmt.Sprintf("Failed to connect after %d attempts", attempt+1), err)
		}

		delay := s.backoff.Delay(attempt)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"delay":   delay,
		}).Warn("Connection failed, retrying")
		if err := s.wait(retryCtx, delay); err != nil {
			return utils.WrapError(utils.ErrCodeConnection, "Connection retry cancelled", err)
		}
	}
}

// connect opens storage, migrates, starts the watchers, then the timer
func (s *Supervisor) connect(ctx context.Context) error {
	if err := s.store.Connect(); err != nil {
		return err
	}
	s.mu.Lock()
	s.storageConnected = true
	s.mu.Unlock()

	if err := s.store.Migrate(); err != nil {
		return err
	}
	if err := s.watchers.StartAll(ctx); err != nil {
		return err
	}
	if s.reconciler != nil {
		if err := s.reconciler.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// disconnect stops the timer and watchers, then closes storage
func (s *Supervisor) disconnect() {
	if s.reconciler != nil {
		s.reconciler.Stop()
	}
	s.watchers.StopAll()

	s.mu.Lock()
	connected := s.storageConnected
	s.storageConnected = false
	s.mu.Unlock()
	if connected {
		if err := s.store.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close storage")
		}
	}
}

// HandleConnectionError classifies err and, for network failures,
// schedules a reconnect. It never blocks; reconnect requests arriving
// while one is in flight are dropped.
func (s *Supervisor) HandleConnectionError(err error, source string) {
	logger := s.logger.WithError(err).WithField("source", source)
	if !utils.IsNetworkError(err) {
		s.metricsManager.GetPrometheusMetrics().RecordConnectionError(source, "other")
		logger.Warn("Non-network error reported, not reconnecting")
		return
	}
	s.metricsManager.GetPrometheusMetrics().RecordConnectionError(source, "network")

	s.mu.Lock()
	if !s.initialized || s.reconnecting {
		s.mu.Unlock()
		logger.Debug("Reconnect already pending or supervisor not initialized")
		return
	}
	s.reconnecting = true
	ctx := s.ctx
	s.mu.Unlock()

	logger.Warn("Network error reported, reconnecting")
	go s.Reconnect(ctx)
}

// Reconnect tears everything down and connects again with fresh retries.
// Failure is logged and leaves the pipeline degraded; it is not returned.
func (s *Supervisor) Reconnect(ctx context.Context) {
	s.mu.Lock()
	s.reconnecting = true
	if s.cancelRetry != nil {
		s.cancelRetry()
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		s.logger.Debug("Supervisor shut down, skipping reconnect")
		return
	}
	s.reconnects++
	s.mu.Unlock()

	s.metricsManager.GetPrometheusMetrics().RecordReconnect()
	s.setState(StateReconnecting)
	s.disconnect()

	if err := s.connectWithRetry(ctx); err != nil {
		s.logger.WithError(err).Error("Reconnect failed, pipeline degraded")
		return
	}
	s.setState(StateRunning)
	s.logger.Info("Reconnected")
}

// Shutdown stops everything and closes storage
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.cancelRetry != nil {
		s.cancelRetry()
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.disconnect()
	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()
	s.setState(StateUninitialized)
	s.logger.Info("Supervisor shut down")
}

// GetStatus returns the current connection status
func (s *Supervisor) GetStatus() Status {
	running := s.watchers.Running()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Initialized:          s.initialized,
		StorageConnected:     s.storageConnected,
		EventWatchersRunning: running,
		State:                s.state,
		Reconnects:           s.reconnects,
		LastError:            s.lastError,
	}
}

// State returns the lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.metricsManager.GetPrometheusMetrics().UpdateSupervisorState(string(state), allStates)
}

func (s *Supervisor) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}
