package watcher

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// Set groups the watchers of every configured contract so they can be
// started and stopped together
type Set struct {
	mu       sync.RWMutex
	watchers []*Watcher
	byID     map[string]*Watcher
	logger   *logrus.Entry
}

// NewSet creates a set from watchers, keyed by contract id
func NewSet(watchers ...*Watcher) *Set {
	s := &Set{
		byID:   make(map[string]*Watcher, len(watchers)),
		logger: utils.ComponentLogger("watcher.set"),
	}
	for _, w := range watchers {
		s.watchers = append(s.watchers, w)
		s.byID[w.ID()] = w
	}
	return s
}

// SetErrorReporter installs r on every watcher
func (s *Set) SetErrorReporter(r ErrorReporter) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.watchers {
		w.SetErrorReporter(r)
	}
}

// StartAll starts every watcher. Configuration errors are logged and the
// watcher skipped; any other error stops what was started and is returned.
func (s *Set) StartAll(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	started := 0
	for _, w := range s.watchers {
		err := w.Start(ctx)
		switch {
		case err == nil:
			started++
		case utils.IsCode(err, utils.ErrCodeConfiguration):
			s.logger.WithError(err).WithField("contract", w.ID()).Warn("Watcher not started")
		default:
			for _, other := range s.watchers {
				other.Stop()
			}
			return err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"started": started,
		"total":   len(s.watchers),
	}).Info("Watchers started")
	return nil
}

// StopAll stops every watcher
func (s *Set) StopAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range s.watchers {
		wg.Add(1)
		go func(w *Watcher) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
}

// Running reports whether at least one watcher is running
func (s *Set) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.watchers {
		if w.IsRunning() {
			return true
		}
	}
	return false
}

// Status reports whether the watcher of contractID is running
func (s *Set) Status(contractID string) (bool, error) {
	s.mu.RLock()
	w, ok := s.byID[contractID]
	s.mu.RUnlock()
	if !ok {
		return false, utils.NewAppError(utils.ErrCodeNotFound, "Unknown contract watcher", contractID)
	}
	return w.IsRunning(), nil
}

// Restart restarts the watcher of contractID through its settle delay
func (s *Set) Restart(ctx context.Context, contractID string) error {
	s.mu.RLock()
	w, ok := s.byID[contractID]
	s.mu.RUnlock()
	if !ok {
		return utils.NewAppError(utils.ErrCodeNotFound, "Unknown contract watcher", contractID)
	}
	s.logger.WithField("contract", contractID).Info("Restarting watcher")
	return w.Restart(ctx)
}

// WatcherStatus is the per-contract view served to operators
type WatcherStatus struct {
	Contract string `json:"contract"`
	Running  bool   `json:"running"`
	Mode     string `json:"mode,omitempty"`
}

// Statuses lists the state of every watcher
func (s *Set) Statuses() []WatcherStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WatcherStatus, 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, WatcherStatus{Contract: w.ID(), Running: w.IsRunning(), Mode: w.Mode()})
	}
	return out
}
