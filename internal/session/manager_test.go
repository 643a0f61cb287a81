package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smartdevs17/domain-event-pipeline/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWatchers struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	startErr error
}

func (f *fakeWatchers) StartAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.running = true
	return nil
}

func (f *fakeWatchers) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
}

func (f *fakeWatchers) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// fakeClock drives now and the stop timers by hand
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires due timers outside the clock lock
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.at.After(c.now) {
			t.stopped = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func newTestManager(cfg Config) (*Manager, *fakeWatchers, *fakeClock) {
	watchers := &fakeWatchers{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(watchers, cfg, metrics.NewManager())
	m.now = clock.Now
	m.afterFunc = clock.AfterFunc
	return m, watchers, clock
}

func TestStartAndTimeout(t *testing.T) {
	m, watchers, clock := newTestManager(Config{Duration: time.Hour})
	ctx := context.Background()

	require.NoError(t, m.StartTimedListening(ctx, ReasonManual, 0))
	assert.True(t, watchers.Running())
	assert.Equal(t, time.Hour, m.GetRemainingTime())

	clock.Advance(20 * time.Minute)
	assert.Equal(t, 40*time.Minute, m.GetRemainingTime())

	clock.Advance(40 * time.Minute)
	assert.False(t, watchers.Running())
	assert.Zero(t, m.GetRemainingTime())

	st := m.Status()
	assert.False(t, st.Active)
	assert.Equal(t, int64(time.Hour/time.Millisecond), st.TotalActiveMS)
}

func TestStartWhileActiveResetsCountdown(t *testing.T) {
	m, watchers, clock := newTestManager(Config{Duration: time.Hour})
	ctx := context.Background()

	require.NoError(t, m.StartTimedListening(ctx, ReasonManual, 0))
	id := m.Status().ID
	clock.Advance(50 * time.Minute)

	require.NoError(t, m.StartTimedListening(ctx, ReasonManual, 0))
	assert.Equal(t, 1, watchers.starts)
	assert.Equal(t, time.Hour, m.GetRemainingTime())
	assert.Equal(t, id, m.Status().ID)

	// The original deadline no longer stops the session
	clock.Advance(15 * time.Minute)
	assert.True(t, watchers.Running())
	assert.Equal(t, 45*time.Minute, m.GetRemainingTime())
}

func TestDurationOverride(t *testing.T) {
	m, _, clock := newTestManager(Config{Duration: time.Hour})
	require.NoError(t, m.StartTimedListening(context.Background(), ReasonManual, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, m.GetRemainingTime())
	assert.Equal(t, int64(300000), m.Status().DurationMS)

	clock.Advance(5 * time.Minute)
	assert.False(t, m.Status().Active)
}

func TestExtendDuration(t *testing.T) {
	m, _, clock := newTestManager(Config{Duration: 10 * time.Minute})

	assert.False(t, m.ExtendDuration())

	require.NoError(t, m.StartTimedListening(context.Background(), ReasonManual, 0))
	clock.Advance(8 * time.Minute)
	assert.True(t, m.ExtendDuration())
	assert.Equal(t, 10*time.Minute, m.GetRemainingTime())

	// Not additive: a second extension is again a full countdown from now
	clock.Advance(time.Minute)
	assert.True(t, m.ExtendDuration())
	assert.Equal(t, 10*time.Minute, m.GetRemainingTime())

	clock.Advance(9 * time.Minute)
	assert.True(t, m.Status().Active)
	clock.Advance(time.Minute)
	assert.False(t, m.Status().Active)
}

func TestRecountdownKeepsSessionElapsedTime(t *testing.T) {
	m, _, clock := newTestManager(Config{Duration: time.Hour})
	ctx := context.Background()

	require.NoError(t, m.StartTimedListening(ctx, ReasonManual, 0))
	started := *m.Status().StartedAt

	clock.Advance(50 * time.Minute)
	assert.True(t, m.ExtendDuration())
	assert.Equal(t, started, *m.Status().StartedAt)

	clock.Advance(5 * time.Minute)
	require.NoError(t, m.StartTimedListening(ctx, ReasonManual, 0))
	assert.Equal(t, started, *m.Status().StartedAt)
	assert.Equal(t, time.Hour, m.GetRemainingTime())

	clock.Advance(5 * time.Minute)
	m.StopTimedListening(ReasonManual)
	assert.Equal(t, int64(time.Hour/time.Millisecond), m.Status().TotalActiveMS)
}

func TestAutoRestartUpToMax(t *testing.T) {
	m, watchers, clock := newTestManager(Config{Duration: time.Minute, AutoRestart: true, MaxRestarts: 2})
	require.NoError(t, m.StartTimedListening(context.Background(), ReasonManual, 0))

	clock.Advance(time.Minute)
	st := m.Status()
	assert.True(t, st.Active)
	assert.Equal(t, 1, st.RestartCount)
	assert.Equal(t, ReasonAutoRestart, st.Reason)

	clock.Advance(time.Minute)
	assert.Equal(t, 2, m.Status().RestartCount)
	assert.True(t, m.Status().Active)

	clock.Advance(time.Minute)
	st = m.Status()
	assert.False(t, st.Active)
	assert.Zero(t, st.RestartCount)
	assert.Equal(t, 3, watchers.starts)
	assert.Equal(t, 3, watchers.stops)
}

func TestManualStopDoesNotRestart(t *testing.T) {
	m, watchers, _ := newTestManager(Config{Duration: time.Minute, AutoRestart: true, MaxRestarts: 2})
	require.NoError(t, m.StartTimedListening(context.Background(), ReasonManual, 0))

	m.StopTimedListening(ReasonManual)
	assert.False(t, m.Status().Active)
	assert.False(t, watchers.Running())

	// Stopping an idle manager is harmless
	m.StopTimedListening(ReasonManual)
	assert.Equal(t, 1, watchers.stops)
}

func TestStartFailureLeavesSessionInactive(t *testing.T) {
	m, watchers, _ := newTestManager(Config{Duration: time.Minute})
	watchers.startErr = errors.New("dial tcp: connection refused")

	require.Error(t, m.StartTimedListening(context.Background(), ReasonManual, 0))
	assert.False(t, m.Status().Active)
	assert.Zero(t, m.GetRemainingTime())
}

func TestForceReset(t *testing.T) {
	m, watchers, clock := newTestManager(Config{Duration: time.Minute, AutoRestart: true, MaxRestarts: 5})
	require.NoError(t, m.StartTimedListening(context.Background(), ReasonManual, 0))
	clock.Advance(time.Minute)
	require.Equal(t, 1, m.Status().RestartCount)

	m.ForceReset()
	st := m.Status()
	assert.False(t, st.Active)
	assert.Empty(t, st.ID)
	assert.Zero(t, st.RestartCount)
	assert.Zero(t, st.TotalActiveMS)
	assert.False(t, watchers.Running())

	// The voided timer does nothing
	clock.Advance(time.Hour)
	assert.False(t, watchers.Running())

	m.ForceReset()
}

func TestSupervisorRunnerInterface(t *testing.T) {
	m, watchers, _ := newTestManager(Config{Duration: time.Minute})

	require.NoError(t, m.StartAll(context.Background()))
	assert.True(t, m.Running())
	assert.Equal(t, ReasonSupervisor, m.Status().Reason)

	m.StopAll()
	assert.False(t, m.Running())
	assert.Equal(t, 1, watchers.stops)
}

func TestRealTimerStopsSession(t *testing.T) {
	watchers := &fakeWatchers{}
	m := NewManager(watchers, Config{Duration: 20 * time.Millisecond}, nil)

	require.NoError(t, m.StartTimedListening(context.Background(), ReasonManual, 0))
	require.Eventually(t, func() bool { return !m.Status().Active }, time.Second, 5*time.Millisecond)
	assert.False(t, watchers.Running())
}
