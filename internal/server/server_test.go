package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smartdevs17/domain-event-pipeline/internal/metrics"
	"github.com/smartdevs17/domain-event-pipeline/internal/models"
	"github.com/smartdevs17/domain-event-pipeline/internal/reconciler"
	"github.com/smartdevs17/domain-event-pipeline/internal/session"
	"github.com/smartdevs17/domain-event-pipeline/internal/storage"
	"github.com/smartdevs17/domain-event-pipeline/internal/supervisor"
	"github.com/smartdevs17/domain-event-pipeline/internal/watcher"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	status supervisor.Status
}

func (f *fakeStatus) GetStatus() supervisor.Status { return f.status }

type fakeReconciler struct {
	runs int
}

func (f *fakeReconciler) RunOnce(ctx context.Context) *reconciler.RunResult {
	f.runs++
	return &reconciler.RunResult{
		Registrations:   &reconciler.BatchResult{Kind: models.KindRegistration, Fetched: 2, Succeeded: 1, Failed: 1},
		OwnershipUpdate: &reconciler.BatchResult{Kind: models.KindOwnershipUpdate, Skipped: true},
	}
}

type fakeWatchers struct {
	mu         sync.Mutex
	restarts   int
	restartCtx context.Context
}

func (f *fakeWatchers) Status(contractID string) (bool, error) {
	if contractID == "domain_registry" {
		return true, nil
	}
	return false, utils.NewAppError(utils.ErrCodeNotFound, "Unknown contract watcher", contractID)
}

func (f *fakeWatchers) Statuses() []watcher.WatcherStatus {
	return []watcher.WatcherStatus{{Contract: "domain_registry", Running: true, Mode: "polling"}}
}

func (f *fakeWatchers) Restart(ctx context.Context, contractID string) error {
	if _, err := f.Status(contractID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	f.restartCtx = ctx
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	active   bool
	reason   string
	override time.Duration
	ctx      context.Context
	resets   int
}

func (f *fakeSessions) StartTimedListening(ctx context.Context, reason string, override time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
	f.reason = reason
	f.override = override
	f.ctx = ctx
	return nil
}

func (f *fakeSessions) StopTimedListening(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.reason = reason
}

func (f *fakeSessions) ExtendDuration() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSessions) ForceReset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.reason = ""
	f.resets++
}

func (f *fakeSessions) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Status{Active: f.active, Reason: f.reason, DurationMS: f.override.Milliseconds()}
}

type testEnv struct {
	server     *HTTPServer
	status     *fakeStatus
	reconciler *fakeReconciler
	watchers   *fakeWatchers
	sessions   *fakeSessions
	store      storage.Storage
	baseCtx    context.Context
}

func newTestEnv(t *testing.T, withSessions bool) *testEnv {
	t.Helper()

	store := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "server.db"),
		MaxConnections:   2,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		status: &fakeStatus{status: supervisor.Status{
			Initialized:          true,
			StorageConnected:     true,
			EventWatchersRunning: true,
			State:                supervisor.StateRunning,
		}},
		reconciler: &fakeReconciler{},
		watchers:   &fakeWatchers{},
		store:      store,
		baseCtx:    context.WithValue(context.Background(), ctxKey{}, "base"),
	}
	deps := Dependencies{
		Status:     env.status,
		Reconciler: env.reconciler,
		Watchers:   env.watchers,
		Storage:    store,
		Metrics:    metrics.NewManager(),
	}
	if withSessions {
		env.sessions = &fakeSessions{}
		deps.Sessions = env.sessions
	}
	env.server = NewHTTPServer(env.baseCtx, &ServerConfig{Host: "127.0.0.1", Port: 0, EnableMetrics: true, Version: "test"}, deps)
	return env
}

type ctxKey struct{}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	rec, body := env.do(t, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestStatusReflectsSupervisor(t *testing.T) {
	env := newTestEnv(t, false)

	rec, body := env.do(t, "GET", "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["storageConnected"])
	assert.Equal(t, "running", body["state"])

	env.status.status = supervisor.Status{State: supervisor.StateReconnecting, LastError: "connection refused"}
	rec, body = env.do(t, "GET", "/api/v1/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "connection refused", body["lastError"])
	assert.NotContains(t, body, "pending")
}

func TestStatusReportsPendingBacklog(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	for i, hash := range []string{"0x01", "0x02", "0x03"} {
		require.NoError(t, env.store.InsertPendingEvent(ctx, &models.PendingEvent{
			Kind:              models.KindRegistration,
			DomainName:        fmt.Sprintf("name%d", i),
			RequesterAddress:  "0x00000000000000000000000000000000000000a1",
			FeeAmount:         "1",
			SourceTxHash:      hash,
			SourceBlockNumber: 1,
		}))
	}
	failed, err := env.store.GetPendingEventByTxHash(ctx, models.KindRegistration, "0x01")
	require.NoError(t, err)
	reason := "domain not found"
	require.NoError(t, env.store.MarkEventProcessed(ctx, models.KindRegistration, failed.ID, &reason))

	rec, body := env.do(t, "GET", "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["state"])

	pending := body["pending"].(map[string]interface{})
	regs := pending["registration"].(map[string]interface{})
	assert.Equal(t, float64(2), regs["unprocessed"])
	assert.Equal(t, float64(1), regs["failed"])
	updates := pending["ownership_update"].(map[string]interface{})
	assert.Equal(t, float64(0), updates["unprocessed"])
}

func TestReconcileTriggersRun(t *testing.T) {
	env := newTestEnv(t, false)

	rec, body := env.do(t, "POST", "/api/v1/reconcile", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.reconciler.runs)

	regs := body["registrations"].(map[string]interface{})
	assert.Equal(t, float64(1), regs["succeeded"])
	ownership := body["ownership_updates"].(map[string]interface{})
	assert.Equal(t, true, ownership["skipped"])

	rec, _ = env.do(t, "GET", "/api/v1/reconcile", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWatcherStatus(t *testing.T) {
	env := newTestEnv(t, false)

	rec, body := env.do(t, "GET", "/api/v1/watchers/domain_registry", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["running"])

	rec, body = env.do(t, "GET", "/api/v1/watchers/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["details"], "unknown")

	rec, body = env.do(t, "GET", "/api/v1/watchers", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["watchers"], 1)
}

func TestWatcherRestart(t *testing.T) {
	env := newTestEnv(t, false)

	rec, body := env.do(t, "POST", "/api/v1/watchers/domain_registry/restart", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, 1, env.watchers.restarts)
	// The restarted watcher must not die with the request
	assert.Equal(t, "base", env.watchers.restartCtx.Value(ctxKey{}))

	rec, _ = env.do(t, "POST", "/api/v1/watchers/unknown/restart", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1, env.watchers.restarts)

	rec, _ = env.do(t, "GET", "/api/v1/watchers/domain_registry/restart", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSessionRoutes(t *testing.T) {
	env := newTestEnv(t, true)

	rec, _ := env.do(t, "POST", "/api/v1/session/extend", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body := env.do(t, "POST", "/api/v1/session/start", `{"reason":"ops","duration_ms":60000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["isActive"])
	assert.Equal(t, time.Minute, env.sessions.override)
	assert.Equal(t, "ops", env.sessions.reason)
	// Sessions outlive the request that started them
	assert.Equal(t, "base", env.sessions.ctx.Value(ctxKey{}))

	rec, _ = env.do(t, "POST", "/api/v1/session/extend", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = env.do(t, "POST", "/api/v1/session/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["isActive"])
	assert.Equal(t, session.ReasonManual, env.sessions.reason)

	rec, _ = env.do(t, "POST", "/api/v1/session/start", `{"duration_ms":-5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, "POST", "/api/v1/session/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionReset(t *testing.T) {
	env := newTestEnv(t, true)

	rec, _ := env.do(t, "POST", "/api/v1/session/start", `{"reason":"ops"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := env.do(t, "POST", "/api/v1/session/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["isActive"])
	assert.Equal(t, 1, env.sessions.resets)

	disabled := newTestEnv(t, false)
	rec, _ = disabled.do(t, "POST", "/api/v1/session/reset", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionRoutesDisabled(t *testing.T) {
	env := newTestEnv(t, false)
	rec, _ := env.do(t, "GET", "/api/v1/session", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = env.do(t, "POST", "/api/v1/session/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPendingEventAudit(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	require.NoError(t, env.store.InsertPendingEvent(ctx, &models.PendingEvent{
		Kind:              models.KindRegistration,
		DomainName:        "alice",
		RequesterAddress:  "0x00000000000000000000000000000000000000a1",
		FeeAmount:         "1000",
		SourceTxHash:      "0xabc",
		SourceBlockNumber: 12,
	}))
	stored, err := env.store.GetPendingEventByTxHash(ctx, models.KindRegistration, "0xabc")
	require.NoError(t, err)
	reason := "SetDomainOwner failed"
	require.NoError(t, env.store.MarkEventProcessed(ctx, models.KindRegistration, stored.ID, &reason))

	rec, body := env.do(t, "GET", "/api/v1/pending/registration/0xabc", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", body["domain_name"])
	assert.Equal(t, true, body["processed"])
	assert.Equal(t, reason, body["processing_error"])

	rec, _ = env.do(t, "GET", "/api/v1/pending/ownership_update/0xabc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, "GET", "/api/v1/pending/transfer/0xabc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDomainLookup(t *testing.T) {
	env := newTestEnv(t, false)
	_, err := env.store.UpsertDomainOwnership(context.Background(), &models.DomainRecord{
		DomainName:           "alice.eth",
		VerifiedOwnerAddress: "0x00000000000000000000000000000000000000a1",
		ChainID:              31,
		ExpirationTimestamp:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	rec, body := env.do(t, "GET", "/api/v1/domains/alice.eth", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0x00000000000000000000000000000000000000a1", body["verified_owner_address"])
	assert.Equal(t, float64(31), body["chain_id"])

	rec, _ = env.do(t, "GET", "/api/v1/domains/ghost.eth", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, "GET", "/api/v1/health", "")

	rec, _ := env.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/v1/health")
}
