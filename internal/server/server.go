// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/domain-event-pipeline/internal/metrics"
	"github.com/smartdevs17/domain-event-pipeline/internal/models"
	"github.com/smartdevs17/domain-event-pipeline/internal/reconciler"
	"github.com/smartdevs17/domain-event-pipeline/internal/session"
	"github.com/smartdevs17/domain-event-pipeline/internal/storage"
	"github.com/smartdevs17/domain-event-pipeline/internal/supervisor"
	"github.com/smartdevs17/domain-event-pipeline/internal/watcher"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          int           `json:"port"`
	Host          string        `json:"host"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`
	Version       string        `json:"version"`
}

// StatusProvider reports the connection status
type StatusProvider interface {
	GetStatus() supervisor.Status
}

// ReconcileTrigger runs a reconciliation pass on demand
type ReconcileTrigger interface {
	RunOnce(ctx context.Context) *reconciler.RunResult
}

// WatcherRegistry reports and restarts watchers per contract
type WatcherRegistry interface {
	Status(contractID string) (bool, error)
	Statuses() []watcher.WatcherStatus
	Restart(ctx context.Context, contractID string) error
}

// SessionController drives listening sessions
type SessionController interface {
	StartTimedListening(ctx context.Context, reason string, override time.Duration) error
	StopTimedListening(reason string)
	ExtendDuration() bool
	ForceReset()
	Status() session.Status
}

// Dependencies are the components the admin surface controls. Sessions
// may be nil when timed sessions are disabled.
type Dependencies struct {
	Status     StatusProvider
	Reconciler ReconcileTrigger
	Watchers   WatcherRegistry
	Sessions   SessionController
	Storage    storage.Storage
	Metrics    *metrics.Manager
}

// HTTPServer serves the administrative control surface
type HTTPServer struct {
	config  *ServerConfig
	server  *http.Server
	router  *mux.Router
	deps    Dependencies
	baseCtx context.Context
	stop    chan struct{}
	logger  *logrus.Entry
}

// NewHTTPServer creates the admin server. baseCtx outlives requests and is
// handed to sessions started over HTTP.
func NewHTTPServer(baseCtx context.Context, config *ServerConfig, deps Dependencies) *HTTPServer {
	s := &HTTPServer{
		config:  config,
		deps:    deps,
		baseCtx: baseCtx,
		stop:    make(chan struct{}),
		logger:  utils.ComponentLogger("server"),
	}
	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	if s.deps.Metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.healthHandler).Methods("GET")
	api.HandleFunc("/status", s.statusHandler).Methods("GET")
	api.HandleFunc("/reconcile", s.reconcileHandler).Methods("POST")

	api.HandleFunc("/watchers", s.listWatchersHandler).Methods("GET")
	api.HandleFunc("/watchers/{contract}", s.watcherStatusHandler).Methods("GET")
	api.HandleFunc("/watchers/{contract}/restart", s.restartWatcherHandler).Methods("POST")

	api.HandleFunc("/session", s.sessionStatusHandler).Methods("GET")
	api.HandleFunc("/session/start", s.startSessionHandler).Methods("POST")
	api.HandleFunc("/session/stop", s.stopSessionHandler).Methods("POST")
	api.HandleFunc("/session/extend", s.extendSessionHandler).Methods("POST")
	api.HandleFunc("/session/reset", s.resetSessionHandler).Methods("POST")

	api.HandleFunc("/pending/{kind}/{txHash}", s.pendingEventHandler).Methods("GET")
	api.HandleFunc("/domains/{name}", s.domainHandler).Methods("GET")

	if s.config.EnableMetrics && s.deps.Metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Gatherer(), promhttp.HandlerOpts{}))
	}
}

// Start listens in the background. Binding errors surface immediately.
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.deps.Metrics != nil {
		s.deps.Metrics.UpdateSystemMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.deps.Metrics.UpdateSystemMetrics()
		}
	}
}

// Stop shuts the server down gracefully
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	close(s.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"version":   s.config.Version,
	})
}

// statusResponse adds the pending backlog to the connection status
type statusResponse struct {
	supervisor.Status
	Pending map[models.EventKind]*models.PendingCounts `json:"pending,omitempty"`
}

func (s *HTTPServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Status.GetStatus()
	if !status.Initialized || !status.StorageConnected {
		s.writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: status})
		return
	}

	resp := statusResponse{Status: status, Pending: make(map[models.EventKind]*models.PendingCounts, 2)}
	for _, kind := range []models.EventKind{models.KindRegistration, models.KindOwnershipUpdate} {
		counts, err := s.deps.Storage.CountPendingEvents(r.Context(), kind)
		if err != nil {
			s.logger.WithError(err).WithField("kind", kind).Warn("Failed to count pending events")
			continue
		}
		resp.Pending[kind] = counts
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	result := s.deps.Reconciler.RunOnce(r.Context())
	s.writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) listWatchersHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"watchers": s.deps.Watchers.Statuses(),
	})
}

func (s *HTTPServer) watcherStatusHandler(w http.ResponseWriter, r *http.Request) {
	contract := mux.Vars(r)["contract"]
	running, err := s.deps.Watchers.Status(contract)
	if err != nil {
		s.writeAppError(w, "Failed to get watcher status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contract": contract,
		"running":  running,
	})
}

// restartWatcherHandler restarts one watcher. The restart outlives the
// request, like sessions do.
func (s *HTTPServer) restartWatcherHandler(w http.ResponseWriter, r *http.Request) {
	contract := mux.Vars(r)["contract"]
	if err := s.deps.Watchers.Restart(s.baseCtx, contract); err != nil {
		s.writeAppError(w, "Failed to restart watcher", err)
		return
	}
	running, err := s.deps.Watchers.Status(contract)
	if err != nil {
		s.writeAppError(w, "Failed to get watcher status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contract": contract,
		"running":  running,
	})
}

func (s *HTTPServer) sessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !s.sessionsEnabled(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
}

type startSessionRequest struct {
	Reason     string `json:"reason"`
	DurationMS int64  `json:"duration_ms"`
}

func (s *HTTPServer) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !s.sessionsEnabled(w) {
		return
	}

	var req startSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	if req.DurationMS < 0 {
		s.writeError(w, http.StatusBadRequest, "duration_ms must not be negative", nil)
		return
	}
	if req.Reason == "" {
		req.Reason = session.ReasonManual
	}

	override := time.Duration(req.DurationMS) * time.Millisecond
	if err := s.deps.Sessions.StartTimedListening(s.baseCtx, req.Reason, override); err != nil {
		s.writeAppError(w, "Failed to start session", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
}

type stopSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *HTTPServer) stopSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !s.sessionsEnabled(w) {
		return
	}

	var req stopSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = session.ReasonManual
	}

	s.deps.Sessions.StopTimedListening(req.Reason)
	s.writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
}

func (s *HTTPServer) extendSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !s.sessionsEnabled(w) {
		return
	}
	if !s.deps.Sessions.ExtendDuration() {
		s.writeError(w, http.StatusConflict, "No active session", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
}

// resetSessionHandler clears a wedged session and its counters
func (s *HTTPServer) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !s.sessionsEnabled(w) {
		return
	}
	s.deps.Sessions.ForceReset()
	s.writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
}

func (s *HTTPServer) sessionsEnabled(w http.ResponseWriter) bool {
	if s.deps.Sessions == nil {
		s.writeError(w, http.StatusNotFound, "Timed listening sessions are disabled", nil)
		return false
	}
	return true
}

// pendingEventHandler exposes a pending record, including its
// processing error, for audit
func (s *HTTPServer) pendingEventHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind := models.EventKind(vars["kind"])
	if !kind.Valid() {
		s.writeError(w, http.StatusBadRequest, "Unknown pending event kind", nil)
		return
	}

	event, err := s.deps.Storage.GetPendingEventByTxHash(r.Context(), kind, vars["txHash"])
	if err != nil {
		s.writeAppError(w, "Failed to load pending event", err)
		return
	}
	if event == nil {
		s.writeError(w, http.StatusNotFound, "Pending event not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, event)
}

func (s *HTTPServer) domainHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	domain, err := s.deps.Storage.GetDomain(r.Context(), name)
	if err != nil {
		s.writeAppError(w, "Failed to load domain", err)
		return
	}
	if domain == nil {
		s.writeError(w, http.StatusNotFound, "Domain not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, domain)
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"status":  status,
			"message": message,
		}).Error("HTTP error")
	}

	s.writeJSON(w, status, errorResponse)
}

// writeAppError maps AppError codes to HTTP statuses
func (s *HTTPServer) writeAppError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case utils.IsCode(err, utils.ErrCodeNotFound):
		status = http.StatusNotFound
	case utils.IsCode(err, utils.ErrCodeValidation), utils.IsCode(err, utils.ErrCodeConfiguration):
		status = http.StatusBadRequest
	case utils.IsCode(err, utils.ErrCodeConnection), utils.IsCode(err, utils.ErrCodeTimeout):
		status = http.StatusServiceUnavailable
	case strings.Contains(strings.ToLower(err.Error()), "not connected"):
		status = http.StatusServiceUnavailable
	}
	s.writeError(w, status, message, err)
}
