// File: internal/reconciler/processor.go
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/domain-event-pipeline/internal/config"
	"github.com/smartdevs17/domain-event-pipeline/internal/metrics"
	"github.com/smartdevs17/domain-event-pipeline/internal/models"
	"github.com/smartdevs17/domain-event-pipeline/internal/storage"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// errDomainNotFound is recorded on ownership updates for unknown domains
var errDomainNotFound = errors.New("domain not found")

// Registry is the on-chain registry the processor writes to
type Registry interface {
	SetDomainOwner(ctx context.Context, domainName string, owner common.Address) error
	SetDomainMintable(ctx context.Context, domainName string, mintable bool) error
}

// Options holds reconciliation settings
type Options struct {
	Interval            time.Duration
	RegistrationBatch   int
	OwnershipBatch      int
	ConfirmationTimeout time.Duration
	DefaultExpiration   time.Duration
	WriteRetries        int
	WriteRetryDelay     time.Duration
}

// OptionsFromConfig maps the reconciler config section
func OptionsFromConfig(cfg *config.ReconcilerConfig) Options {
	return Options{
		Interval:            cfg.Interval,
		RegistrationBatch:   cfg.RegistrationBatch,
		OwnershipBatch:      cfg.OwnershipBatch,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		DefaultExpiration:   cfg.DefaultExpiration,
		WriteRetries:        cfg.WriteRetries,
		WriteRetryDelay:     cfg.WriteRetryDelay,
	}
}

// BatchResult summarizes one pass over a pending collection
type BatchResult struct {
	Kind      models.EventKind `json:"kind"`
	Skipped   bool             `json:"skipped"`
	Fetched   int              `json:"fetched"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Duration  time.Duration    `json:"duration"`
}

// RunResult is the outcome of one full reconciliation pass
type RunResult struct {
	Registrations   *BatchResult `json:"registrations"`
	OwnershipUpdate *BatchResult `json:"ownership_updates"`
}

// Stats provides processor statistics
type Stats struct {
	Runs          uint64     `json:"runs"`
	Reconciled    uint64     `json:"reconciled"`
	Failed        uint64     `json:"failed"`
	SkippedRuns   uint64     `json:"skipped_runs"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	LastErrorTime *time.Time `json:"last_error_time,omitempty"`
}

// Processor drains pending events into domain records and registry writes.
// Every fetched record is marked processed exactly once, success or not.
type Processor struct {
	store    storage.Storage
	registry Registry
	chainID  uint64
	opts     Options

	registrationGuard Guard
	ownershipGuard    Guard

	metricsManager *metrics.Manager
	logger         *logrus.Entry
	now            func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// New creates a processor guarded by in-process locks
func New(store storage.Storage, registry Registry, chainID uint64, opts Options, metricsManager *metrics.Manager) *Processor {
	return &Processor{
		store:             store,
		registry:          registry,
		chainID:           chainID,
		opts:              opts,
		registrationGuard: NewLocalGuard(),
		ownershipGuard:    NewLocalGuard(),
		metricsManager:    metricsManager,
		logger:            utils.ComponentLogger("reconciler"),
		now:               time.Now,
	}
}

// SetGuards replaces the overlap guards, e.g. with RedisGuards when
// several replicas share the database
func (p *Processor) SetGuards(registration, ownership Guard) {
	p.registrationGuard = registration
	p.ownershipGuard = ownership
}

// Start runs a reconciliation pass every Interval until Stop
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.opts.Interval <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Reconciliation interval must be positive")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.running = true

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.RunOnce(runCtx)
			}
		}
	}()

	p.logger.WithField("interval", p.opts.Interval).Info("Reconciliation timer started")
	return nil
}

// Stop cancels the timer and waits for a pass in progress to finish its
// current record
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("Reconciliation timer stopped")
}

// IsRunning returns whether the timer is running
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// GetStats returns a copy of the processor statistics
func (p *Processor) GetStats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// RunOnce processes one batch of registrations then one batch of
// ownership updates. Errors are logged, not returned.
func (p *Processor) RunOnce(ctx context.Context) *RunResult {
	result := &RunResult{}

	var err error
	result.Registrations, err = p.ProcessPendingRegistrations(ctx)
	if err != nil {
		p.logger.WithError(err).Error("Registration reconciliation failed")
		p.recordError(err)
	}
	result.OwnershipUpdate, err = p.ProcessPendingOwnershipUpdates(ctx)
	if err != nil {
		p.logger.WithError(err).Error("Ownership reconciliation failed")
		p.recordError(err)
	}

	p.statsMu.Lock()
	now := p.now()
	p.stats.Runs++
	p.stats.LastRunAt = &now
	p.statsMu.Unlock()
	return result
}

// ProcessPendingRegistrations reconciles up to RegistrationBatch
// registrations: upsert the domain record with the requester as owner,
// then set owner and mintable on chain, then mark the record processed.
func (p *Processor) ProcessPendingRegistrations(ctx context.Context) (*BatchResult, error) {
	return p.processBatch(ctx, models.KindRegistration, p.registrationGuard, p.opts.RegistrationBatch, p.reconcileRegistration)
}

// ProcessPendingOwnershipUpdates reconciles up to OwnershipBatch ownership
// updates. Updates for domains not yet registered fail with "domain not
// found".
func (p *Processor) ProcessPendingOwnershipUpdates(ctx context.Context) (*BatchResult, error) {
	return p.processBatch(ctx, models.KindOwnershipUpdate, p.ownershipGuard, p.opts.OwnershipBatch, p.reconcileOwnershipUpdate)
}

func (p *Processor) processBatch(
	ctx context.Context,
	kind models.EventKind,
	guard Guard,
	limit int,
	reconcile func(context.Context, *models.PendingEvent) error,
) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{Kind: kind}
	logger := p.logger.WithField("kind", kind)

	lease, err := guard.TryAcquire(ctx)
	if err != nil {
		return result, utils.WrapError(utils.ErrCodeReconciliation, "Failed to acquire reconciliation guard", err)
	}
	if lease == nil {
		result.Skipped = true
		p.metricsManager.GetPrometheusMetrics().RecordReconciliationSkipped(string(kind))
		p.statsMu.Lock()
		p.stats.SkippedRuns++
		p.statsMu.Unlock()
		logger.Info("Previous reconciliation still running, skipping")
		return result, nil
	}
	defer lease.Release()

	events, err := p.store.GetUnprocessedEvents(ctx, kind, limit)
	if err != nil {
		return result, err
	}
	result.Fetched = len(events)
	if len(events) == 0 {
		return result, nil
	}

	// A started record runs to completion even if ctx ends mid-batch
	recordCtx := context.WithoutCancel(ctx)
	for _, ev := range events {
		if ctx.Err() != nil {
			logger.WithField("remaining", len(events)-result.Succeeded-result.Failed).
				Info("Reconciliation interrupted, leaving remaining records for the next pass")
			break
		}
		if leaseLost(lease) {
			logger.WithField("remaining", len(events)-result.Succeeded-result.Failed).
				Warn("Reconciliation guard lost, leaving remaining records for the holder")
			break
		}

		procErr := reconcile(recordCtx, ev)
		p.markProcessed(recordCtx, ev, procErr)
		if procErr != nil {
			result.Failed++
		} else {
			result.Succeeded++
		}
	}

	result.Duration = time.Since(start)
	p.metricsManager.GetPrometheusMetrics().RecordReconciliationDuration(string(kind), result.Duration)
	logger.WithFields(logrus.Fields{
		"fetched":   result.Fetched,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"duration":  result.Duration,
	}).Info("Reconciliation batch completed")
	return result, nil
}

func leaseLost(l Lease) bool {
	select {
	case <-l.Lost():
		return true
	default:
		return false
	}
}

func (p *Processor) reconcileRegistration(ctx context.Context, ev *models.PendingEvent) error {
	record := &models.DomainRecord{
		DomainName:           ev.DomainName,
		VerifiedOwnerAddress: ev.RequesterAddress,
		ChainID:              p.chainID,
		ExpirationTimestamp:  p.now().Add(p.opts.DefaultExpiration),
	}
	created, err := p.store.UpsertDomainOwnership(ctx, record)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to upsert domain record", err)
	}
	p.logger.WithFields(logrus.Fields{
		"domain":  ev.DomainName,
		"owner":   ev.RequesterAddress,
		"created": created,
	}).Debug("Domain record upserted")

	if p.registry == nil {
		return utils.NewAppError(utils.ErrCodeConfiguration, "No registry configured for on-chain writes")
	}
	owner := common.HexToAddress(ev.RequesterAddress)
	if err := p.write(ctx, "setDomainOwner", func(ctx context.Context) error {
		return p.registry.SetDomainOwner(ctx, ev.DomainName, owner)
	}); err != nil {
		return err
	}
	return p.write(ctx, "setDomainMintable", func(ctx context.Context) error {
		return p.registry.SetDomainMintable(ctx, ev.DomainName, true)
	})
}

func (p *Processor) reconcileOwnershipUpdate(ctx context.Context, ev *models.PendingEvent) error {
	found, err := p.store.UpdateDomainOwner(ctx, ev.DomainName, ev.RequesterAddress)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update domain owner", err)
	}
	if !found {
		return errDomainNotFound
	}

	if p.registry == nil {
		return utils.NewAppError(utils.ErrCodeConfiguration, "No registry configured for on-chain writes")
	}
	owner := common.HexToAddress(ev.RequesterAddress)
	return p.write(ctx, "setDomainOwner", func(ctx context.Context) error {
		return p.registry.SetDomainOwner(ctx, ev.DomainName, owner)
	})
}

// write runs one confirmed registry write bounded by ConfirmationTimeout.
// Network and timeout failures are retried up to WriteRetries times with
// exponential backoff; anything else fails at once.
func (p *Processor) write(ctx context.Context, method string, call func(context.Context) error) error {
	delay := p.opts.WriteRetryDelay
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := p.confirm(ctx, call)
		if err == nil {
			p.metricsManager.GetPrometheusMetrics().RecordChainWrite(method, "success", time.Since(start))
			return nil
		}
		p.metricsManager.GetPrometheusMetrics().RecordChainWrite(method, "error", time.Since(start))

		if attempt >= p.opts.WriteRetries || !utils.IsNetworkError(err) {
			return utils.WrapError(utils.ErrCodeReconciliation, fmt.Sprintf("%s failed", method), err)
		}

		p.logger.WithError(err).WithFields(logrus.Fields{
			"method":  method,
			"attempt": attempt + 1,
			"delay":   delay,
		}).Warn("Registry write failed, retrying")
		select {
		case <-ctx.Done():
			return utils.WrapError(utils.ErrCodeReconciliation, fmt.Sprintf("%s failed", method), ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (p *Processor) confirm(ctx context.Context, call func(context.Context) error) error {
	if p.opts.ConfirmationTimeout <= 0 {
		return call(ctx)
	}
	wctx, cancel := context.WithTimeout(ctx, p.opts.ConfirmationTimeout)
	defer cancel()

	err := call(wctx)
	if err != nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
		return utils.WrapError(utils.ErrCodeTimeout,
			fmt.Sprintf("Confirmation not received within %s", p.opts.ConfirmationTimeout), err)
	}
	return err
}

// markProcessed closes a record. A failed mark leaves the record for the
// next pass.
func (p *Processor) markProcessed(ctx context.Context, ev *models.PendingEvent, procErr error) {
	logger := p.logger.WithFields(logrus.Fields{
		"kind":    ev.Kind,
		"id":      ev.ID,
		"domain":  ev.DomainName,
		"tx_hash": ev.SourceTxHash,
	})

	var processingError *string
	outcome := "success"
	if procErr != nil {
		msg := procErr.Error()
		processingError = &msg
		outcome = "error"
		logger.WithError(procErr).Warn("Pending event reconciled with error")
	}

	if err := p.store.MarkEventProcessed(ctx, ev.Kind, ev.ID, processingError); err != nil {
		logger.WithError(err).Error("Failed to mark pending event processed")
		p.recordError(err)
		return
	}

	p.metricsManager.GetPrometheusMetrics().RecordReconciled(string(ev.Kind), outcome)
	p.statsMu.Lock()
	if procErr != nil {
		p.stats.Failed++
	} else {
		p.stats.Reconciled++
	}
	p.statsMu.Unlock()
	if procErr == nil {
		logger.Info("Pending event reconciled")
	}
}

func (p *Processor) recordError(err error) {
	msg := err.Error()
	now := p.now()
	p.statsMu.Lock()
	p.stats.LastError = &msg
	p.stats.LastErrorTime = &now
	p.statsMu.Unlock()
}
