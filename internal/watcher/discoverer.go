package watcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/domain-event-pipeline/internal/models"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// Discoverer finds new logs for a watcher. Run blocks until ctx is
// cancelled or the transport fails; it returns an error only for a
// failure the watcher may recover from by restarting.
type Discoverer interface {
	Mode() string
	Run(ctx context.Context) error
}

const (
	ModePolling      = "polling"
	ModeSubscription = "subscription"
)

// PollingDiscoverer scans [watermark+1, height] on a fixed interval
type PollingDiscoverer struct {
	w *Watcher

	last    uint64
	hasLast bool
}

// Mode implements Discoverer
func (p *PollingDiscoverer) Mode() string { return ModePolling }

// Run implements Discoverer
func (p *PollingDiscoverer) Run(ctx context.Context) error {
	w := p.w
	p.loadWatermark(ctx)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.logger.WithField("interval", w.opts.PollInterval).Info("Starting polling loop")
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Polling loop stopped")
			return nil
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.metricsManager.GetPrometheusMetrics().RecordPoll(w.spec.ID, "error")
				w.logger.WithError(err).Warn("Polling tick failed")
				w.report(err, "poll:"+w.spec.ID)
			}
		}
	}
}

// loadWatermark restores the persisted watermark, if any
func (p *PollingDiscoverer) loadWatermark(ctx context.Context) {
	w := p.w
	wm, err := w.store.GetWatermark(ctx, w.gateway.ChainID(), w.spec.ID)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to load watermark, backfilling from chain head")
		return
	}
	if wm != nil {
		p.last = wm.LastProcessedBlock
		p.hasLast = true
		w.logger.WithField("block", p.last).Info("Resuming from persisted watermark")
	}
}

// poll runs one tick: fetch every event kind over the new range, dispatch
// in (block, log index) order, then advance the watermark to the height.
func (p *PollingDiscoverer) poll(ctx context.Context) error {
	w := p.w
	height, err := w.gateway.BlockNumber(ctx)
	if err != nil {
		return err
	}

	var from uint64
	if p.hasLast {
		if height <= p.last {
			w.metricsManager.GetPrometheusMetrics().RecordPoll(w.spec.ID, "skipped")
			return nil
		}
		from = p.last + 1
	} else if height >= w.opts.BackfillBlocks {
		from = height - w.opts.BackfillBlocks
	}

	logs, err := p.fetch(ctx, from, height)
	if err != nil {
		return err
	}

	// Dispatch and the watermark write must complete once started
	dispatchCtx := context.WithoutCancel(ctx)
	for _, log := range logs {
		w.dispatch(dispatchCtx, log)
	}

	p.last = height
	p.hasLast = true
	if err := w.store.SetWatermark(dispatchCtx, &models.Watermark{
		ChainID:            w.gateway.ChainID(),
		ContractID:         w.spec.ID,
		LastProcessedBlock: height,
	}); err != nil {
		w.logger.WithError(err).Error("Failed to persist watermark")
	}

	w.metricsManager.GetPrometheusMetrics().RecordPoll(w.spec.ID, "scanned")
	w.metricsManager.GetPrometheusMetrics().UpdateHighWaterMark(w.spec.ID, height)
	w.logger.WithFields(logrus.Fields{
		"from":   from,
		"to":     height,
		"events": len(logs),
	}).Debug("Scanned block range")
	return nil
}

// fetch queries every event kind concurrently and merges the results
func (p *PollingDiscoverer) fetch(ctx context.Context, from, to uint64) ([]types.Log, error) {
	w := p.w
	address := common.HexToAddress(w.address)
	topics := w.topics()
	results := make([][]types.Log, len(topics))

	g, gctx := errgroup.WithContext(ctx)
	for i, topic := range topics {
		i, topic := i, topic
		g.Go(func() error {
			logs, err := w.gateway.FilterLogs(gctx, address, topic, from, to)
			if err != nil {
				return err
			}
			results[i] = logs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []types.Log
	for _, logs := range results {
		merged = append(merged, logs...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].BlockNumber != merged[j].BlockNumber {
			return merged[i].BlockNumber < merged[j].BlockNumber
		}
		return merged[i].Index < merged[j].Index
	})
	return merged, nil
}

// SubscriptionDiscoverer holds one live subscription per event kind and
// dispatches logs in delivery order
type SubscriptionDiscoverer struct {
	w *Watcher
}

// Mode implements Discoverer
func (s *SubscriptionDiscoverer) Mode() string { return ModeSubscription }

// Run implements Discoverer. A subscription that cannot be established is
// reported; one that fails later ends the run with its error so the
// watcher can resubscribe.
func (s *SubscriptionDiscoverer) Run(ctx context.Context) error {
	w := s.w
	address := common.HexToAddress(w.address)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failure  error
	)
	for topic, bound := range w.events {
		ch := make(chan types.Log, 64)
		sub, err := w.gateway.SubscribeLogs(runCtx, address, topic, ch)
		if err != nil {
			w.logger.WithError(err).WithField("event", bound.event.Name).Error("Failed to subscribe")
			cancel()
			wg.Wait()
			w.report(err, "subscribe:"+w.spec.ID)
			return nil
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sub.Unsubscribe()

			logger := w.logger.WithField("event", name)
			dispatchCtx := context.WithoutCancel(runCtx)
			for {
				select {
				case <-runCtx.Done():
					return
				case err, ok := <-sub.Err():
					if !ok || err == nil {
						return
					}
					logger.WithError(err).Error("Subscription failed")
					failOnce.Do(func() {
						failure = utils.WrapError(utils.ErrCodeConnection, "Log subscription failed", err)
					})
					cancel()
					return
				case log := <-ch:
					w.failures.Store(0)
					w.dispatch(dispatchCtx, log)
				}
			}
		}(bound.event.Name)
	}

	w.logger.WithField("subscriptions", len(w.events)).Info("Subscriptions established")
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return failure
}
