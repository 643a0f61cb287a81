package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/domain-event-pipeline/internal/chain"
	"github.com/smartdevs17/domain-event-pipeline/internal/metrics"
	"github.com/smartdevs17/domain-event-pipeline/internal/storage"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// ErrorReporter receives transport failures the watcher does not retry
// itself; the connection supervisor decides whether to reconnect.
type ErrorReporter func(err error, source string)

// maxLocalRestarts bounds how often a failed subscription is re-established
// without a delivered log before the failure goes to the reporter
const maxLocalRestarts = 3

var errRestartSuperseded = utils.NewAppError(utils.ErrCodeProcessing, "Restart superseded by a newer start or stop")

// Options holds the watcher settings shared by every contract
type Options struct {
	Enabled        bool
	PollInterval   time.Duration
	BackfillBlocks uint64
	SettleDelay    time.Duration
}

// boundEvent ties an ABI event to its handler
type boundEvent struct {
	event   abi.Event
	handler EventHandler
}

// Watcher discovers the events of one contract on one chain and hands
// each to its handler.
type Watcher struct {
	spec    *ContractSpec
	address string
	gateway chain.Gateway
	store   storage.Storage
	opts    Options
	events  map[common.Hash]*boundEvent

	logger         *logrus.Entry
	metricsManager *metrics.Manager

	mu       sync.Mutex
	running  bool
	mode     string
	cancel   context.CancelFunc
	done     chan struct{}
	reporter ErrorReporter

	// parent is the context of the last start; generation changes on every
	// start and stop so a pending restart can tell it was overtaken
	parent     context.Context
	generation uint64
	failures   atomic.Int32
}

// New creates a watcher for spec deployed at address. Handlers naming
// events absent from the ABI are a programming error.
func New(spec *ContractSpec, address string, gateway chain.Gateway, store storage.Storage, opts Options, metricsManager *metrics.Manager) (*Watcher, error) {
	events := make(map[common.Hash]*boundEvent, len(spec.Handlers))
	for name, handler := range spec.Handlers {
		event, ok := spec.ABI.Events[name]
		if !ok {
			return nil, utils.NewAppError(utils.ErrCodeInternal,
				fmt.Sprintf("Contract %s has no event %s", spec.ID, name))
		}
		events[event.ID] = &boundEvent{event: event, handler: handler}
	}

	return &Watcher{
		spec:           spec,
		address:        address,
		gateway:        gateway,
		store:          store,
		opts:           opts,
		events:         events,
		logger:         utils.ComponentLogger("watcher").WithField("contract", spec.ID),
		metricsManager: metricsManager,
	}, nil
}

// ID returns the contract id of the watcher
func (w *Watcher) ID() string {
	return w.spec.ID
}

// SetErrorReporter installs the transport error callback
func (w *Watcher) SetErrorReporter(r ErrorReporter) {
	w.mu.Lock()
	w.reporter = r
	w.mu.Unlock()
}

func (w *Watcher) report(err error, source string) {
	w.mu.Lock()
	r := w.reporter
	w.mu.Unlock()
	if r != nil {
		r(err, source)
	}
}

// Start validates the configuration and starts discovery in the mode the
// chain supports. Configuration problems return a CONFIGURATION_ERROR.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures.Store(0)
	return w.startLocked(ctx)
}

func (w *Watcher) startLocked(ctx context.Context) error {
	if w.running {
		w.logger.Debug("Watcher already running")
		return nil
	}
	if !w.opts.Enabled {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Event watching is disabled", w.spec.ID)
	}
	if w.address == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration,
			fmt.Sprintf("No %s address configured for chain %d", w.spec.ID, w.gateway.ChainID()))
	}
	if !common.IsHexAddress(w.address) {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Invalid contract address", w.address)
	}

	discoverer, err := w.newDiscoverer()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.running = true
	w.mode = discoverer.Mode()
	w.parent = ctx
	w.generation++

	go func() {
		defer close(done)
		err := discoverer.Run(runCtx)
		if gen, ended := w.exited(done); ended && err != nil {
			go w.recoverRun(gen, err)
		}
	}()

	w.metricsManager.GetPrometheusMetrics().UpdateWatcherRunning(w.spec.ID, true)
	w.logger.WithFields(logrus.Fields{
		"mode":     w.mode,
		"address":  w.address,
		"chain_id": w.gateway.ChainID(),
	}).Info("Watcher started")
	return nil
}

// newDiscoverer picks subscription mode when the chain can push logs,
// else polling mode
func (w *Watcher) newDiscoverer() (Discoverer, error) {
	caps := w.gateway.Capabilities()
	switch {
	case caps.Has(chain.CapSubscription):
		return &SubscriptionDiscoverer{w: w}, nil
	case caps.Has(chain.CapLogQuery):
		return &PollingDiscoverer{w: w}, nil
	default:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration,
			fmt.Sprintf("Chain %d supports neither log subscriptions nor log queries", w.gateway.ChainID()))
	}
}

// exited clears the running flag when discovery ends on its own (a
// transport failure) rather than through Stop. It returns the generation
// of the ended run and whether this call ended it.
func (w *Watcher) exited(done chan struct{}) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != done || !w.running {
		return 0, false
	}
	w.running = false
	w.cancel()
	w.metricsManager.GetPrometheusMetrics().UpdateWatcherRunning(w.spec.ID, false)
	w.logger.Warn("Watcher discovery ended unexpectedly")
	return w.generation, true
}

// recoverRun restarts a run that ended with a recoverable failure. The
// reporter sees cause only when the restart fails or the failure keeps
// coming back before any log is delivered.
func (w *Watcher) recoverRun(gen uint64, cause error) {
	source := "subscription:" + w.spec.ID
	if n := w.failures.Add(1); n > maxLocalRestarts {
		w.failures.Store(0)
		w.logger.WithField("restarts", maxLocalRestarts).Error("Subscription keeps failing, escalating")
		w.report(cause, source)
		return
	}

	w.mu.Lock()
	parent := w.parent
	w.mu.Unlock()

	w.logger.WithError(cause).Warn("Restarting watcher after subscription failure")
	err := w.restartFrom(parent, gen)
	switch {
	case err == nil:
	case errors.Is(err, errRestartSuperseded), parent.Err() != nil:
		w.logger.WithError(err).Debug("Watcher restart abandoned")
	default:
		w.logger.WithError(err).Error("Watcher restart failed")
		w.report(cause, source)
	}
}

// restartFrom waits the settle delay and starts again, unless a start or
// stop happened after generation gen
func (w *Watcher) restartFrom(ctx context.Context, gen uint64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.opts.SettleDelay):
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.generation != gen || w.running {
		return errRestartSuperseded
	}
	return w.startLocked(ctx)
}

// Stop cancels discovery and waits for in-flight dispatch to finish.
// Calling it on a stopped watcher is a no-op.
func (w *Watcher) Stop() {
	w.stop()
}

// stop returns the generation it moved to
func (w *Watcher) stop() uint64 {
	w.mu.Lock()
	w.generation++
	gen := w.generation
	if !w.running {
		w.mu.Unlock()
		w.logger.Debug("Watcher not running, nothing to stop")
		return gen
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.metricsManager.GetPrometheusMetrics().UpdateWatcherRunning(w.spec.ID, false)
	w.logger.Info("Watcher stopped")
	return gen
}

// Restart stops, waits the settle delay and starts again in the mode the
// chain supports. A Start or Stop during the delay wins over the restart.
func (w *Watcher) Restart(ctx context.Context) error {
	gen := w.stop()
	w.failures.Store(0)
	return w.restartFrom(ctx, gen)
}

// IsRunning returns whether the watcher is running
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Mode returns the discovery mode of the current or last run
func (w *Watcher) Mode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// topics returns the signature topics of every handled event
func (w *Watcher) topics() []common.Hash {
	topics := make([]common.Hash, 0, len(w.events))
	for topic := range w.events {
		topics = append(topics, topic)
	}
	return topics
}

// dispatch hands one log to its handler. Handler errors and panics are
// logged and counted, never propagated.
func (w *Watcher) dispatch(ctx context.Context, log types.Log) {
	if log.Removed {
		w.logger.WithField("tx_hash", log.TxHash.Hex()).Debug("Ignoring log removed by reorg")
		return
	}
	if len(log.Topics) == 0 {
		return
	}
	bound, ok := w.events[log.Topics[0]]
	if !ok {
		w.logger.WithField("topic", log.Topics[0].Hex()).Debug("Ignoring log with unknown topic")
		return
	}

	status := "success"
	if err := w.safeHandle(ctx, bound, log); err != nil {
		status = "error"
		entry := w.logger.WithError(err).WithFields(logrus.Fields{
			"event":     bound.event.Name,
			"tx_hash":   log.TxHash.Hex(),
			"block":     log.BlockNumber,
			"log_index": log.Index,
		})
		var appErr *utils.AppError
		if errors.As(err, &appErr) && appErr.StackTrace != "" {
			entry = entry.WithField("stack_trace", appErr.StackTrace)
		}
		entry.Error("Event handler failed")
	}
	w.metricsManager.GetPrometheusMetrics().RecordEventDispatched(w.spec.ID, bound.event.Name, status)
}

func (w *Watcher) safeHandle(ctx context.Context, bound *boundEvent, log types.Log) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = utils.NewAppError(utils.ErrCodeHandler, "Event handler panicked", fmt.Sprint(r)).WithStackTrace()
		}
	}()

	decoded, err := decodeLog(w.spec.ID, bound.event, log)
	if err != nil {
		return utils.WrapError(utils.ErrCodeHandler, "Failed to decode log", err)
	}
	return bound.handler(ctx, decoded)
}
