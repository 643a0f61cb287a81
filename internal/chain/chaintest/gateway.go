// Package chaintest provides an in-memory chain.Gateway for tests.
package chaintest

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartdevs17/domain-event-pipeline/internal/chain"
)

// FilterCall records one FilterLogs invocation
type FilterCall struct {
	Address   common.Address
	Topic     common.Hash
	FromBlock uint64
	ToBlock   uint64
}

// SentTx records one SendTransaction invocation
type SentTx struct {
	Address common.Address
	Method  string
	Args    []interface{}
}

// Gateway is a scriptable fake chain
type Gateway struct {
	mu sync.Mutex

	id     uint64
	caps   chain.Capability
	height uint64
	logs   []types.Log

	blockErr    error
	filterErr   error
	subErr      error
	callResults map[string][]interface{}
	callErr     error
	sendErrs    map[string]error
	receiptErr  error
	hangReceipt bool

	filterCalls []FilterCall
	sent        []SentTx
	subs        []*Subscription
	nonce       uint64
	closed      bool
}

// NewGateway creates a fake for chainID with the given capabilities
func NewGateway(chainID uint64, caps chain.Capability) *Gateway {
	return &Gateway{
		id:          chainID,
		caps:        caps,
		callResults: make(map[string][]interface{}),
		sendErrs:    make(map[string]error),
	}
}

func (g *Gateway) ChainID() uint64 { return g.id }

func (g *Gateway) Capabilities() chain.Capability { return g.caps }

// SetHeight sets the block height BlockNumber reports
func (g *Gateway) SetHeight(h uint64) {
	g.mu.Lock()
	g.height = h
	g.mu.Unlock()
}

// AddLogs makes logs visible to FilterLogs
func (g *Gateway) AddLogs(logs ...types.Log) {
	g.mu.Lock()
	g.logs = append(g.logs, logs...)
	g.mu.Unlock()
}

// FailBlockNumber makes BlockNumber return err (nil clears)
func (g *Gateway) FailBlockNumber(err error) {
	g.mu.Lock()
	g.blockErr = err
	g.mu.Unlock()
}

// FailFilterLogs makes FilterLogs return err (nil clears)
func (g *Gateway) FailFilterLogs(err error) {
	g.mu.Lock()
	g.filterErr = err
	g.mu.Unlock()
}

// FailSubscribe makes SubscribeLogs return err (nil clears)
func (g *Gateway) FailSubscribe(err error) {
	g.mu.Lock()
	g.subErr = err
	g.mu.Unlock()
}

// SetCallResult scripts the outputs of a read call
func (g *Gateway) SetCallResult(method string, out ...interface{}) {
	g.mu.Lock()
	g.callResults[method] = out
	g.mu.Unlock()
}

// FailCall makes every CallContract return err (nil clears)
func (g *Gateway) FailCall(err error) {
	g.mu.Lock()
	g.callErr = err
	g.mu.Unlock()
}

// FailSend makes SendTransaction for method return err (nil clears)
func (g *Gateway) FailSend(method string, err error) {
	g.mu.Lock()
	if err == nil {
		delete(g.sendErrs, method)
	} else {
		g.sendErrs[method] = err
	}
	g.mu.Unlock()
}

// FailReceipt makes WaitForReceipt return err (nil clears)
func (g *Gateway) FailReceipt(err error) {
	g.mu.Lock()
	g.receiptErr = err
	g.mu.Unlock()
}

// HangReceipts makes WaitForReceipt block until its context ends
func (g *Gateway) HangReceipts(hang bool) {
	g.mu.Lock()
	g.hangReceipt = hang
	g.mu.Unlock()
}

// FilterCalls returns the recorded FilterLogs calls
func (g *Gateway) FilterCalls() []FilterCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]FilterCall(nil), g.filterCalls...)
}

// Sent returns the recorded writes that were accepted
func (g *Gateway) Sent() []SentTx {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SentTx(nil), g.sent...)
}

// SentMethods returns the method names of the accepted writes, in order
func (g *Gateway) SentMethods() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	methods := make([]string, 0, len(g.sent))
	for _, s := range g.sent {
		methods = append(methods, s.Method)
	}
	return methods
}

// ActiveSubscriptions counts subscriptions not yet unsubscribed
func (g *Gateway) ActiveSubscriptions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.subs {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

// Emit pushes a log to every live subscription matching its address and topic
func (g *Gateway) Emit(log types.Log) {
	g.mu.Lock()
	subs := append([]*Subscription(nil), g.subs...)
	g.mu.Unlock()

	for _, s := range subs {
		if s.matches(log) {
			s.deliver(log)
		}
	}
}

// BreakSubscriptions fails every live subscription with err
func (g *Gateway) BreakSubscriptions(err error) {
	g.mu.Lock()
	subs := append([]*Subscription(nil), g.subs...)
	g.mu.Unlock()

	for _, s := range subs {
		s.fail(err)
	}
}

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blockErr != nil {
		return 0, g.blockErr
	}
	return g.height, nil
}

func (g *Gateway) FilterLogs(ctx context.Context, address common.Address, topic common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.filterCalls = append(g.filterCalls, FilterCall{Address: address, Topic: topic, FromBlock: fromBlock, ToBlock: toBlock})
	if g.filterErr != nil {
		return nil, g.filterErr
	}

	var out []types.Log
	for _, l := range g.logs {
		if l.Address != address || len(l.Topics) == 0 || l.Topics[0] != topic {
			continue
		}
		if l.BlockNumber < fromBlock || l.BlockNumber > toBlock {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (g *Gateway) SubscribeLogs(ctx context.Context, address common.Address, topic common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subErr != nil {
		return nil, g.subErr
	}
	sub := &Subscription{
		address: address,
		topic:   topic,
		ch:      ch,
		errCh:   make(chan error, 1),
		quit:    make(chan struct{}),
	}
	g.subs = append(g.subs, sub)
	return sub, nil
}

func (g *Gateway) CallContract(ctx context.Context, address common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	if _, err := contractABI.Pack(method, args...); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.callErr != nil {
		return nil, g.callErr
	}
	out, ok := g.callResults[method]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (g *Gateway) SendTransaction(ctx context.Context, address common.Address, contractABI abi.ABI, method string, args ...interface{}) (*types.Transaction, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.sendErrs[method]; err != nil {
		return nil, err
	}
	g.sent = append(g.sent, SentTx{Address: address, Method: method, Args: args})
	g.nonce++
	return types.NewTx(&types.LegacyTx{Nonce: g.nonce, To: &address, Data: data}), nil
}

func (g *Gateway) WaitForReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	g.mu.Lock()
	hang, err := g.hangReceipt, g.receiptErr
	g.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}, nil
}

func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Closed reports whether Close was called
func (g *Gateway) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Subscription is a fake ethereum.Subscription
type Subscription struct {
	address common.Address
	topic   common.Hash
	ch      chan<- types.Log
	errCh   chan error

	mu     sync.Mutex
	quit   chan struct{}
	closed bool
}

func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.quit)
		close(s.errCh)
	}
}

func (s *Subscription) Err() <-chan error { return s.errCh }

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) matches(log types.Log) bool {
	return log.Address == s.address && len(log.Topics) > 0 && log.Topics[0] == s.topic
}

func (s *Subscription) deliver(log types.Log) {
	select {
	case s.ch <- log:
	case <-s.quit:
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.quit)
	s.errCh <- err
	close(s.errCh)
}
