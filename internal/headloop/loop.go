// Package headloop implements C9, the Head Loop: the explicit per-chain
// state machine that drives every other component of a core through one
// tailing cycle after another.
//
// The one-goroutine-per-chain-service shape with a typed state field and a
// stop channel drained to completion rather than abandoned mid-block
// mirrors datasync/chaindatafetcher.ChainDataFetcher's Start/Stop pair:
// Stop() there closes stopCh then calls wg.Wait() so every handleRequest()
// goroutine finishes its current unit of work first. Loop applies the same
// discipline to a single block instead of a pool of request handlers —
// Stop signals the loop, and it finishes the current block before
// returning.
package headloop

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/confirmation"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/decoder"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/klog"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/pending"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/policy"
)

// State is the Head Loop's explicit state machine position:
//
//	S_init -> (test_connection ok) -> S_catchup -> S_tailing
//	                        \ (err) -> S_init (after backoff)
//	S_tailing -> (shutdown) -> S_draining -> S_exit
type State int

const (
	StateInit State = iota
	StateCatchup
	StateTailing
	StateDraining
	StateExit
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCatchup:
		return "catchup"
	case StateTailing:
		return "tailing"
	case StateDraining:
		return "draining"
	case StateExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Gateway is the subset of the RPC Gateway the loop depends on.
type Gateway interface {
	Head(ctx context.Context) (uint64, error)
	Block(ctx context.Context, n uint64) (*Block, error)
}

// Block mirrors rpcgateway.Block's shape without importing that package
// directly, so Gateway can be satisfied by a test double without pulling in
// the go-ethereum RPC client. core.go supplies an adapter over the real
// *rpcgateway.Gateway.
type Block struct {
	Number       uint64
	Transactions []chain.RawTx
}

// OutboxStore is the subset of the Outbox Store the loop writes through.
type OutboxStore interface {
	UpsertPending(ctx context.Context, t *chain.Transfer) (*chain.DepositRecord, error)
}

// Options configures a Loop. Handing a confirmed deposit off to the
// Webhook Dispatcher is not this loop's concern: core.go runs a separate
// poller over Store.ListConfirmedAwaitingNotification, decoupling C9's
// per-block cadence from C7's delivery cadence.
type Options struct {
	Config           *chain.Config
	Gateway          Gateway
	PolicyHolder     *policy.Holder
	Index            *pending.Index
	Store            OutboxStore
	Tracker          *confirmation.Tracker
	StatsLogInterval time.Duration // default 300s
	OnStatsTick      func()
}

// Loop is C9.
type Loop struct {
	opts  Options
	log   *klog.Logger
	state State

	stopCh chan struct{}
	doneCh chan struct{}

	last      uint64
	lastStats time.Time
}

func New(opts Options) *Loop {
	if opts.StatsLogInterval <= 0 {
		opts.StatsLogInterval = 300 * time.Second
	}
	return &Loop{
		opts:   opts,
		log:    klog.New(klog.ModuleHeadLoop),
		state:  StateInit,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// State returns the loop's current position in the state machine.
func (l *Loop) State() State { return l.state }

// Run drives the state machine to completion. It blocks until Stop is
// called or the loop reaches S_exit on its own (it never does, absent
// Stop, by design — a chain core runs until told to shut down).
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)

	var backoff time.Duration
	for {
		select {
		case <-l.stopCh:
			l.drain(ctx)
			l.state = StateExit
			return
		default:
		}

		switch l.state {
		case StateInit:
			if _, err := l.opts.Gateway.Head(ctx); err != nil {
				if backoff == 0 {
					backoff = time.Second
				}
				l.log.Warn("connection test failed, retrying", "backoff", backoff, "err", err)
				if !l.sleepOrStop(backoff) {
					l.state = StateExit
					return
				}
				backoff *= 2
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				continue
			}
			backoff = 0
			head, err := l.opts.Gateway.Head(ctx)
			if err != nil {
				continue
			}
			l.last = head
			l.state = StateCatchup

		case StateCatchup, StateTailing:
			l.tick(ctx)
			// Catchup and Tailing run the identical tick; the state moves to
			// Tailing after the first tick, whether or not that tick closed
			// the gap to the current head.
			l.state = StateTailing

		case StateDraining, StateExit:
			return
		}
	}
}

func (l *Loop) sleepOrStop(d time.Duration) bool {
	select {
	case <-l.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// Stop requests shutdown. It does not block; callers await Done().
func (l *Loop) Stop() { close(l.stopCh) }

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.doneCh }

// tick runs one full iteration: fetch every block after last up to the
// current head, decode and classify their transactions, advance the confirmation tracker, purge stale pending
// entries, and pace the cycle to the chain's block time.
func (l *Loop) tick(ctx context.Context) {
	start := time.Now()

	cur, err := l.opts.Gateway.Head(ctx)
	if err != nil {
		l.log.Warn("head lookup failed this tick", "err", err)
		l.pace(start)
		return
	}

	pol := l.opts.PolicyHolder.Load()
	for n := l.last + 1; n <= cur; n++ {
		block, err := l.opts.Gateway.Block(ctx, n)
		if err != nil {
			if errors.Is(err, chain.ErrBlockNotFound) {
				break // do not advance last past a block that does not exist yet
			}
			l.log.Warn("block fetch failed, will retry next tick", "block", n, "err", err)
			break
		}

		for _, tx := range block.Transactions {
			transfer, err := decoder.Decode(tx, l.opts.Config)
			if err != nil {
				continue // malformed/unknown/self-transfer: silently dropped
			}
			transfer.Fee = computeFee(tx.Gas, transfer.GasPrice)
			if !pol.Accept(transfer) {
				continue
			}
			if _, err := l.opts.Store.UpsertPending(ctx, transfer); err != nil {
				l.log.Error("upsert pending failed", "tx_hash", transfer.TxHash, "err", err)
				continue
			}
			l.opts.Index.Insert(transfer)
		}
		l.last = n
	}

	// Tracker.Tick already purges stale pending entries against its own
	// configured StaleAfter (the transaction_timeout setting); a second,
	// independently-timed purge here would just race the same eviction
	// against a different, hardcoded threshold.
	if err := l.opts.Tracker.Tick(ctx, cur); err != nil {
		l.log.Error("confirmation tick failed", "err", err)
	}

	now := time.Now()
	if now.Sub(l.lastStats) > l.opts.StatsLogInterval {
		if l.opts.OnStatsTick != nil {
			l.opts.OnStatsTick()
		}
		l.lastStats = now
	}

	l.pace(start)
}

// pace sleeps to target a ~1s cycle, warning instead
// of sleeping 0 when a cycle overruns the configured block time.
func (l *Loop) pace(start time.Time) {
	elapsed := time.Since(start)
	blockTime := l.opts.Config.BlockTime
	if blockTime <= 0 {
		blockTime = time.Second
	}
	if elapsed > blockTime {
		l.log.Warn("head loop cycle exceeded block time", "elapsed", elapsed, "block_time", blockTime)
		l.sleepOrStop(100 * time.Millisecond)
		return
	}
	remaining := time.Second - elapsed
	if remaining < 100*time.Millisecond {
		remaining = 100 * time.Millisecond
	}
	l.sleepOrStop(remaining)
}

// drain runs the Confirmation Tracker once more so near-confirmed transfers
// are not lost on shutdown.
func (l *Loop) drain(ctx context.Context) {
	l.state = StateDraining
	head, err := l.opts.Gateway.Head(ctx)
	if err != nil {
		l.log.Warn("drain: head lookup failed", "err", err)
		return
	}
	if err := l.opts.Tracker.Tick(ctx, head); err != nil {
		l.log.Error("drain: confirmation tick failed", "err", err)
	}
}

// computeFee returns gasUsed * gasPrice as a decimal-wei string, the
// transaction_fee column's source value.
func computeFee(gasUsed uint64, gasPriceDecimal string) string {
	gp, ok := new(big.Int).SetString(gasPriceDecimal, 10)
	if !ok {
		return "0"
	}
	fee := new(big.Int).Mul(gp, new(big.Int).SetUint64(gasUsed))
	return fee.String()
}
