// Package confirmation implements C5, the Confirmation Tracker: on every
// Head Loop tick it walks the Pending Index in ascending block order and
// decides, per pending Transfer, whether it has reached the configured
// confirmation depth, is still waiting, or has stayed pending longer than
// the configured StaleAfter age.
//
// It is grounded on original_source/evm_transfer_monitor/managers/
// confirmation_manager.py's ConfirmationManager: a pending_by_block map
// walked on a timer, with a running set of stats counters
// (confirmed_transactions, timeout_transactions) that this port keeps as
// plain int64 fields rather than a notification-service side-channel — here
// delivery is the Webhook Dispatcher's job (C7), not this component's.
package confirmation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/klog"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/pending"
)

// Store is the subset of the Outbox Store the tracker needs.
type Store interface {
	MarkConfirmed(ctx context.Context, txHash string, confirmations int) error
}

// Tracker is C5.
type Tracker struct {
	required   int
	staleAfter time.Duration
	index      *pending.Index
	store      Store
	log        *klog.Logger

	confirmed int64
	timedOut  int64
	reorgs    int64
}

// Options configures a Tracker.
type Options struct {
	RequiredConfirmations int           // K, per chain config
	StaleAfter            time.Duration // age at which a still-pending entry is abandoned
}

func New(index *pending.Index, store Store, opts Options) *Tracker {
	if opts.RequiredConfirmations <= 0 {
		opts.RequiredConfirmations = 1
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	return &Tracker{
		required:   opts.RequiredConfirmations,
		staleAfter: opts.StaleAfter,
		index:      index,
		store:      store,
		log:        klog.New(klog.ModuleConfirmation),
	}
}

// Tick processes one pass over the Pending Index snapshot, in deterministic
// ascending-block/insertion order. head is the chain head as most recently
// observed by the RPC Gateway.
//
// conf = head - block_number + 1. conf >= required promotes the entry to
// confirmed and removes it from the index. conf <= 0 means the observed
// head has retreated behind the block the transfer was found in (a
// possible reorg); this is only ever logged as a warning, never a reason to
// drop the bucket — a transient head retreat must not permanently lose a
// still-pending transfer. The bucket stays in the index so a later tick can
// either confirm it once the head recovers, or age-evict it via
// PurgeOlderThan if it never does.
func (c *Tracker) Tick(ctx context.Context, head uint64) error {
	for _, bucket := range c.index.Snapshot() {
		conf := confirmationsFor(head, bucket.BlockNumber)

		if conf <= 0 {
			atomic.AddInt64(&c.reorgs, int64(len(bucket.Transfers)))
			c.log.Warn("possible reorg: pending block not ahead of head, leaving pending",
				"block", bucket.BlockNumber, "head", head, "count", len(bucket.Transfers))
			continue
		}

		if conf < int64(c.required) {
			continue // still waiting; leave bucket in place for the next tick
		}

		for _, t := range bucket.Transfers {
			if err := c.store.MarkConfirmed(ctx, t.TxHash, int(conf)); err != nil {
				c.log.Error("mark confirmed failed", "tx_hash", t.TxHash, "err", err)
				continue
			}
			atomic.AddInt64(&c.confirmed, 1)
		}
		c.index.RemoveBlock(bucket.BlockNumber)
	}

	for _, t := range c.index.PurgeOlderThan(c.staleAfter) {
		atomic.AddInt64(&c.timedOut, 1)
		c.log.Warn("pending transfer exceeded stale age without reaching required confirmations",
			"tx_hash", t.TxHash, "block", t.BlockNumber, "age", c.staleAfter)
	}
	return nil
}

// confirmationsFor computes conf = head - blockNumber + 1 without
// underflowing when head < blockNumber (possible immediately after a reorg
// reduces the observed head).
func confirmationsFor(head, blockNumber uint64) int64 {
	return int64(head) - int64(blockNumber) + 1
}

// Stats is a point-in-time snapshot of the tracker's counters, exposed to
// C10 (Stats/Metrics).
type Stats struct {
	Confirmed int64
	TimedOut  int64
	Reorged   int64
}

func (c *Tracker) Stats() Stats {
	return Stats{
		Confirmed: atomic.LoadInt64(&c.confirmed),
		TimedOut:  atomic.LoadInt64(&c.timedOut),
		Reorged:   atomic.LoadInt64(&c.reorgs),
	}
}
