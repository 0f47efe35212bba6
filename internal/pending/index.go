// Package pending implements C4, the in-memory Pending Index: a map from
// block number to an insertion-ordered list of Transfer, single-writer
// under the Head Loop / Confirmation Tracker.
package pending

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
)

// entry pairs a Transfer with the time it was inserted, for age eviction.
type entry struct {
	transfer *chain.Transfer
	insertAt time.Time
}

// Index is the Pending Index (PendingBucket). It holds no durability of its
// own; it may be rebuilt from the Outbox Store via Warm.
type Index struct {
	mu      sync.Mutex
	buckets map[uint64][]entry
}

func New() *Index {
	return &Index{buckets: make(map[uint64][]entry)}
}

// Insert appends t to its block's bucket, preserving insertion order.
func (idx *Index) Insert(t *chain.Transfer) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.buckets[t.BlockNumber] = append(idx.buckets[t.BlockNumber], entry{transfer: t, insertAt: time.Now()})
}

// RemoveBlock drops every transfer pending under block number n.
func (idx *Index) RemoveBlock(n uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.buckets, n)
}

// Len returns the total number of pending transfers across all blocks.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	total := 0
	for _, list := range idx.buckets {
		total += len(list)
	}
	return total
}

// BlockSnapshot is one block's pending transfers, captured at a point in
// time for the Confirmation Tracker to iterate without holding the Index
// lock across RPC calls.
type BlockSnapshot struct {
	BlockNumber uint64
	Transfers   []*chain.Transfer
}

// Snapshot returns every bucket in ascending block-number order, each with
// its transfers in original insertion order, so callers get a deterministic
// processing order.
func (idx *Index) Snapshot() []BlockSnapshot {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	nums := make([]uint64, 0, len(idx.buckets))
	for n := range idx.buckets {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	out := make([]BlockSnapshot, 0, len(nums))
	for _, n := range nums {
		list := idx.buckets[n]
		transfers := make([]*chain.Transfer, len(list))
		for i, e := range list {
			transfers[i] = e.transfer
		}
		out = append(out, BlockSnapshot{BlockNumber: n, Transfers: transfers})
	}
	return out
}

// ByType returns the number of pending transfers grouped by asset symbol.
func (idx *Index) ByType() map[string]int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[string]int)
	for _, list := range idx.buckets {
		for _, e := range list {
			out[e.transfer.AssetSymbol]++
		}
	}
	return out
}

// ByBlock returns the number of pending transfers per block number.
func (idx *Index) ByBlock() map[uint64]int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[uint64]int, len(idx.buckets))
	for n, list := range idx.buckets {
		out[n] = len(list)
	}
	return out
}

// PurgeOlderThan evicts any transfer whose insertion time exceeds age,
// returning the evicted transfers so the caller can emit the warning
// counter and leave the underlying DepositRecord for manual reconciliation.
func (idx *Index) PurgeOlderThan(age time.Duration) []*chain.Transfer {
	cutoff := time.Now().Add(-age)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var evicted []*chain.Transfer
	for n, list := range idx.buckets {
		kept := list[:0:0]
		for _, e := range list {
			if e.insertAt.Before(cutoff) {
				evicted = append(evicted, e.transfer)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(idx.buckets, n)
		} else {
			idx.buckets[n] = kept
		}
	}
	return evicted
}

// PendingReader is the subset of the Outbox Store Warm needs, kept narrow so
// this package does not import gorm or any SQL driver.
type PendingReader interface {
	ListPending(ctx context.Context) ([]*chain.Transfer, error)
}

// Warm rebuilds the index from durable pending DepositRecords on startup by
// reading every DepositRecord row where status = pending.
func (idx *Index) Warm(ctx context.Context, store PendingReader) error {
	transfers, err := store.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, t := range transfers {
		idx.Insert(t)
	}
	return nil
}
