package confirmation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/pending"
)

type fakeStore struct {
	confirmed map[string]int
}

func newFakeStore() *fakeStore { return &fakeStore{confirmed: make(map[string]int)} }

func (f *fakeStore) MarkConfirmed(ctx context.Context, txHash string, confirmations int) error {
	f.confirmed[txHash] = confirmations
	return nil
}

func TestTickConfirmsAtRequiredDepth(t *testing.T) {
	idx := pending.New()
	idx.Insert(&chain.Transfer{TxHash: "t1", BlockNumber: 100})
	store := newFakeStore()
	tr := New(idx, store, Options{RequiredConfirmations: 3})

	// head=101 -> conf=2, not yet confirmed
	require.NoError(t, tr.Tick(context.Background(), 101))
	assert.Equal(t, 1, idx.Len(), "still pending below required depth")
	assert.Empty(t, store.confirmed)

	// head=102 -> conf=3, confirms
	require.NoError(t, tr.Tick(context.Background(), 102))
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, 3, store.confirmed["t1"])
	assert.Equal(t, int64(1), tr.Stats().Confirmed)
}

func TestTickNeverConfirmsBelowRequiredDepth(t *testing.T) {
	idx := pending.New()
	idx.Insert(&chain.Transfer{TxHash: "t1", BlockNumber: 100})
	store := newFakeStore()
	tr := New(idx, store, Options{RequiredConfirmations: 12})

	for head := uint64(100); head < 111; head++ {
		require.NoError(t, tr.Tick(context.Background(), head))
		assert.Empty(t, store.confirmed, "must not confirm before reaching required depth")
	}
}

func TestTickLeavesPossibleReorgPending(t *testing.T) {
	idx := pending.New()
	idx.Insert(&chain.Transfer{TxHash: "t1", BlockNumber: 100})
	store := newFakeStore()
	tr := New(idx, store, Options{RequiredConfirmations: 3})

	// head regresses below the transfer's block: conf <= 0. This must only
	// warn, never evict — the bucket stays pending so a recovering head can
	// still confirm it later.
	require.NoError(t, tr.Tick(context.Background(), 99))
	assert.Equal(t, 1, idx.Len(), "must not drop a pending block on a transient head retreat")
	assert.Empty(t, store.confirmed)
	assert.Equal(t, int64(1), tr.Stats().Reorged)

	// head recovers past the required depth: the bucket that survived now
	// confirms normally.
	require.NoError(t, tr.Tick(context.Background(), 102))
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, 3, store.confirmed["t1"])
}

func TestTickPurgesStaleEntries(t *testing.T) {
	idx := pending.New()
	idx.Insert(&chain.Transfer{TxHash: "t1", BlockNumber: 100})
	store := newFakeStore()
	tr := New(idx, store, Options{RequiredConfirmations: 100, StaleAfter: time.Millisecond})

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, tr.Tick(context.Background(), 100))
	assert.Equal(t, int64(1), tr.Stats().TimedOut)
	assert.Equal(t, 0, idx.Len())
}
