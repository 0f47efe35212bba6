package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
)

func TestSnapshotOrdering(t *testing.T) {
	idx := New()
	idx.Insert(&chain.Transfer{TxHash: "b101-1", BlockNumber: 101})
	idx.Insert(&chain.Transfer{TxHash: "b100-1", BlockNumber: 100})
	idx.Insert(&chain.Transfer{TxHash: "b100-2", BlockNumber: 100})

	snap := idx.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint64(100), snap[0].BlockNumber)
	assert.Equal(t, uint64(101), snap[1].BlockNumber)
	require.Len(t, snap[0].Transfers, 2)
	assert.Equal(t, "b100-1", snap[0].Transfers[0].TxHash)
	assert.Equal(t, "b100-2", snap[0].Transfers[1].TxHash)
}

func TestRemoveBlock(t *testing.T) {
	idx := New()
	idx.Insert(&chain.Transfer{TxHash: "a", BlockNumber: 5})
	idx.RemoveBlock(5)
	assert.Equal(t, 0, idx.Len())
}

func TestPurgeOlderThan(t *testing.T) {
	idx := New()
	idx.Insert(&chain.Transfer{TxHash: "old", BlockNumber: 1})
	time.Sleep(5 * time.Millisecond)
	evicted := idx.PurgeOlderThan(1 * time.Millisecond)
	require.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0].TxHash)
	assert.Equal(t, 0, idx.Len())
}
