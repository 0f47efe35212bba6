package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	r := New("testchain")
	r.IncTxAccepted("ETH")
	r.IncTxAccepted("ETH")
	r.IncTxAccepted("USDT")
	r.IncBlocksProcessed()
	r.IncRPCCall("head")

	assert.Equal(t, int64(2), r.counterFor(r.txAccepted, "ETH").Count())
	assert.Equal(t, int64(1), r.counterFor(r.txAccepted, "USDT").Count())
	assert.Equal(t, int64(1), r.blocksProcessed.Count())
	assert.Equal(t, int64(1), r.counterFor(r.rpcCalls, "head").Count())
}

func TestLogReportDoesNotPanicOnEmptyRegistry(t *testing.T) {
	r := New("testchain")
	assert.NotPanics(t, r.LogReport)
}
