package rpcgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
)

type jsonrpcReq struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []interface{}   `json:"params"`
}

// fakeNode serves a minimal JSON-RPC surface covering the three methods C1
// is allowed to call, backed by an in-memory block map.
func fakeNode(t *testing.T, blocks map[uint64]*rpcBlock, head *uint64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "eth_blockNumber":
			resp["result"] = encodeUint64(*head)
		case "eth_gasPrice":
			resp["result"] = "0x3b9aca00"
		case "eth_getBlockByNumber":
			n, _ := decodeUint64(req.Params[0].(string))
			if b, ok := blocks[n]; ok {
				resp["result"] = b
			} else {
				resp["result"] = nil
			}
		default:
			resp["error"] = map[string]interface{}{"code": -32601, "message": "unsupported"}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestHeadCaching(t *testing.T) {
	head := uint64(100)
	srv := fakeNode(t, nil, &head)
	defer srv.Close()

	gw, err := New(Options{RPCURL: srv.URL, CacheTTL: 50 * time.Millisecond})
	require.NoError(t, err)

	n, err := gw.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n)

	head = 200 // upstream advances, but cache should still serve 100
	n, err = gw.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n, "cached head should not reflect the new upstream value yet")

	time.Sleep(60 * time.Millisecond)
	n, err = gw.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(200), n)

	hits, misses := gw.CacheStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestBlockNotFound(t *testing.T) {
	head := uint64(10)
	srv := fakeNode(t, map[uint64]*rpcBlock{}, &head)
	defer srv.Close()

	gw, err := New(Options{RPCURL: srv.URL})
	require.NoError(t, err)

	_, err = gw.Block(context.Background(), 999)
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrBlockNotFound)
}

func TestBlockDecode(t *testing.T) {
	head := uint64(10)
	to := "0xbb00000000000000000000000000000000000b"
	blocks := map[uint64]*rpcBlock{
		100: {
			Number: "0x64",
			Hash:   "0xblockhash100",
			Transactions: []rpcTx{
				{
					Hash:     "0xtxhash1",
					From:     "0xaa00000000000000000000000000000000000a",
					To:       &to,
					Value:    "0x1bc16d674ec80000", // 2e18
					Gas:      "0x5208",
					GasPrice: "0x3b9aca00",
					Input:    "0x",
				},
			},
		},
	}
	srv := fakeNode(t, blocks, &head)
	defer srv.Close()

	gw, err := New(Options{RPCURL: srv.URL})
	require.NoError(t, err)

	b, err := gw.Block(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), b.Number)
	require.Len(t, b.Transactions, 1)
	assert.Equal(t, "2000000000000000000", b.Transactions[0].Value)
}
