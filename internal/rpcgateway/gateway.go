// Package rpcgateway implements C1, the RPC Gateway: a cached chain head,
// full-block fetch, gas price lookup, and a rate governor in front of a
// single upstream JSON-RPC endpoint. It never decodes calldata itself — that
// is the Calldata Decoder's job — it only ever issues three calls:
// eth_blockNumber, eth_getBlockByNumber, eth_gasPrice.
//
// The transport is github.com/ethereum/go-ethereum's rpc.Client, the same
// low-level CallContext idiom client.Client wraps in client/bridge_client.go
// ("derived from ethclient/ethclient.go").
package rpcgateway

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/klog"
)

const blockCacheSize = 256

// CallKind groups accounting for the three permitted JSON-RPC methods, plus
// a catch-all bucket for anything else future callers might add.
type CallKind string

const (
	CallHead     CallKind = "head"
	CallBlock    CallKind = "block"
	CallGasPrice CallKind = "gas_price"
	CallOther    CallKind = "other"
)

// Health is the result of TestConnection.
type Health struct {
	Connected bool
	HeadBlock uint64
	Latency   time.Duration
	Err       error
}

// Gateway is C1.
type Gateway struct {
	client *gethrpc.Client
	log    *klog.Logger

	cacheTTL time.Duration
	headMu   sync.Mutex
	head     uint64
	headAt   time.Time

	limiter      *rate.Limiter
	maxPerDay    int64
	dayStart     time.Time
	dayStartMu   sync.Mutex
	dayCallCount int64

	blockCache *lru.Cache // uint64 -> *Block

	calls       map[CallKind]*int64
	cacheHits   int64
	cacheMisses int64
}

// Options configures a Gateway.
type Options struct {
	RPCURL       string
	CacheTTL     time.Duration // default 1.5s
	MaxPerSecond float64       // rate governor target
	MaxPerDay    int64         // soft ceiling, logged only
}

func New(opts Options) (*Gateway, error) {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 1500 * time.Millisecond
	}
	client, err := gethrpc.DialContext(context.Background(), opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("rpcgateway: dial %s: %w", opts.RPCURL, err)
	}
	cache, err := lru.New(blockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("rpcgateway: block cache: %w", err)
	}

	limit := rate.Inf
	if opts.MaxPerSecond > 0 {
		limit = rate.Limit(opts.MaxPerSecond)
	}

	g := &Gateway{
		client:     client,
		log:        klog.New(klog.ModuleRPCGateway),
		cacheTTL:   opts.CacheTTL,
		limiter:    rate.NewLimiter(limit, 1),
		maxPerDay:  opts.MaxPerDay,
		dayStart:   time.Now(),
		blockCache: cache,
		calls: map[CallKind]*int64{
			CallHead:     new(int64),
			CallBlock:    new(int64),
			CallGasPrice: new(int64),
			CallOther:    new(int64),
		},
	}
	return g, nil
}

// wait applies the rate governor and records the call kind. It is called
// immediately before every upstream JSON-RPC round trip.
func (g *Gateway) wait(ctx context.Context, kind CallKind) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	atomic.AddInt64(g.calls[kind], 1)

	g.dayStartMu.Lock()
	if time.Since(g.dayStart) > 24*time.Hour {
		g.dayStart = time.Now()
		g.dayCallCount = 0
	}
	g.dayCallCount++
	projected := g.dayCallCount
	g.dayStartMu.Unlock()

	if g.maxPerDay > 0 && projected == g.maxPerDay+1 {
		g.log.Warn("projected daily RPC call volume exceeds configured quota",
			"maxPerDay", g.maxPerDay, "observed", projected)
	}
	return nil
}

// CallCounts returns a snapshot of call accounting by kind.
func (g *Gateway) CallCounts() map[CallKind]int64 {
	out := make(map[CallKind]int64, len(g.calls))
	for k, v := range g.calls {
		out[k] = atomic.LoadInt64(v)
	}
	return out
}

// CacheStats returns (hits, misses) for the head cache.
func (g *Gateway) CacheStats() (hits, misses int64) {
	return atomic.LoadInt64(&g.cacheHits), atomic.LoadInt64(&g.cacheMisses)
}

// Head returns the current head block number, never a value ahead of the
// upstream node's own view, by only ever returning a value this gateway
// itself fetched. Concurrent callers within the TTL window share one
// cached value; the refresh runs while holding headMu, so only one
// goroutine refreshes and callers that waited on it are served the
// refreshed value from the cache.
func (g *Gateway) Head(ctx context.Context) (uint64, error) {
	g.headMu.Lock()
	defer g.headMu.Unlock()
	if time.Since(g.headAt) < g.cacheTTL {
		atomic.AddInt64(&g.cacheHits, 1)
		return g.head, nil
	}

	atomic.AddInt64(&g.cacheMisses, 1)
	if err := g.wait(ctx, CallHead); err != nil {
		return 0, err
	}

	var result string
	if err := g.client.CallContext(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, fmt.Errorf("rpcgateway: eth_blockNumber: %w: %w", chain.ErrTransientRPC, err)
	}
	n, err := decodeUint64(result)
	if err != nil {
		return 0, fmt.Errorf("rpcgateway: decode head: %w", err)
	}

	if n > g.head || time.Since(g.headAt) >= g.cacheTTL {
		g.head = n
		g.headAt = time.Now()
	}
	return n, nil
}

// GasPrice returns the current suggested gas price in wei.
func (g *Gateway) GasPrice(ctx context.Context) (*big.Int, error) {
	if err := g.wait(ctx, CallGasPrice); err != nil {
		return nil, err
	}
	var result string
	if err := g.client.CallContext(ctx, &result, "eth_gasPrice"); err != nil {
		return nil, fmt.Errorf("rpcgateway: eth_gasPrice: %w: %w", chain.ErrTransientRPC, err)
	}
	return decodeBig(result)
}

// TestConnection reads the head through Head (an eth_blockNumber round trip
// unless the cached head is still fresh) and reports latency/connectivity.
func (g *Gateway) TestConnection(ctx context.Context) Health {
	start := time.Now()
	head, err := g.Head(ctx)
	return Health{
		Connected: err == nil,
		HeadBlock: head,
		Latency:   time.Since(start),
		Err:       err,
	}
}
