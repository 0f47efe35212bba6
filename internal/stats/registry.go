// Package stats implements C10: per-chain counters, a periodic log
// reporter, and an optional Prometheus /metrics endpoint.
//
// The per-metric-struct-field shape is grounded on
// datasync/chaindatafetcher/chaindata_fetcher.go's package-level
// rcrowley/go-metrics gauges (checkpointGauge, numChainEventGauge,
// txsInsertionTimeGauge, ...); here the same library is used but the
// metrics are instance-scoped fields of Registry rather than package
// globals, so two chain cores running in one process never share counters.
package stats

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/rs/cors"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/klog"
)

// Registry is C10, scoped to one chain core.
type Registry struct {
	chainName string
	log       *klog.Logger

	mu          sync.Mutex
	txAccepted  map[string]metrics.Counter // symbol -> counter
	rpcCalls    map[string]metrics.Counter // kind -> counter
	blocksProcessed metrics.Counter
	txTotal             metrics.Counter
	tokenContractsSeen  metrics.Counter
	tokenTxsProcessed   metrics.Counter
	cacheHits           metrics.Counter
	cacheMisses         metrics.Counter
	confirmations       metrics.Counter
	timeouts            metrics.Counter
	notificationsSent   metrics.Counter
	notificationsFailed metrics.Counter
	notificationRetries metrics.Counter
	processingTime      metrics.Histogram
}

// New creates a Registry for chainName. Every metric is a standalone
// go-metrics value held as a field, registered in no go-metrics registry
// (not even the library's DefaultRegistry), so per-core registries never
// collide on name.
func New(chainName string) *Registry {
	sample := metrics.NewUniformSample(1028)
	return &Registry{
		chainName:           chainName,
		log:                 klog.New(klog.ModuleStats),
		txAccepted:          make(map[string]metrics.Counter),
		rpcCalls:            make(map[string]metrics.Counter),
		blocksProcessed:     metrics.NewCounter(),
		txTotal:             metrics.NewCounter(),
		tokenContractsSeen:  metrics.NewCounter(),
		tokenTxsProcessed:   metrics.NewCounter(),
		cacheHits:           metrics.NewCounter(),
		cacheMisses:         metrics.NewCounter(),
		confirmations:       metrics.NewCounter(),
		timeouts:            metrics.NewCounter(),
		notificationsSent:   metrics.NewCounter(),
		notificationsFailed: metrics.NewCounter(),
		notificationRetries: metrics.NewCounter(),
		processingTime:      metrics.NewHistogram(sample),
	}
}

func (r *Registry) counterFor(m map[string]metrics.Counter, key string) metrics.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := m[key]
	if !ok {
		c = metrics.NewCounter()
		m[key] = c
	}
	return c
}

func (r *Registry) IncTxAccepted(symbol string)         { r.counterFor(r.txAccepted, symbol).Inc(1) }
func (r *Registry) IncRPCCall(kind string)              { r.counterFor(r.rpcCalls, kind).Inc(1) }
func (r *Registry) IncBlocksProcessed()                 { r.blocksProcessed.Inc(1) }
func (r *Registry) IncTxTotal()                         { r.txTotal.Inc(1) }
func (r *Registry) IncTokenContractsDetected()          { r.tokenContractsSeen.Inc(1) }
func (r *Registry) IncTokenTransactionsProcessed()      { r.tokenTxsProcessed.Inc(1) }
func (r *Registry) IncCacheHits(n int64)                { r.cacheHits.Inc(n) }
func (r *Registry) IncCacheMisses(n int64)              { r.cacheMisses.Inc(n) }
func (r *Registry) IncConfirmations(n int64)            { r.confirmations.Inc(n) }
func (r *Registry) IncTimeouts(n int64)                 { r.timeouts.Inc(n) }
func (r *Registry) IncNotificationsSent()               { r.notificationsSent.Inc(1) }
func (r *Registry) IncNotificationsFailed()             { r.notificationsFailed.Inc(1) }
func (r *Registry) IncNotificationRetries()             { r.notificationRetries.Inc(1) }
func (r *Registry) ObserveProcessingTime(d time.Duration) {
	r.processingTime.Update(d.Milliseconds())
}

// LogReport renders every counter to the structured logger. Called on a
// stats_log_interval tick and once more on graceful shutdown.
func (r *Registry) LogReport() {
	r.mu.Lock()
	defer r.mu.Unlock()

	kv := []interface{}{
		"chain", r.chainName,
		"blocks_processed", r.blocksProcessed.Count(),
		"tx_total", r.txTotal.Count(),
		"token_contracts_detected", r.tokenContractsSeen.Count(),
		"token_transactions_processed", r.tokenTxsProcessed.Count(),
		"cache_hits", r.cacheHits.Count(),
		"cache_misses", r.cacheMisses.Count(),
		"confirmations", r.confirmations.Count(),
		"timeouts", r.timeouts.Count(),
		"notifications_sent", r.notificationsSent.Count(),
		"notifications_failed", r.notificationsFailed.Count(),
		"notification_retries", r.notificationRetries.Count(),
		"processing_time_p99_ms", r.processingTime.Percentile(0.99),
	}
	for symbol, c := range r.txAccepted {
		kv = append(kv, fmt.Sprintf("tx_accepted[%s]", symbol), c.Count())
	}
	for kind, c := range r.rpcCalls {
		kv = append(kv, fmt.Sprintf("rpc_calls[%s]", kind), c.Count())
	}
	r.log.Info("stats report", kv...)
}

// RunReporter blocks, emitting LogReport every interval, until ctx is
// cancelled.
func (r *Registry) RunReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.LogReport()
			return
		case <-ticker.C:
			r.LogReport()
		}
	}
}

// Describe and Collect implement prometheus.Collector, exposing a subset of
// the counters (blocks processed, tx total, confirmations, notifications
// sent/failed, and tx accepted per symbol) over /metrics for operators who
// additionally want scraping.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	// Dynamic label set (unknown symbols/kinds ahead of time): a Collector
	// describing nothing up front and emitting ad hoc descs in Collect is
	// the documented "unchecked collector" pattern client_golang supports.
}

func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()

	emit := func(name string, help string, value float64, labels ...string) {
		var labelNames, labelValues []string
		for i := 0; i+1 < len(labels); i += 2 {
			labelNames = append(labelNames, labels[i])
			labelValues = append(labelValues, labels[i+1])
		}
		desc := prometheus.NewDesc(name, help, labelNames, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, value, labelValues...)
	}

	emit("evm_monitor_blocks_processed_total", "blocks processed", float64(r.blocksProcessed.Count()), "chain", r.chainName)
	emit("evm_monitor_tx_total", "transactions observed", float64(r.txTotal.Count()), "chain", r.chainName)
	emit("evm_monitor_confirmations_total", "confirmations recorded", float64(r.confirmations.Count()), "chain", r.chainName)
	emit("evm_monitor_notifications_sent_total", "notifications delivered", float64(r.notificationsSent.Count()), "chain", r.chainName)
	emit("evm_monitor_notifications_failed_total", "notification delivery failures", float64(r.notificationsFailed.Count()), "chain", r.chainName)
	for symbol, c := range r.txAccepted {
		emit("evm_monitor_tx_accepted_total", "accepted transfers by symbol", float64(c.Count()), "chain", r.chainName, "symbol", symbol)
	}
}

// ServeHTTP mounts /metrics behind httprouter with permissive CORS via
// rs/cors, the same router/CORS pairing used on the RPC HTTP surface.
func (r *Registry) ServeHTTP(addr string) error {
	prometheus.MustRegister(r)

	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	handler := cors.Default().Handler(router)

	r.log.Info("stats http endpoint listening", "addr", addr)
	return http.ListenAndServe(addr, handler)
}
