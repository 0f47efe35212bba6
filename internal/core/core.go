// Package core wires one chain's C1-C10 components into a single running
// supervisor: the per-chain "instantiate and run" shape
// datasync/chaindatafetcher.ChainDataFetcher expresses as a single service
// object, generalized here into an explicit component graph. Startup
// reconciliation (requeuing confirmed-but-unnotified deposits before the
// Head Loop's first tick) replaces the checkpoint-replay logic in
// chaindata_fetcher.go's NewChainDataFetcher.
package core

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/config"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/confirmation"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/headloop"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/klog"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/outbox"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/pending"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/policy"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/registry"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/rpcgateway"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/stats"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/webhook"
)

// gatewayAdapter satisfies headloop.Gateway by converting *rpcgateway.Block
// to headloop.Block, keeping the headloop package free of a direct
// rpcgateway import (it only needs the fields it actually reads).
type gatewayAdapter struct {
	gw *rpcgateway.Gateway
}

func (a gatewayAdapter) Head(ctx context.Context) (uint64, error) { return a.gw.Head(ctx) }

func (a gatewayAdapter) Block(ctx context.Context, n uint64) (*headloop.Block, error) {
	b, err := a.gw.Block(ctx, n)
	if err != nil {
		return nil, err
	}
	return &headloop.Block{Number: b.Number, Transactions: b.Transactions}, nil
}

// Core supervises one chain's full pipeline.
type Core struct {
	chainName string
	cfg       *chain.Config
	log       *klog.Logger

	gateway  *rpcgateway.Gateway
	index    *pending.Index
	store    *outbox.Store
	tracker  *confirmation.Tracker
	holder   *policy.Holder
	watched  *policy.WatchedSet
	dispatch *webhook.Dispatcher
	listener *registry.Listener
	metrics  *stats.Registry
	loop     *headloop.Loop

	notifyPollInterval    time.Duration
	statsLogInterval      time.Duration
	requiredConfirmations int
}

// Dependencies groups every already-constructed collaborator Core needs;
// main assembles these from config.Config and hands them in, so Core itself
// never parses configuration.
type Dependencies struct {
	ChainName string
	Chain     *chain.Config
	Gateway   *rpcgateway.Gateway
	Store     *outbox.Store
	Monitor   config.Monitor
	RabbitMQ  config.RabbitMQ
	Webhook   config.Notification
	Version   string
}

// New assembles a Core from Dependencies, choosing the active Policy per
// monitor.strategy and wiring every component's Store/Index/Gateway
// references.
func New(deps Dependencies) (*Core, error) {
	log := klog.New(klog.ModuleCore)

	index := pending.New()
	watched := policy.NewWatchedSet()

	var initial policy.Policy
	switch deps.Monitor.Strategy {
	case "watch_address":
		initial = policy.NewWatchAddress(watched)
	default:
		initial = policy.NewLargeAmount(parseThresholds(deps.Monitor.Thresholds))
	}
	holder := policy.NewHolder(initial)

	required := deps.Chain.RequiredConfirmations
	if required <= 0 {
		required = deps.Monitor.RequiredConfirmations
	}
	tracker := confirmation.New(index, deps.Store, confirmation.Options{
		RequiredConfirmations: required,
		StaleAfter:            deps.Monitor.TransactionTimeoutDuration(),
	})

	dispatcher := webhook.New(deps.Store, webhook.Options{
		URL:            deps.Webhook.URL,
		NumWorkers:     deps.Webhook.NumWorkers,
		QueueSize:      deps.Webhook.QueueSize,
		MaxAttempts:    deps.Webhook.RetryTimes,
		RequestTimeout: deps.Webhook.TimeoutDuration(),
		Version:        deps.Version,
	})

	listener := registry.New(watched, registry.Options{
		URL:       rabbitMQURL(deps.RabbitMQ),
		ChainName: deps.ChainName,
	})

	metrics := stats.New(deps.ChainName)

	c := &Core{
		chainName:             deps.ChainName,
		cfg:                   deps.Chain,
		log:                   log,
		gateway:               deps.Gateway,
		index:                 index,
		store:                 deps.Store,
		tracker:               tracker,
		holder:                holder,
		watched:               watched,
		dispatch:              dispatcher,
		listener:              listener,
		metrics:               metrics,
		notifyPollInterval:    5 * time.Second,
		statsLogInterval:      deps.Monitor.StatsLogIntervalDuration(),
		requiredConfirmations: required,
	}

	c.loop = headloop.New(headloop.Options{
		Config:       deps.Chain,
		Gateway:      gatewayAdapter{gw: deps.Gateway},
		PolicyHolder: holder,
		Index:        index,
		Store:        deps.Store,
		Tracker:      tracker,
		OnStatsTick:  c.metrics.LogReport,
	})

	return c, nil
}

func parseThresholds(raw map[string]string) map[string]*big.Float {
	out := make(map[string]*big.Float, len(raw))
	for symbol, s := range raw {
		f, ok := new(big.Float).SetString(s)
		if !ok {
			continue
		}
		out[symbol] = f
	}
	return out
}

func rabbitMQURL(r config.RabbitMQ) string {
	port := r.Port
	if port == 0 {
		port = 5672
	}
	return "amqp://" + r.User + ":" + r.Pass + "@" + r.Host + ":" + strconv.Itoa(port) + "/"
}

// Run starts every background collaborator, runs a startup reconciliation
// pass, and blocks until ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	if err := c.reconcile(ctx); err != nil {
		return err
	}

	c.dispatch.Start()
	c.listener.Start()

	statsCtx, cancelStats := context.WithCancel(ctx)
	go c.metrics.RunReporter(statsCtx, c.statsLogInterval)

	notifyCtx, cancelNotify := context.WithCancel(ctx)
	go c.runNotifyPoller(notifyCtx)

	loopDone := make(chan struct{})
	go func() {
		c.loop.Run(ctx)
		close(loopDone)
	}()

	<-ctx.Done()
	c.log.Info("shutdown requested, draining", "chain", c.chainName)
	c.loop.Stop()
	<-loopDone

	cancelNotify()
	cancelStats()
	c.listener.Stop()
	c.dispatch.Stop()
	c.metrics.LogReport()
	return nil
}

// reconcile rehydrates the Pending Index from durable state and requeues
// any deposit that reached `confirmed` but never got a NotificationRecord,
// covering the case where a prior process died between MarkConfirmed and
// CreateNotification.
func (c *Core) reconcile(ctx context.Context) error {
	if err := c.index.Warm(ctx, c.store); err != nil {
		return err
	}
	awaiting, err := c.store.ListConfirmedAwaitingNotification(ctx, 0)
	if err != nil {
		return err
	}
	for _, d := range awaiting {
		c.dispatch.Enqueue(d)
	}
	c.log.Info("reconciliation complete", "chain", c.chainName, "requeued_notifications", len(awaiting), "warmed_pending", c.index.Len())
	return nil
}

// runNotifyPoller decouples C9's per-block cadence from C7's delivery
// cadence: every notifyPollInterval it asks the Outbox Store which
// confirmed deposits still await a first notification attempt and enqueues
// them.
func (c *Core) runNotifyPoller(ctx context.Context) {
	ticker := time.NewTicker(c.notifyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deposits, err := c.store.ListConfirmedAwaitingNotification(ctx, c.requiredConfirmations)
			if err != nil {
				c.log.Error("notify poller query failed", "err", err)
				continue
			}
			for _, d := range deposits {
				c.dispatch.Enqueue(d)
			}
		}
	}
}
