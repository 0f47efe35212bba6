// Package webhook implements C7, the Webhook Dispatcher: a bounded job
// channel fed by confirmed-but-unnotified deposits, drained by a fixed pool
// of worker goroutines that POST a JSON payload and record the outcome back
// to the Outbox Store.
//
// The worker-pool shape — a buffered request channel, N goroutines started
// in Start, a stopCh/sync.WaitGroup shutdown, and a dedicated retry path
// with its own gauge/backoff — mirrors ChainDataFetcher.handleRequest()'s
// select{stopCh, reqCh} loop and retryFunc()'s "sleep and recount" retry
// wrapper, with net/http substituted for the original repository insert
// call.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/klog"
)

// serviceName identifies this process in the webhook payload's "service"
// field and, combined with Options.Version, the User-Agent header.
const serviceName = "evm-transfer-monitor"

// Store is the subset of the Outbox Store the dispatcher depends on.
type Store interface {
	CreateNotification(ctx context.Context, deposit *chain.DepositRecord, requestData string, maxAttempts int) (*chain.NotificationRecord, error)
	IncrementAttempt(ctx context.Context, notificationID string) (int, error)
	MarkSent(ctx context.Context, notificationID string, responseData string) error
	MarkFailed(ctx context.Context, notificationID string, reason string, nextRetryAt *time.Time) error
	RetryCandidates(ctx context.Context, now time.Time) ([]*chain.NotificationRecord, error)
	DepositByID(ctx context.Context, id uint64) (*chain.DepositRecord, error)
}

// Payload is the JSON body POSTed to the configured webhook URL. Type,
// TxHash, and the deposit fields are fixed once a deposit is confirmed;
// SentAt and Attempt are re-stamped on every delivery attempt, including
// retries, since each one is a distinct wall-clock event.
type Payload struct {
	Type          string `json:"type"`
	TxHash        string `json:"tx_hash"`
	UserID        string `json:"user_id"`
	FromAddress   string `json:"from_address"`
	ToAddress     string `json:"to_address"`
	Amount        string `json:"amount"`
	TokenSymbol   string `json:"token_symbol"`
	TokenAddress  string `json:"token_address,omitempty"`
	BlockNumber   uint64 `json:"block_number"`
	Confirmations int    `json:"confirmations"`
	Timestamp     string `json:"timestamp"`
	SentAt        string `json:"sent_at"`
	Attempt       int    `json:"attempt"`
	Service       string `json:"service"`
}

// RetrySchedule returns the backoff delay before attempt n (1-indexed):
// 30s, 2m, 10m, then capped at 10m.
func RetrySchedule(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return 30 * time.Second
	case attempt == 2:
		return 2 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// Options configures a Dispatcher.
type Options struct {
	URL            string
	NumWorkers     int
	QueueSize      int
	MaxAttempts    int
	RequestTimeout time.Duration
	RetryInterval  time.Duration // how often retry_loop polls for due candidates
	Version        string        // stamped into the User-Agent header
}

// Dispatcher is C7.
type Dispatcher struct {
	url         string
	maxAttempts int
	userAgent   string
	httpClient  *http.Client
	store       Store
	log         *klog.Logger

	jobCh         chan *chain.DepositRecord
	stopCh        chan struct{}
	wg            sync.WaitGroup
	retryInterval time.Duration
	workers       int

	sent   int64
	failed int64
}

func New(store Store, opts Options) *Dispatcher {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 15 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	d := &Dispatcher{
		url:           opts.URL,
		maxAttempts:   opts.MaxAttempts,
		userAgent:     serviceName + "/" + opts.Version,
		httpClient:    &http.Client{Timeout: opts.RequestTimeout},
		store:         store,
		log:           klog.New(klog.ModuleWebhook),
		jobCh:         make(chan *chain.DepositRecord, opts.QueueSize),
		stopCh:        make(chan struct{}),
		retryInterval: opts.RetryInterval,
		workers:       opts.NumWorkers,
	}
	return d
}

// Start launches the worker pool and the background retry loop.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.wg.Add(1)
	go d.retryLoop()
}

// Stop closes the job channel's stop signal and waits for every worker and
// the retry loop to exit.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Enqueue submits a newly confirmed deposit for first-attempt delivery; the
// worker that receives it calls CreateNotification. It never blocks: a full
// queue drops the enqueue, and since the deposit is still confirmed with
// notification_generated=false, the next ListConfirmedAwaitingNotification
// poll in core enqueues it again.
func (d *Dispatcher) Enqueue(deposit *chain.DepositRecord) {
	select {
	case d.jobCh <- deposit:
	default:
		d.log.Warn("webhook queue full, deferring to retry loop", "tx_hash", deposit.TxHash)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case deposit := <-d.jobCh:
			d.deliverFirstAttempt(deposit)
		}
	}
}

func (d *Dispatcher) deliverFirstAttempt(deposit *chain.DepositRecord) {
	ctx := context.Background()
	payload := buildPayload(deposit)
	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Error("marshal webhook payload failed", "tx_hash", deposit.TxHash, "err", err)
		return
	}

	notification, err := d.store.CreateNotification(ctx, deposit, string(body), d.maxAttempts)
	if err != nil {
		d.log.Error("create notification failed", "tx_hash", deposit.TxHash, "err", err)
		return
	}
	if notification == nil {
		return // already notified
	}

	d.attempt(ctx, notification, body)
}

// attempt performs a single delivery attempt, recording the outcome. body is
// the canonical payload persisted on the notification (fixed deposit
// fields); sent_at and attempt are re-stamped onto a fresh copy of it here
// since every attempt, including retries, is a distinct wall-clock event
// that must not replay a stale sent_at/attempt pair from an earlier try.
func (d *Dispatcher) attempt(ctx context.Context, notification *chain.NotificationRecord, body []byte) {
	attemptNum, err := d.store.IncrementAttempt(ctx, notification.ID)
	if err != nil {
		d.log.Warn("attempt budget exhausted, leaving in failed_final", "notification_id", notification.ID, "err", err)
		return
	}

	wireBody, err := stampAttempt(body, attemptNum)
	if err != nil {
		d.log.Error("restamp webhook payload failed", "notification_id", notification.ID, "err", err)
		wireBody = body
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(wireBody))
	if err != nil {
		d.fail(ctx, notification.ID, attemptNum, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.fail(ctx, notification.ID, attemptNum, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.fail(ctx, notification.ID, attemptNum, fmt.Sprintf("non-2xx status: %d", resp.StatusCode))
		return
	}

	if err := d.store.MarkSent(ctx, notification.ID, fmt.Sprintf("status=%d", resp.StatusCode)); err != nil {
		d.log.Error("mark sent failed", "notification_id", notification.ID, "err", err)
		return
	}
	atomic.AddInt64(&d.sent, 1)
	d.log.Info("webhook delivered", "notification_id", notification.ID, "tx_hash", notification.TxHash)
}

func (d *Dispatcher) fail(ctx context.Context, notificationID string, attemptNum int, reason string) {
	atomic.AddInt64(&d.failed, 1)
	next := time.Now().Add(RetrySchedule(attemptNum))
	if err := d.store.MarkFailed(ctx, notificationID, reason, &next); err != nil {
		d.log.Error("mark failed failed", "notification_id", notificationID, "err", err)
	}
	d.log.Warn("webhook delivery failed", "notification_id", notificationID, "attempt", attemptNum, "reason", reason, "next_retry_at", next)
}

// retryLoop polls RetryCandidates on a fixed interval and re-attempts each
// one due, the same "sleep and recount" shape as retryFunc but driven by
// durable next_retry_at rather than an in-memory counter, so a process
// restart resumes retries exactly where the database left off.
func (d *Dispatcher) retryLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.runRetryPass()
		}
	}
}

func (d *Dispatcher) runRetryPass() {
	ctx := context.Background()
	candidates, err := d.store.RetryCandidates(ctx, time.Now())
	if err != nil {
		d.log.Error("retry candidates query failed", "err", err)
		return
	}
	for _, n := range candidates {
		body := []byte(n.RequestData)
		d.attempt(ctx, n, body)
	}
}

// buildPayload fills every field fixed at confirmation time. SentAt and
// Attempt are left at their zero values; stampAttempt sets them immediately
// before each wire send.
func buildPayload(deposit *chain.DepositRecord) Payload {
	return Payload{
		Type:          "deposit_confirmed",
		TxHash:        deposit.TxHash,
		UserID:        deposit.UserID,
		FromAddress:   deposit.FromAddress,
		ToAddress:     deposit.ToAddress,
		Amount:        deposit.Amount,
		TokenSymbol:   deposit.TokenSymbol,
		TokenAddress:  deposit.TokenAddress,
		BlockNumber:   deposit.BlockNumber,
		Confirmations: deposit.Confirmations,
		Timestamp:     deposit.CreatedAt.UTC().Format(time.RFC3339),
		Service:       serviceName,
	}
}

// stampAttempt unmarshals a previously-built payload and re-stamps its
// per-attempt fields, returning the bytes actually sent over the wire.
func stampAttempt(body []byte, attemptNum int) ([]byte, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	p.Attempt = attemptNum
	p.SentAt = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(p)
}
