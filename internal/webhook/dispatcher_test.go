package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
)

// fakeStore is a minimal in-memory Store for exercising the dispatcher
// without a real database.
type fakeStore struct {
	mu            sync.Mutex
	notifications map[string]*chain.NotificationRecord
	deposits      map[uint64]*chain.DepositRecord
	nextID        int
	sentCh        chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notifications: make(map[string]*chain.NotificationRecord),
		deposits:      make(map[uint64]*chain.DepositRecord),
		sentCh:        make(chan string, 16),
	}
}

func (f *fakeStore) CreateNotification(ctx context.Context, deposit *chain.DepositRecord, requestData string, maxAttempts int) (*chain.NotificationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notifications {
		if n.DepositRecordID == deposit.ID {
			return nil, nil // already notified
		}
	}
	f.nextID++
	n := &chain.NotificationRecord{
		ID:              "notif-" + string(rune('a'+f.nextID)),
		DepositRecordID: deposit.ID,
		TxHash:          deposit.TxHash,
		Status:          chain.NotificationPending,
		MaxAttempts:     maxAttempts,
		RequestData:     requestData,
	}
	f.notifications[n.ID] = n
	return n, nil
}

func (f *fakeStore) IncrementAttempt(ctx context.Context, notificationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.notifications[notificationID]
	if n.AttemptCount >= n.MaxAttempts {
		return 0, errAttemptBudgetExhausted
	}
	n.AttemptCount++
	return n.AttemptCount, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, notificationID string, responseData string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[notificationID].Status = chain.NotificationSent
	f.sentCh <- notificationID
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, notificationID string, reason string, nextRetryAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.notifications[notificationID]
	n.Status = chain.NotificationFailed
	n.NextRetryAt = nextRetryAt
	return nil
}

func (f *fakeStore) RetryCandidates(ctx context.Context, now time.Time) ([]*chain.NotificationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*chain.NotificationRecord
	for _, n := range f.notifications {
		if n.Status == chain.NotificationFailed && n.AttemptCount < n.MaxAttempts &&
			(n.NextRetryAt == nil || !n.NextRetryAt.After(now)) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) DepositByID(ctx context.Context, id uint64) (*chain.DepositRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deposits[id], nil
}

var errAttemptBudgetExhausted = errors.New("webhook: attempt budget exhausted")

func TestDispatcherDeliversOnFirstAttempt(t *testing.T) {
	var received Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	d := New(store, Options{URL: srv.URL, NumWorkers: 2, RetryInterval: time.Hour})
	d.Start()
	defer d.Stop()

	deposit := &chain.DepositRecord{ID: 1, TxHash: "0xabc", UserID: "0xuser", Amount: "1.5", TokenSymbol: "USDT"}
	d.Enqueue(deposit)

	select {
	case id := <-store.sentCh:
		assert.NotEmpty(t, id)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was never marked sent")
	}
	assert.Equal(t, "0xabc", received.TxHash)
}

func TestDispatcherPayloadAndHeadersMatchContract(t *testing.T) {
	var received Payload
	var userAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	d := New(store, Options{URL: srv.URL, NumWorkers: 1, RetryInterval: time.Hour, Version: "1.2.3"})
	d.Start()
	defer d.Stop()

	deposit := &chain.DepositRecord{
		ID: 3, TxHash: "0xfee", UserID: "0xuser", Amount: "3", TokenSymbol: "USDT",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	d.Enqueue(deposit)

	select {
	case <-store.sentCh:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was never marked sent")
	}

	assert.Equal(t, "evm-transfer-monitor/1.2.3", userAgent)
	assert.Equal(t, "deposit_confirmed", received.Type)
	assert.Equal(t, "evm-transfer-monitor", received.Service)
	assert.Equal(t, 1, received.Attempt)
	assert.Equal(t, "2026-01-02T03:04:05Z", received.Timestamp)
	assert.NotEmpty(t, received.SentAt)
}

func TestDispatcherRetriesOnFailureThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	d := New(store, Options{URL: srv.URL, NumWorkers: 1, RetryInterval: 10 * time.Millisecond})
	d.Start()
	defer d.Stop()

	deposit := &chain.DepositRecord{ID: 2, TxHash: "0xdef", UserID: "0xuser", Amount: "2", TokenSymbol: "USDC"}
	d.Enqueue(deposit)

	// The failed first attempt schedules its retry RetrySchedule(1) = 30s
	// later, so the retry loop cannot pick it up before then.
	select {
	case <-store.sentCh:
	case <-time.After(35 * time.Second):
		t.Fatal("notification was never retried to success")
	}
	assert.True(t, calls >= 2, "expected at least one retry")
}
