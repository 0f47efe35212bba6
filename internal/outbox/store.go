// Package outbox implements C6, the Outbox Store: transactional persistence
// of DepositRecord and NotificationRecord rows, and the exactly-once gate
// that flips DepositRecord.notification_generated inside the same
// transaction that marks a NotificationRecord sent.
//
// It wraps github.com/jinzhu/gorm with github.com/go-sql-driver/mysql as
// the concrete dialect. Every mutating
// operation runs inside db.Transaction, gorm's idiom for "read-modify-write
// under row-level locks"; SELECT ... FOR UPDATE is expressed via
// clause-less row locking that gorm's mysql dialect applies through
// `.Set("gorm:query_option", "FOR UPDATE")`, keeping the store itself
// unaware of which SQL dialect is behind it.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/jinzhu/gorm"
	_ "github.com/go-sql-driver/mysql"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/klog"
)

// Store is C6.
type Store struct {
	db       *gorm.DB
	userIDOf chain.UserIDStrategy
	log      *klog.Logger
}

// Open dials dialect/dsn (e.g. "mysql", "<user>:<pass>@tcp(host:port)/db")
// and auto-migrates the two outbox tables.
func Open(dialect, dsn string) (*Store, error) {
	db, err := gorm.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w: %w", dialect, chain.ErrConfig, err)
	}
	if err := db.AutoMigrate(&chain.DepositRecord{}, &chain.NotificationRecord{}).Error; err != nil {
		return nil, fmt.Errorf("outbox: migrate: %w: %w", chain.ErrConfig, err)
	}
	return &Store{db: db, userIDOf: chain.LowercasedRecipient{}, log: klog.New(klog.ModuleOutbox)}, nil
}

// SetUserIDStrategy overrides the default lowercased-recipient user_id
// derivation.
func (s *Store) SetUserIDStrategy(strategy chain.UserIDStrategy) { s.userIDOf = strategy }

// SetMaxOpenConns sizes the pool; it should be at least as large as the
// combined concurrency of the background retry workers and the head loop.
func (s *Store) SetMaxOpenConns(n int) {
	s.db.DB().SetMaxOpenConns(n)
}

func (s *Store) Close() error { return s.db.Close() }

// UpsertPending is idempotent on tx_hash: if a row already exists it is
// returned unchanged rather than erroring.
func (s *Store) UpsertPending(ctx context.Context, t *chain.Transfer) (*chain.DepositRecord, error) {
	var record chain.DepositRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("tx_hash = ?", t.TxHash).First(&record).Error
		if err == nil {
			return nil // already present, no-op
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}

		now := time.Now().UTC()
		record = chain.DepositRecord{
			TxHash:         t.TxHash,
			BlockNumber:    t.BlockNumber,
			BlockHash:      t.BlockHash,
			FromAddress:    t.From,
			ToAddress:      t.To,
			Amount:         t.Amount,
			TokenAddress:   t.TokenContract,
			TokenSymbol:    t.AssetSymbol,
			TokenDecimals:  t.Decimals,
			Status:         chain.StatusPending,
			GasUsed:        t.GasUsed,
			GasPrice:       t.GasPrice,
			TransactionFee: t.Fee,
			UserID:         s.userIDOf.UserID(t),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: upsert pending %s: %w", t.TxHash, err)
	}
	return &record, nil
}

// MarkConfirmed implements mark_confirmed: pending -> confirmed, idempotent
// once already confirmed.
func (s *Store) MarkConfirmed(ctx context.Context, txHash string, confirmations int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var record chain.DepositRecord
		if err := tx.Set("gorm:query_option", "FOR UPDATE").Where("tx_hash = ?", txHash).First(&record).Error; err != nil {
			return err
		}
		if record.Status != chain.StatusPending {
			return nil // already confirmed or failed; no-op
		}
		return tx.Model(&record).Updates(map[string]interface{}{
			"status":        chain.StatusConfirmed,
			"confirmations": confirmations,
			"updated_at":    time.Now().UTC(),
		}).Error
	})
}

// ListConfirmedAwaitingNotification implements
// list_confirmed_awaiting_notification(K).
func (s *Store) ListConfirmedAwaitingNotification(ctx context.Context, k int) ([]*chain.DepositRecord, error) {
	var records []*chain.DepositRecord
	err := s.db.Where("status = ? AND confirmations >= ? AND notification_generated = ?",
		chain.StatusConfirmed, k, false).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: list confirmed awaiting notification: %w", err)
	}
	return records, nil
}

// ListPending satisfies pending.PendingReader, used to warm C4 on restart.
func (s *Store) ListPending(ctx context.Context) ([]*chain.Transfer, error) {
	var records []chain.DepositRecord
	if err := s.db.Where("status = ?", chain.StatusPending).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("outbox: list pending: %w", err)
	}
	out := make([]*chain.Transfer, 0, len(records))
	for _, r := range records {
		out = append(out, depositToTransfer(&r))
	}
	return out, nil
}

func depositToTransfer(r *chain.DepositRecord) *chain.Transfer {
	return &chain.Transfer{
		TxHash:        r.TxHash,
		BlockNumber:   r.BlockNumber,
		BlockHash:     r.BlockHash,
		From:          r.FromAddress,
		To:            r.ToAddress,
		AssetSymbol:   r.TokenSymbol,
		Amount:        r.Amount,
		IsNative:      r.TokenAddress == "",
		TokenContract: r.TokenAddress,
		Decimals:      r.TokenDecimals,
		GasUsed:       r.GasUsed,
		GasPrice:      r.GasPrice,
		Fee:           r.TransactionFee,
		FoundAt:       r.CreatedAt,
	}
}

// CreateNotification creates a NotificationRecord for a confirmed deposit.
// The one-notification-per-deposit constraint is enforced application-side:
// under the same transaction that inserts the row, it rejects if
// notification_generated is already true OR any live (pending/failed, i.e.
// not yet sent or failed_final) NotificationRecord already exists for this
// deposit. Checking notification_generated alone is not enough: it only
// flips true on a successful MarkSent, so a deposit whose first delivery
// attempt is still pending or has failed-but-not-exhausted would otherwise
// pass that check on every poller tick and accumulate a second, independent
// NotificationRecord racing the first one through the retry loop — this is
// the fallback for a SQL dialect that cannot express a partial unique index
// on (deposit_record_id) filtered to live statuses.
func (s *Store) CreateNotification(ctx context.Context, deposit *chain.DepositRecord, requestData string, maxAttempts int) (*chain.NotificationRecord, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("outbox: generate notification id: %w", err)
	}

	var record chain.NotificationRecord
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var current chain.DepositRecord
		if err := tx.Set("gorm:query_option", "FOR UPDATE").First(&current, deposit.ID).Error; err != nil {
			return err
		}
		if current.NotificationGenerated {
			return errAlreadyNotified
		}

		var liveCount int
		if err := tx.Set("gorm:query_option", "FOR UPDATE").Model(&chain.NotificationRecord{}).
			Where("deposit_record_id = ? AND status IN (?, ?)", deposit.ID, chain.NotificationPending, chain.NotificationFailed).
			Count(&liveCount).Error; err != nil {
			return err
		}
		if liveCount > 0 {
			return errAlreadyNotified
		}

		now := time.Now().UTC()
		record = chain.NotificationRecord{
			ID:              id,
			DepositRecordID: deposit.ID,
			TxHash:          deposit.TxHash,
			UserID:          deposit.UserID,
			Status:          chain.NotificationPending,
			MaxAttempts:     maxAttempts,
			RequestData:     requestData,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return tx.Create(&record).Error
	})
	if err == errAlreadyNotified {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: create notification for %s: %w", deposit.TxHash, err)
	}
	return &record, nil
}

// MarkSent marks a notification delivered, flipping
// DepositRecord.notification_generated to true in the same transaction —
// the exactly-once gate against a second delivery attempt ever firing.
func (s *Store) MarkSent(ctx context.Context, notificationID string, responseData string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var record chain.NotificationRecord
		if err := tx.Set("gorm:query_option", "FOR UPDATE").Where("id = ?", notificationID).First(&record).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.Model(&record).Updates(map[string]interface{}{
			"status":          chain.NotificationSent,
			"response_data":   responseData,
			"success_at":      now,
			"last_attempt_at": now,
			"updated_at":      now,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&chain.DepositRecord{}).Where("id = ?", record.DepositRecordID).
			Updates(map[string]interface{}{
				"notification_generated": true,
				"processed_at":           now,
				"updated_at":             now,
			}).Error
	})
}

// MarkFailed records a failed delivery attempt. Reaching max_attempts
// transitions to failed_final and clears next_retry_at.
func (s *Store) MarkFailed(ctx context.Context, notificationID string, reason string, nextRetryAt *time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var record chain.NotificationRecord
		if err := tx.Set("gorm:query_option", "FOR UPDATE").Where("id = ?", notificationID).First(&record).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		status := chain.NotificationFailed
		updates := map[string]interface{}{
			"error_message":   reason,
			"last_attempt_at": now,
			"updated_at":      now,
		}
		if record.AttemptCount >= record.MaxAttempts {
			status = chain.NotificationFailedFinal
			updates["next_retry_at"] = nil
		} else {
			updates["next_retry_at"] = nextRetryAt
		}
		updates["status"] = status
		return tx.Model(&record).Updates(updates).Error
	})
}

// IncrementAttempt bumps attempt_count atomically before the network I/O of
// a delivery attempt, so a crash mid-attempt cannot exceed max_attempts. It
// returns an error if the cap has already been reached.
func (s *Store) IncrementAttempt(ctx context.Context, notificationID string) (int, error) {
	var newCount int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var record chain.NotificationRecord
		if err := tx.Set("gorm:query_option", "FOR UPDATE").Where("id = ?", notificationID).First(&record).Error; err != nil {
			return err
		}
		if record.AttemptCount >= record.MaxAttempts {
			return errAttemptBudgetExhausted
		}
		newCount = record.AttemptCount + 1
		return tx.Model(&record).Update("attempt_count", newCount).Error
	})
	if err != nil {
		return 0, err
	}
	return newCount, nil
}

// RetryCandidates selects notifications due for a retry attempt.
func (s *Store) RetryCandidates(ctx context.Context, now time.Time) ([]*chain.NotificationRecord, error) {
	var records []*chain.NotificationRecord
	err := s.db.Where(
		"status IN (?, ?) AND attempt_count < max_attempts AND (next_retry_at IS NULL OR next_retry_at <= ?)",
		chain.NotificationPending, chain.NotificationFailed, now,
	).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: retry candidates: %w", err)
	}
	return records, nil
}

// DepositByID loads a DepositRecord for the webhook payload builder.
func (s *Store) DepositByID(ctx context.Context, id uint64) (*chain.DepositRecord, error) {
	var record chain.DepositRecord
	if err := s.db.First(&record, id).Error; err != nil {
		return nil, fmt.Errorf("outbox: deposit %d: %w", id, err)
	}
	return &record, nil
}
