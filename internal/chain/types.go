package chain

import (
	"strings"
	"time"
)

// Lowercase normalizes a hex address/hash for use as a map key or comparison
// operand. Every address stored or compared anywhere in the pipeline goes
// through this function: the from==to self-transfer check, the watched
// set, tx_hash lookups.
func Lowercase(s string) string { return strings.ToLower(s) }

// RawTx is the shape the RPC Gateway hands to the decoder: whatever a block's
// transaction list carries, normalized to the handful of fields the
// classifier needs. It is ephemeral and never persisted.
type RawTx struct {
	Hash        string
	From        string
	To          string // empty for contract creation
	Value       string // decimal wei as string, to preserve full uint256 range
	Gas         uint64
	GasPrice    string // decimal wei as string
	Input       string // 0x-prefixed calldata
	BlockNumber uint64
	BlockHash   string
}

// Transfer is the classifier's output: a single accepted native or token
// transfer, not yet durable.
type Transfer struct {
	TxHash         string
	BlockNumber    uint64
	BlockHash      string
	From           string
	To             string
	AssetSymbol    string
	Amount         string // decimal-string display amount (post-decimals division)
	RawAmount      string // decimal-string integer amount, pre-division
	IsNative       bool
	TokenContract  string // empty for native
	Decimals       int
	GasUsed        uint64
	GasPrice       string
	Fee            string
	FoundAt        time.Time
}

// DepositStatus is the DepositRecord lifecycle state.
type DepositStatus string

const (
	StatusPending   DepositStatus = "pending"
	StatusConfirmed DepositStatus = "confirmed"
	StatusFailed    DepositStatus = "failed"
)

// DepositRecord is the durable row mirroring a Transfer plus confirmation
// and notification bookkeeping.
type DepositRecord struct {
	ID                     uint64        `gorm:"primary_key"`
	TxHash                 string        `gorm:"column:tx_hash;type:char(66);unique_index;not null"`
	BlockNumber            uint64        `gorm:"column:block_number"`
	BlockHash              string        `gorm:"column:block_hash;type:char(66)"`
	FromAddress            string        `gorm:"column:from_address;type:char(42)"`
	ToAddress              string        `gorm:"column:to_address;type:char(42)"`
	Amount                 string        `gorm:"column:amount;type:numeric(36,18)"`
	TokenAddress           string        `gorm:"column:token_address;type:char(42)"`
	TokenSymbol            string        `gorm:"column:token_symbol;type:varchar(20)"`
	TokenDecimals          int           `gorm:"column:token_decimals"`
	Status                 DepositStatus `gorm:"column:status;type:varchar(20);default:'pending'"`
	Confirmations          int           `gorm:"column:confirmations;default:0"`
	NotificationGenerated  bool          `gorm:"column:notification_generated;default:false"`
	GasUsed                uint64        `gorm:"column:gas_used"`
	GasPrice               string        `gorm:"column:gas_price;type:numeric(36,18)"`
	TransactionFee         string        `gorm:"column:transaction_fee;type:numeric(36,18)"`
	UserID                 string        `gorm:"column:user_id;type:varchar(50)"`
	ProcessedAt            *time.Time    `gorm:"column:processed_at"`
	CreatedAt              time.Time     `gorm:"column:created_at"`
	UpdatedAt              time.Time     `gorm:"column:updated_at"`
}

func (DepositRecord) TableName() string { return "deposit_records" }

// NotificationStatus is the NotificationRecord lifecycle state.
type NotificationStatus string

const (
	NotificationPending     NotificationStatus = "pending"
	NotificationSent        NotificationStatus = "sent"
	NotificationFailed      NotificationStatus = "failed"
	NotificationFailedFinal NotificationStatus = "failed_final"
)

// NotificationRecord is the durable row driving the webhook retry loop.
type NotificationRecord struct {
	ID               string             `gorm:"column:id;type:char(36);primary_key"`
	DepositRecordID  uint64             `gorm:"column:deposit_record_id;index"`
	TxHash           string             `gorm:"column:tx_hash;type:char(66)"`
	UserID           string             `gorm:"column:user_id;type:varchar(50)"`
	NotificationType string             `gorm:"column:notification_type;type:varchar(20);default:'deposit'"`
	Status           NotificationStatus `gorm:"column:status;type:varchar(20);default:'pending'"`
	AttemptCount     int                `gorm:"column:attempt_count;default:0"`
	MaxAttempts      int                `gorm:"column:max_attempts;default:3"`
	LastAttemptAt    *time.Time         `gorm:"column:last_attempt_at"`
	SuccessAt        *time.Time         `gorm:"column:success_at"`
	RequestData      string             `gorm:"column:request_data;type:text"`
	ResponseData     string             `gorm:"column:response_data;type:text"`
	ErrorMessage     string             `gorm:"column:error_message;type:text"`
	NextRetryAt      *time.Time         `gorm:"column:next_retry_at"`
	CreatedAt        time.Time          `gorm:"column:created_at"`
	UpdatedAt        time.Time          `gorm:"column:updated_at"`
}

func (NotificationRecord) TableName() string { return "notification_records" }

// UserIDStrategy derives a DepositRecord's user_id from an accepted
// Transfer. The default strategy is the lowercased recipient address; a
// deployment mapping addresses to external account IDs can supply its own
// strategy without touching the outbox store.
type UserIDStrategy interface {
	UserID(t *Transfer) string
}

// LowercasedRecipient is the default UserIDStrategy.
type LowercasedRecipient struct{}

func (LowercasedRecipient) UserID(t *Transfer) string { return Lowercase(t.To) }
