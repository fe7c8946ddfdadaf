package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/signalworks/insight/internal/tier"
	"gorm.io/datatypes"
)

// TransactionKind classifies a ledger mutation.
type TransactionKind string

const (
	KindActionSpend TransactionKind = "action_spend"
	KindRefund      TransactionKind = "refund"
	KindAdminAdjust TransactionKind = "admin_adjust"
	KindPurchase    TransactionKind = "purchase"
	KindReset       TransactionKind = "reset"
)

// Account carries a user's consumable credit balance. The balance is only
// ever written through the ledger service's conditional-update protocol.
type Account struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	ExternalSubject   string       `gorm:"type:text;not null;uniqueIndex" json:"-"`
	Tier              tier.Tier    `gorm:"type:text;not null" json:"tier"`
	Balance           int64        `gorm:"not null" json:"balance"`
	DailyCeiling      int64        `gorm:"not null" json:"daily_ceiling"`
	PaymentCustomerID *string      `gorm:"type:text;index" json:"-"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// CreditTransaction is the immutable audit record of one ledger mutation.
// Exactly one row exists per applied balance change.
type CreditTransaction struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID snowflake.ID      `gorm:"not null;index" json:"account_id"`
	Delta     int64             `gorm:"not null" json:"delta"`
	Kind      TransactionKind   `gorm:"type:text;not null;index" json:"kind"`
	Detail    datatypes.JSONMap `gorm:"type:jsonb" json:"detail,omitempty"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }
