package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type TransactionKind string

const (
	TransactionKindPurchase TransactionKind = "purchase"
	TransactionKindSpend    TransactionKind = "spend"
	TransactionKindRefund   TransactionKind = "refund"
	TransactionKindFree     TransactionKind = "free"
)

// Account is the credit ledger owned by one external account id.
type Account struct {
	AccountID      string    `gorm:"primaryKey;type:varchar(128)" json:"account_id"`
	Balance        int64     `gorm:"not null;default:0;check:chk_credit_accounts_balance,balance >= 0" json:"balance"`
	FreeAllowance  int64     `gorm:"not null;default:0;check:chk_credit_accounts_free,free_allowance >= 0" json:"free_allowance"`
	TotalPurchased int64     `gorm:"not null;default:0" json:"total_purchased"`
	TotalSpent     int64     `gorm:"not null;default:0;check:chk_credit_accounts_spent,total_spent >= 0" json:"total_spent"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

func (Account) TableName() string { return "credit_accounts" }

// Valid reports whether the ledger invariants hold.
func (a Account) Valid() bool {
	return a.Balance >= 0 && a.FreeAllowance >= 0 && a.TotalSpent >= 0
}

// Transaction is an append-only ledger line. Amount is signed: spends are
// negative, free-tier uses are zero.
type Transaction struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	AccountID   string          `gorm:"type:varchar(128);not null;index:ix_credit_transactions_account,priority:1" json:"account_id"`
	Kind        TransactionKind `gorm:"type:varchar(16);not null;uniqueIndex:ux_credit_transactions_job_kind,priority:2" json:"kind"`
	Amount      int64           `gorm:"not null" json:"amount"`
	JobID       *snowflake.ID   `gorm:"uniqueIndex:ux_credit_transactions_job_kind,priority:1" json:"job_id,omitempty"`
	PaymentRef  *string         `gorm:"type:varchar(255);uniqueIndex:ux_credit_transactions_payment_ref" json:"payment_ref,omitempty"`
	PackID      string          `gorm:"type:varchar(64)" json:"pack_id,omitempty"`
	Description string          `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time       `gorm:"not null;index:ix_credit_transactions_account,priority:2" json:"created_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }

// Authorization is the outcome of a credit check.
type Authorization struct {
	Granted       bool   `json:"granted"`
	UsedFreeTier  bool   `json:"used_free_tier"`
	Cost          int64  `json:"cost"`
	Balance       int64  `json:"balance"`
	FreeAllowance int64  `json:"free_allowance"`
	Shortfall     int64  `json:"shortfall,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Charged is the amount actually debited for the authorization.
func (a Authorization) Charged() int64 {
	if a.UsedFreeTier {
		return 0
	}
	return a.Cost
}

// Reservation is a granted authorization together with the charge it wrote.
type Reservation struct {
	Authorization
	Transaction Transaction
	Account     Account
}

type DepositResult struct {
	Transaction Transaction `json:"transaction"`
	Account     Account     `json:"account"`
	Duplicate   bool        `json:"duplicate"`
}

// ReconcileReport compares cached totals with the transaction log.
type ReconcileReport struct {
	AccountID        string `json:"account_id"`
	Balance          int64  `json:"balance"`
	ExpectedBalance  int64  `json:"expected_balance"`
	TotalSpent       int64  `json:"total_spent"`
	ExpectedSpent    int64  `json:"expected_spent"`
	TotalPurchased   int64  `json:"total_purchased"`
	ExpectedPurchase int64  `json:"expected_purchased"`
	Drift            bool   `json:"drift"`
}
