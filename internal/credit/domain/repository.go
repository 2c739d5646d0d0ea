package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// LedgerTotals are the sums rebuilt from the transaction log.
type LedgerTotals struct {
	Purchased int64
	Spent     int64
	Refunded  int64
}

type Repository interface {
	EnsureAccount(ctx context.Context, db *gorm.DB, accountID string, freeAllowance int64, now time.Time) error
	FindAccount(ctx context.Context, db *gorm.DB, accountID string) (*Account, error)
	LockAccount(ctx context.Context, db *gorm.DB, accountID string) (*Account, error)

	ConsumeFree(ctx context.Context, db *gorm.DB, accountID string, now time.Time) (bool, error)
	Debit(ctx context.Context, db *gorm.DB, accountID string, cost int64, now time.Time) (bool, error)
	Credit(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) error
	Restore(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) (bool, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, tx *Transaction) error
	FindJobTransaction(ctx context.Context, db *gorm.DB, jobID snowflake.ID, kind TransactionKind) (*Transaction, error)
	FindByPaymentRef(ctx context.Context, db *gorm.DB, paymentRef string) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, accountID string, before *TransactionCursor, limit int) ([]*Transaction, error)
	SumTotals(ctx context.Context, db *gorm.DB, accountID string) (LedgerTotals, error)
	ListAccountIDs(ctx context.Context, db *gorm.DB, after string, limit int) ([]string, error)
}

type TransactionCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}
