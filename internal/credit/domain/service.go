package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genbroker/pkg/db/pagination"
	"gorm.io/gorm"
)

type CommitRequest struct {
	AccountID    string
	Cost         int64
	UsedFreeTier bool
	JobID        snowflake.ID
}

type ReserveRequest struct {
	AccountID string
	Cost      int64
	JobID     snowflake.ID
}

// GrantedFunc runs inside the reservation transaction after the credit check
// passes and before the debit is written. Returning an error rolls back both.
type GrantedFunc func(tx *gorm.DB, auth Authorization) error

type RefundRequest struct {
	AccountID string
	Cost      int64
	JobID     snowflake.ID
	Reason    string
}

type DepositRequest struct {
	AccountID  string
	PackID     string
	Amount     int64
	PaymentRef string
	Provider   string
}

type ListTransactionsRequest struct {
	AccountID string
	pagination.Pagination
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

// AccountLocker serializes mutations on one account across processes.
type AccountLocker interface {
	LockAccount(ctx context.Context, accountID string) (release func(), err error)
}

type Service interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	Authorize(ctx context.Context, accountID string, cost int64) (*Authorization, error)
	Commit(ctx context.Context, req CommitRequest) (*Transaction, error)
	Reserve(ctx context.Context, req ReserveRequest, onGranted GrantedFunc) (*Reservation, error)
	Refund(ctx context.Context, req RefundRequest) (*Transaction, error)
	Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (*ListTransactionsResponse, error)
	Reconcile(ctx context.Context, accountID string) (*ReconcileReport, error)
	AuditAll(ctx context.Context, batchSize int) ([]ReconcileReport, error)
}
