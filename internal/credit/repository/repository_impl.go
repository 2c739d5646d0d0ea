package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genbroker/internal/credit/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) EnsureAccount(ctx context.Context, db *gorm.DB, accountID string, freeAllowance int64, now time.Time) error {
	account := domain.Account{
		AccountID:     accountID,
		FreeAllowance: freeAllowance,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&account).Error
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, accountID string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, balance, free_allowance, total_purchased, total_spent, created_at, updated_at
		 FROM credit_accounts WHERE account_id = ?`,
		accountID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.AccountID == "" {
		return nil, nil
	}
	return &account, nil
}

// LockAccount reads the row with FOR UPDATE where the dialect supports it.
func (r *repo) LockAccount(ctx context.Context, db *gorm.DB, accountID string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		Limit(1).
		Find(&account).Error
	if err != nil {
		return nil, err
	}
	if account.AccountID == "" {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) ConsumeFree(ctx context.Context, db *gorm.DB, accountID string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET free_allowance = free_allowance - 1, updated_at = ?
		 WHERE account_id = ? AND free_allowance > 0`,
		now,
		accountID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Debit(ctx context.Context, db *gorm.DB, accountID string, cost int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET balance = balance - ?, total_spent = total_spent + ?, updated_at = ?
		 WHERE account_id = ? AND balance >= ?`,
		cost,
		cost,
		now,
		accountID,
		cost,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Credit(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET balance = balance + ?, total_purchased = total_purchased + ?, updated_at = ?
		 WHERE account_id = ?`,
		amount,
		amount,
		now,
		accountID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repo) Restore(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET balance = balance + ?, total_spent = total_spent - ?, updated_at = ?
		 WHERE account_id = ? AND total_spent >= ?`,
		amount,
		amount,
		now,
		accountID,
		amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (id, account_id, kind, amount, job_id, payment_ref, pack_id, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.AccountID,
		string(tx.Kind),
		tx.Amount,
		tx.JobID,
		tx.PaymentRef,
		tx.PackID,
		tx.Description,
		tx.CreatedAt,
	).Error
}

func (r *repo) FindJobTransaction(ctx context.Context, db *gorm.DB, jobID snowflake.ID, kind domain.TransactionKind) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := db.WithContext(ctx).
		Where("job_id = ? AND kind = ?", jobID, string(kind)).
		Limit(1).
		Find(&tx).Error
	if err != nil {
		return nil, err
	}
	if tx.ID == 0 {
		return nil, nil
	}
	return &tx, nil
}

func (r *repo) FindByPaymentRef(ctx context.Context, db *gorm.DB, paymentRef string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := db.WithContext(ctx).
		Where("payment_ref = ?", paymentRef).
		Limit(1).
		Find(&tx).Error
	if err != nil {
		return nil, err
	}
	if tx.ID == 0 {
		return nil, nil
	}
	return &tx, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, accountID string, before *domain.TransactionCursor, limit int) ([]*domain.Transaction, error) {
	var items []*domain.Transaction
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("account_id = ?", accountID)
	if before != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", before.CreatedAt, before.CreatedAt, before.ID)
	}
	err := stmt.
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SumTotals(ctx context.Context, db *gorm.DB, accountID string) (domain.LedgerTotals, error) {
	var totals domain.LedgerTotals
	err := db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN kind = 'purchase' THEN amount ELSE 0 END), 0) AS purchased,
			COALESCE(SUM(CASE WHEN kind = 'spend' THEN -amount ELSE 0 END), 0) AS spent,
			COALESCE(SUM(CASE WHEN kind = 'refund' THEN amount ELSE 0 END), 0) AS refunded
		 FROM credit_transactions WHERE account_id = ?`,
		accountID,
	).Scan(&totals).Error
	return totals, err
}

func (r *repo) ListAccountIDs(ctx context.Context, db *gorm.DB, after string, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("account_id > ?", after).
		Order("account_id asc").
		Limit(limit).
		Pluck("account_id", &ids).Error
	return ids, err
}
