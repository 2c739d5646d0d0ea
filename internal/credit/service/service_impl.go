package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genbroker/internal/clock"
	"github.com/smallbiznis/genbroker/internal/config"
	"github.com/smallbiznis/genbroker/internal/credit/domain"
	"github.com/smallbiznis/genbroker/internal/observability/metrics"
	"github.com/smallbiznis/genbroker/pkg/db"
	"github.com/smallbiznis/genbroker/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxAccountIDLength = 128

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Catalog *config.Catalog
	Clock   clock.Clock          `optional:"true"`
	Locker  domain.AccountLocker `optional:"true"`
	Metrics *metrics.Metrics     `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    domain.Repository
	catalog *config.Catalog
	clock   clock.Clock
	locker  domain.AccountLocker
	metrics *metrics.Metrics
	stripes *stripedMutex
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	catalog := p.Catalog
	if catalog == nil {
		catalog = config.DefaultCatalog()
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credit.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		catalog: catalog,
		clock:   clk,
		locker:  p.Locker,
		metrics: p.Metrics,
		stripes: &stripedMutex{},
	}
}

func (s *Service) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	accountID, err := normalizeAccountID(accountID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureAccount(ctx, accountID); err != nil {
		return nil, err
	}
	account, err := s.repo.FindAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrNotFound
	}
	return account, nil
}

// Authorize is advisory: it reports what a charge would do right now without
// reserving anything. Use Reserve for the atomic check-and-debit.
func (s *Service) Authorize(ctx context.Context, accountID string, cost int64) (*domain.Authorization, error) {
	if cost <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	auth := evaluate(*account, cost)
	return &auth, nil
}

func (s *Service) Commit(ctx context.Context, req domain.CommitRequest) (*domain.Transaction, error) {
	accountID, err := normalizeAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	if req.Cost <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.JobID == 0 {
		return nil, domain.ErrInvalidJob
	}
	if err := s.ensureAccount(ctx, accountID); err != nil {
		return nil, err
	}

	var committed domain.Transaction
	err = s.withAccountLock(ctx, accountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			account, err := s.repo.LockAccount(ctx, tx, accountID)
			if err != nil {
				return err
			}
			if account == nil {
				return domain.ErrNotFound
			}
			auth := domain.Authorization{
				Granted:       true,
				UsedFreeTier:  req.UsedFreeTier,
				Cost:          req.Cost,
				Balance:       account.Balance,
				FreeAllowance: account.FreeAllowance,
			}
			record, err := s.commitLocked(ctx, tx, accountID, req.JobID, auth)
			if err != nil {
				return err
			}
			committed = *record
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &committed, nil
}

func (s *Service) Reserve(ctx context.Context, req domain.ReserveRequest, onGranted domain.GrantedFunc) (*domain.Reservation, error) {
	accountID, err := normalizeAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	if req.Cost <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.JobID == 0 {
		return nil, domain.ErrInvalidJob
	}
	if err := s.ensureAccount(ctx, accountID); err != nil {
		return nil, err
	}

	var reservation domain.Reservation
	err = s.withAccountLock(ctx, accountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			account, err := s.repo.LockAccount(ctx, tx, accountID)
			if err != nil {
				return err
			}
			if account == nil {
				return domain.ErrNotFound
			}

			auth := evaluate(*account, req.Cost)
			if !auth.Granted {
				return domain.NewInsufficientCredits(auth)
			}
			if onGranted != nil {
				if err := onGranted(tx, auth); err != nil {
					return err
				}
			}

			record, err := s.commitLocked(ctx, tx, accountID, req.JobID, auth)
			if err != nil {
				return err
			}
			after, err := s.repo.FindAccount(ctx, tx, accountID)
			if err != nil {
				return err
			}
			reservation = domain.Reservation{
				Authorization: auth,
				Transaction:   *record,
				Account:       *after,
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			s.metrics.RecordDenied(ctx, "insufficient_credits")
			s.log.Info("credit reservation denied",
				zap.String("account_id", accountID),
				zap.Int64("cost", req.Cost),
				zap.Error(err),
			)
		}
		return nil, err
	}
	return &reservation, nil
}

// commitLocked applies the debit for an authorization. Callers hold the
// account lock and the row lock inside tx.
func (s *Service) commitLocked(ctx context.Context, tx *gorm.DB, accountID string, jobID snowflake.ID, auth domain.Authorization) (*domain.Transaction, error) {
	for _, kind := range []domain.TransactionKind{domain.TransactionKindSpend, domain.TransactionKindFree} {
		existing, err := s.repo.FindJobTransaction(ctx, tx, jobID, kind)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, domain.ErrAlreadyCommitted
		}
	}

	now := s.clock.Now()
	record := domain.Transaction{
		ID:        s.genID.Generate(),
		AccountID: accountID,
		JobID:     &jobID,
		CreatedAt: now,
	}

	if auth.UsedFreeTier {
		ok, err := s.repo.ConsumeFree(ctx, tx, accountID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, s.denialFromRow(ctx, tx, accountID, auth.Cost)
		}
		record.Kind = domain.TransactionKindFree
		record.Amount = 0
		record.Description = "free tier generation"
	} else {
		ok, err := s.repo.Debit(ctx, tx, accountID, auth.Cost, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, s.denialFromRow(ctx, tx, accountID, auth.Cost)
		}
		record.Kind = domain.TransactionKindSpend
		record.Amount = -auth.Cost
		record.Description = fmt.Sprintf("generation charge (%d credits)", auth.Cost)
	}

	if err := s.repo.InsertTransaction(ctx, tx, &record); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrAlreadyCommitted
		}
		return nil, err
	}
	if err := s.checkInvariants(ctx, tx, accountID); err != nil {
		return nil, err
	}

	s.metrics.RecordLedgerMutation(ctx, string(record.Kind))
	s.log.Info("credits committed",
		zap.String("account_id", accountID),
		zap.String("job_id", jobID.String()),
		zap.String("kind", string(record.Kind)),
		zap.Int64("cost", auth.Cost),
	)
	return &record, nil
}

func (s *Service) denialFromRow(ctx context.Context, tx *gorm.DB, accountID string, cost int64) error {
	account, err := s.repo.FindAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return domain.ErrNotFound
	}
	auth := evaluate(*account, cost)
	if auth.Granted {
		// The row changed between authorize and commit; report the paid view.
		auth.Shortfall = max(cost-account.Balance, 0)
	}
	return domain.NewInsufficientCredits(auth)
}

func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (*domain.Transaction, error) {
	accountID, err := normalizeAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	if req.JobID == 0 {
		return nil, domain.ErrInvalidJob
	}
	if req.Cost < 0 {
		return nil, domain.ErrInvalidAmount
	}

	var refund domain.Transaction
	err = s.withAccountLock(ctx, accountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			spend, err := s.repo.FindJobTransaction(ctx, tx, req.JobID, domain.TransactionKindSpend)
			if err != nil {
				return err
			}
			if spend == nil || spend.AccountID != accountID {
				return domain.ErrRefundNotApplicable
			}

			existing, err := s.repo.FindJobTransaction(ctx, tx, req.JobID, domain.TransactionKindRefund)
			if err != nil {
				return err
			}
			if existing != nil {
				refund = *existing
				return nil
			}

			spent := -spend.Amount
			amount := req.Cost
			if amount == 0 {
				amount = spent
			}
			if amount > spent {
				return domain.ErrRefundExceedsSpend
			}

			if _, err := s.repo.LockAccount(ctx, tx, accountID); err != nil {
				return err
			}
			now := s.clock.Now()
			ok, err := s.repo.Restore(ctx, tx, accountID, amount, now)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrInvariantViolation
			}

			description := "generation refund"
			if reason := strings.TrimSpace(req.Reason); reason != "" {
				description = "generation refund: " + reason
			}
			jobID := req.JobID
			refund = domain.Transaction{
				ID:          s.genID.Generate(),
				AccountID:   accountID,
				Kind:        domain.TransactionKindRefund,
				Amount:      amount,
				JobID:       &jobID,
				Description: truncate(description, 500),
				CreatedAt:   now,
			}
			if err := s.repo.InsertTransaction(ctx, tx, &refund); err != nil {
				return err
			}
			return s.checkInvariants(ctx, tx, accountID)
		})
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// A concurrent refund for the same job won; return it.
			existing, findErr := s.repo.FindJobTransaction(ctx, s.db, req.JobID, domain.TransactionKindRefund)
			if findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.metrics.RecordLedgerMutation(ctx, string(domain.TransactionKindRefund))
	s.log.Info("credits refunded",
		zap.String("account_id", accountID),
		zap.String("job_id", req.JobID.String()),
		zap.Int64("amount", refund.Amount),
	)
	return &refund, nil
}

func (s *Service) Deposit(ctx context.Context, req domain.DepositRequest) (*domain.DepositResult, error) {
	accountID, err := normalizeAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	paymentRef := strings.TrimSpace(req.PaymentRef)
	if paymentRef == "" {
		return nil, domain.ErrInvalidPaymentRef
	}

	amount := req.Amount
	packID := strings.TrimSpace(req.PackID)
	if packID != "" {
		pack, ok := s.catalog.Pack(packID)
		if !ok {
			return nil, domain.ErrInvalidPack
		}
		amount = pack.Credits
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	if err := s.ensureAccount(ctx, accountID); err != nil {
		return nil, err
	}

	var result domain.DepositResult
	err = s.withAccountLock(ctx, accountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			existing, err := s.repo.FindByPaymentRef(ctx, tx, paymentRef)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.AccountID != accountID {
					return domain.ErrInvalidPaymentRef
				}
				result.Transaction = *existing
				result.Duplicate = true
			} else {
				now := s.clock.Now()
				if err := s.repo.Credit(ctx, tx, accountID, amount, now); err != nil {
					return err
				}
				ref := paymentRef
				result.Transaction = domain.Transaction{
					ID:          s.genID.Generate(),
					AccountID:   accountID,
					Kind:        domain.TransactionKindPurchase,
					Amount:      amount,
					PaymentRef:  &ref,
					PackID:      packID,
					Description: depositDescription(req.Provider, packID),
					CreatedAt:   now,
				}
				if err := s.repo.InsertTransaction(ctx, tx, &result.Transaction); err != nil {
					return err
				}
				if err := s.checkInvariants(ctx, tx, accountID); err != nil {
					return err
				}
			}

			account, err := s.repo.FindAccount(ctx, tx, accountID)
			if err != nil {
				return err
			}
			result.Account = *account
			return nil
		})
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.duplicateDeposit(ctx, accountID, paymentRef)
		}
		return nil, err
	}

	s.metrics.RecordDeposit(ctx, req.Provider, packID, result.Duplicate)
	if result.Duplicate {
		s.log.Info("duplicate deposit ignored",
			zap.String("account_id", accountID),
			zap.String("payment_ref", paymentRef),
		)
	} else {
		s.metrics.RecordLedgerMutation(ctx, string(domain.TransactionKindPurchase))
		s.log.Info("credits deposited",
			zap.String("account_id", accountID),
			zap.String("payment_ref", paymentRef),
			zap.String("pack_id", packID),
			zap.Int64("amount", amount),
		)
	}
	return &result, nil
}

func (s *Service) duplicateDeposit(ctx context.Context, accountID, paymentRef string) (*domain.DepositResult, error) {
	existing, err := s.repo.FindByPaymentRef(ctx, s.db, paymentRef)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.AccountID != accountID {
		return nil, domain.ErrInvalidPaymentRef
	}
	account, err := s.repo.FindAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	return &domain.DepositResult{Transaction: *existing, Account: *account, Duplicate: true}, nil
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (*domain.ListTransactionsResponse, error) {
	accountID, err := normalizeAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}

	var before *domain.TransactionCursor
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		before = &domain.TransactionCursor{ID: id, CreatedAt: createdAt}
	}

	limit := req.Limit()
	items, err := s.repo.ListTransactions(ctx, s.db, accountID, before, limit+1)
	if err != nil {
		return nil, err
	}

	page, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(tx *domain.Transaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        tx.ID.String(),
			CreatedAt: tx.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	resp := &domain.ListTransactionsResponse{
		PageInfo:     *pageInfo,
		Transactions: make([]domain.Transaction, 0, len(page)),
	}
	for _, item := range page {
		resp.Transactions = append(resp.Transactions, *item)
	}
	return resp, nil
}

func (s *Service) Reconcile(ctx context.Context, accountID string) (*domain.ReconcileReport, error) {
	accountID, err := normalizeAccountID(accountID)
	if err != nil {
		return nil, err
	}
	account, err := s.repo.FindAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrNotFound
	}
	totals, err := s.repo.SumTotals(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}

	report := &domain.ReconcileReport{
		AccountID:        accountID,
		Balance:          account.Balance,
		ExpectedBalance:  totals.Purchased - totals.Spent + totals.Refunded,
		TotalSpent:       account.TotalSpent,
		ExpectedSpent:    totals.Spent - totals.Refunded,
		TotalPurchased:   account.TotalPurchased,
		ExpectedPurchase: totals.Purchased,
	}
	report.Drift = report.Balance != report.ExpectedBalance ||
		report.TotalSpent != report.ExpectedSpent ||
		report.TotalPurchased != report.ExpectedPurchase
	return report, nil
}

// AuditAll reconciles every account and returns the ones that drifted.
func (s *Service) AuditAll(ctx context.Context, batchSize int) ([]domain.ReconcileReport, error) {
	if batchSize <= 0 {
		batchSize = 200
	}
	var (
		drifted []domain.ReconcileReport
		after   string
	)
	for {
		ids, err := s.repo.ListAccountIDs(ctx, s.db, after, batchSize)
		if err != nil {
			return drifted, err
		}
		for _, id := range ids {
			report, err := s.Reconcile(ctx, id)
			if err != nil {
				return drifted, err
			}
			if report.Drift {
				s.log.Warn("ledger drift detected",
					zap.String("account_id", id),
					zap.Int64("balance", report.Balance),
					zap.Int64("expected_balance", report.ExpectedBalance),
				)
				drifted = append(drifted, *report)
			}
		}
		if len(ids) < batchSize {
			return drifted, nil
		}
		after = ids[len(ids)-1]
	}
}

func (s *Service) ensureAccount(ctx context.Context, accountID string) error {
	if err := s.repo.EnsureAccount(ctx, s.db, accountID, s.catalog.FreeAllowance(), s.clock.Now()); err != nil {
		return fmt.Errorf("ensure credit account: %w", err)
	}
	return nil
}

func (s *Service) checkInvariants(ctx context.Context, tx *gorm.DB, accountID string) error {
	account, err := s.repo.FindAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if account == nil || !account.Valid() {
		s.log.Error("ledger invariant violated", zap.String("account_id", accountID))
		return domain.ErrInvariantViolation
	}
	return nil
}

// withAccountLock holds the in-process stripe and, when configured, the
// distributed account lock for the duration of fn.
func (s *Service) withAccountLock(ctx context.Context, accountID string, fn func() error) error {
	mu := s.stripes.For(accountID)
	mu.Lock()
	defer mu.Unlock()

	if s.locker != nil {
		release, err := s.locker.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		defer release()
	}
	return fn()
}

// evaluate grants from the free allowance first, then from paid balance.
func evaluate(account domain.Account, cost int64) domain.Authorization {
	auth := domain.Authorization{
		Cost:          cost,
		Balance:       account.Balance,
		FreeAllowance: account.FreeAllowance,
	}
	switch {
	case account.FreeAllowance > 0:
		auth.Granted = true
		auth.UsedFreeTier = true
	case account.Balance >= cost:
		auth.Granted = true
	default:
		auth.Shortfall = cost - account.Balance
		auth.Reason = "insufficient_credits"
	}
	return auth
}

func normalizeAccountID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxAccountIDLength {
		return "", domain.ErrInvalidAccount
	}
	return id, nil
}

func depositDescription(provider, packID string) string {
	parts := []string{"credit purchase"}
	if packID != "" {
		parts = append(parts, "pack "+packID)
	}
	if provider = strings.TrimSpace(provider); provider != "" {
		parts = append(parts, "via "+provider)
	}
	return strings.Join(parts, " ")
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
