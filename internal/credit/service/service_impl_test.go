package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/genbroker/internal/clock"
	"github.com/smallbiznis/genbroker/internal/config"
	"github.com/smallbiznis/genbroker/internal/credit/domain"
	"github.com/smallbiznis/genbroker/internal/credit/repository"
	creditservice "github.com/smallbiznis/genbroker/internal/credit/service"
	"github.com/smallbiznis/genbroker/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("busy timeout: %v", err)
	}
	if err := db.AutoMigrate(&domain.Account{}, &domain.Transaction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type harness struct {
	db    *gorm.DB
	svc   domain.Service
	node  *snowflake.Node
	clock *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := creditservice.NewService(creditservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    repository.Provide(),
		Catalog: config.DefaultCatalog(),
		Clock:   clk,
	})
	return &harness{db: db, svc: svc, node: node, clock: clk}
}

func (h *harness) reserve(t *testing.T, accountID string, cost int64) (*domain.Reservation, snowflake.ID, error) {
	t.Helper()
	jobID := h.node.Generate()
	res, err := h.svc.Reserve(context.Background(), domain.ReserveRequest{
		AccountID: accountID,
		Cost:      cost,
		JobID:     jobID,
	}, nil)
	return res, jobID, err
}

func (h *harness) deposit(t *testing.T, accountID string, amount int64, ref string) {
	t.Helper()
	_, err := h.svc.Deposit(context.Background(), domain.DepositRequest{
		AccountID:  accountID,
		Amount:     amount,
		PaymentRef: ref,
		Provider:   "test",
	})
	require.NoError(t, err)
}

func TestGetAccountProvisionsFreeAllowance(t *testing.T) {
	h := newHarness(t)

	account, err := h.svc.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Balance)
	assert.Equal(t, config.DefaultCatalog().FreeAllowance(), account.FreeAllowance)

	again, err := h.svc.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, account.FreeAllowance, again.FreeAllowance)
}

func TestGetAccountRejectsBlankID(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.GetAccount(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidAccount)
}

func TestFreeTierThenDenialWithShortfall(t *testing.T) {
	h := newHarness(t)
	free := config.DefaultCatalog().FreeAllowance()

	for i := int64(0); i < free; i++ {
		res, _, err := h.reserve(t, "user-free", 10)
		require.NoError(t, err)
		assert.True(t, res.UsedFreeTier)
		assert.Equal(t, int64(0), res.Charged())
		assert.Equal(t, domain.TransactionKindFree, res.Transaction.Kind)
		assert.Equal(t, int64(0), res.Transaction.Amount)
		assert.Equal(t, free-i-1, res.Account.FreeAllowance)
	}

	_, _, err := h.reserve(t, "user-free", 10)
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	var denial *domain.InsufficientCreditsError
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, int64(10), denial.Required)
	assert.Equal(t, int64(0), denial.Balance)
	assert.Equal(t, int64(10), denial.Shortfall)

	account, err := h.svc.GetAccount(context.Background(), "user-free")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.FreeAllowance)
	assert.Equal(t, int64(0), account.TotalSpent)
}

func TestDenialWritesNothing(t *testing.T) {
	h := newHarness(t)
	drainFree(t, h, "user-deny")
	h.deposit(t, "user-deny", 3, "pay-deny")

	calls := 0
	_, err := h.svc.Reserve(context.Background(), domain.ReserveRequest{
		AccountID: "user-deny",
		Cost:      5,
		JobID:     h.node.Generate(),
	}, func(tx *gorm.DB, auth domain.Authorization) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, 0, calls)

	var denial *domain.InsufficientCreditsError
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, int64(2), denial.Shortfall)

	account, err := h.svc.GetAccount(context.Background(), "user-deny")
	require.NoError(t, err)
	assert.Equal(t, int64(3), account.Balance)
}

func TestReserveDebitsPaidBalance(t *testing.T) {
	h := newHarness(t)
	drainFree(t, h, "user-paid")
	h.deposit(t, "user-paid", 25, "pay-paid")

	res, _, err := h.reserve(t, "user-paid", 10)
	require.NoError(t, err)
	assert.False(t, res.UsedFreeTier)
	assert.Equal(t, int64(10), res.Charged())
	assert.Equal(t, int64(10), res.Cost)
	assert.Equal(t, domain.TransactionKindSpend, res.Transaction.Kind)
	assert.Equal(t, int64(-10), res.Transaction.Amount)
	assert.Equal(t, int64(15), res.Account.Balance)
	assert.Equal(t, int64(10), res.Account.TotalSpent)
	assert.Equal(t, int64(25), res.Account.TotalPurchased)
}

func TestReserveRollsBackWhenCallbackFails(t *testing.T) {
	h := newHarness(t)
	drainFree(t, h, "user-cb")
	h.deposit(t, "user-cb", 10, "pay-cb")

	boom := errors.New("boom")
	_, err := h.svc.Reserve(context.Background(), domain.ReserveRequest{
		AccountID: "user-cb",
		Cost:      10,
		JobID:     h.node.Generate(),
	}, func(tx *gorm.DB, auth domain.Authorization) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	account, err := h.svc.GetAccount(context.Background(), "user-cb")
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance)
	assert.Equal(t, int64(0), account.TotalSpent)
}

func TestConcurrentReserveOnlyOneSucceeds(t *testing.T) {
	h := newHarness(t)
	drainFree(t, h, "user-race")
	h.deposit(t, "user-race", 10, "pay-race")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		denied    int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.reserve(t, "user-race", 10)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientCredits):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, denied)

	account, err := h.svc.GetAccount(context.Background(), "user-race")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Balance)
}

func TestCommitRejectsSecondCommitForJob(t *testing.T) {
	h := newHarness(t)
	drainFree(t, h, "user-commit")
	h.deposit(t, "user-commit", 30, "pay-commit")

	jobID := h.node.Generate()
	req := domain.CommitRequest{AccountID: "user-commit", Cost: 10, JobID: jobID}
	_, err := h.svc.Commit(context.Background(), req)
	require.NoError(t, err)

	_, err = h.svc.Commit(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrAlreadyCommitted)

	account, err := h.svc.GetAccount(context.Background(), "user-commit")
	require.NoError(t, err)
	assert.Equal(t, int64(20), account.Balance)
}

func TestRefundRestoresPaidSpendOnce(t *testing.T) {
	h := newHarness(t)
	drainFree(t, h, "user-refund")
	h.deposit(t, "user-refund", 20, "pay-refund")

	_, jobID, err := h.reserve(t, "user-refund", 10)
	require.NoError(t, err)

	refund, err := h.svc.Refund(context.Background(), domain.RefundRequest{
		AccountID: "user-refund",
		JobID:     jobID,
		Reason:    "backend failed",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionKindRefund, refund.Kind)
	assert.Equal(t, int64(10), refund.Amount)

	again, err := h.svc.Refund(context.Background(), domain.RefundRequest{AccountID: "user-refund", JobID: jobID})
	require.NoError(t, err)
	assert.Equal(t, refund.ID, again.ID)

	account, err := h.svc.GetAccount(context.Background(), "user-refund")
	require.NoError(t, err)
	assert.Equal(t, int64(20), account.Balance)
	assert.Equal(t, int64(0), account.TotalSpent)
}

func TestRefundDescriptionKeepsValidUTF8(t *testing.T) {
	h := newHarness(t)
	drainFree(t, h, "user-utf8")
	h.deposit(t, "user-utf8", 20, "pay-utf8")

	_, jobID, err := h.reserve(t, "user-utf8", 10)
	require.NoError(t, err)

	refund, err := h.svc.Refund(context.Background(), domain.RefundRequest{
		AccountID: "user-utf8",
		JobID:     jobID,
		Reason:    strings.Repeat("ş", 600),
	})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(refund.Description))
	assert.LessOrEqual(t, len(refund.Description), 500)
	assert.True(t, strings.HasPrefix(refund.Description, "generation refund: ş"))
}

func TestRefundOfFreeJobIsNotApplicable(t *testing.T) {
	h := newHarness(t)

	res, jobID, err := h.reserve(t, "user-free-refund", 10)
	require.NoError(t, err)
	require.True(t, res.UsedFreeTier)

	_, err = h.svc.Refund(context.Background(), domain.RefundRequest{AccountID: "user-free-refund", JobID: jobID})
	require.ErrorIs(t, err, domain.ErrRefundNotApplicable)

	account, err := h.svc.GetAccount(context.Background(), "user-free-refund")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultCatalog().FreeAllowance()-1, account.FreeAllowance)
}

func TestRefundCannotExceedSpend(t *testing.T) {
	h := newHarness(t)
	drainFree(t, h, "user-over")
	h.deposit(t, "user-over", 10, "pay-over")

	_, jobID, err := h.reserve(t, "user-over", 10)
	require.NoError(t, err)

	_, err = h.svc.Refund(context.Background(), domain.RefundRequest{AccountID: "user-over", JobID: jobID, Cost: 11})
	require.ErrorIs(t, err, domain.ErrRefundExceedsSpend)
}

func TestDepositIsIdempotentOnPaymentRef(t *testing.T) {
	h := newHarness(t)
	pack := config.DefaultCatalog().Packs()[0]

	first, err := h.svc.Deposit(context.Background(), domain.DepositRequest{
		AccountID:  "user-dep",
		PackID:     pack.ID,
		PaymentRef: "evt_1",
		Provider:   "stripe",
	})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, pack.Credits, first.Account.Balance)

	second, err := h.svc.Deposit(context.Background(), domain.DepositRequest{
		AccountID:  "user-dep",
		PackID:     pack.ID,
		PaymentRef: "evt_1",
		Provider:   "stripe",
	})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, pack.Credits, second.Account.Balance)
}

func TestDepositValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Deposit(ctx, domain.DepositRequest{AccountID: "u", Amount: 5})
	assert.ErrorIs(t, err, domain.ErrInvalidPaymentRef)

	_, err = h.svc.Deposit(ctx, domain.DepositRequest{AccountID: "u", PackID: "nope", PaymentRef: "r1"})
	assert.ErrorIs(t, err, domain.ErrInvalidPack)

	_, err = h.svc.Deposit(ctx, domain.DepositRequest{AccountID: "u", Amount: 0, PaymentRef: "r2"})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestListTransactionsPaginates(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.deposit(t, "user-list", 1, fmt.Sprintf("pay-list-%d", i))
		h.clock.Advance(time.Second)
	}

	first, err := h.svc.ListTransactions(context.Background(), domain.ListTransactionsRequest{
		AccountID:  "user-list",
		Pagination: pagination.Pagination{PageSize: 3},
	})
	require.NoError(t, err)
	require.Len(t, first.Transactions, 3)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := h.svc.ListTransactions(context.Background(), domain.ListTransactionsRequest{
		AccountID:  "user-list",
		Pagination: pagination.Pagination{PageSize: 3, PageToken: first.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.Transactions, 2)
	assert.False(t, second.HasMore)

	assert.True(t, first.Transactions[0].CreatedAt.After(second.Transactions[0].CreatedAt))

	_, err = h.svc.ListTransactions(context.Background(), domain.ListTransactionsRequest{
		AccountID:  "user-list",
		Pagination: pagination.Pagination{PageToken: "%%%"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func TestReconcileMatchesLedger(t *testing.T) {
	h := newHarness(t)
	drainFree(t, h, "user-rec")
	h.deposit(t, "user-rec", 40, "pay-rec")
	_, jobID, err := h.reserve(t, "user-rec", 10)
	require.NoError(t, err)
	_, _, err = h.reserve(t, "user-rec", 10)
	require.NoError(t, err)
	_, err = h.svc.Refund(context.Background(), domain.RefundRequest{AccountID: "user-rec", JobID: jobID})
	require.NoError(t, err)

	report, err := h.svc.Reconcile(context.Background(), "user-rec")
	require.NoError(t, err)
	assert.False(t, report.Drift)
	assert.Equal(t, int64(30), report.Balance)
	assert.Equal(t, int64(10), report.TotalSpent)

	drifted, err := h.svc.AuditAll(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, drifted)
}

func TestAuditAllReportsDrift(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "user-drift", 10, "pay-drift")
	require.NoError(t, h.db.Exec("UPDATE credit_accounts SET balance = 99 WHERE account_id = ?", "user-drift").Error)

	drifted, err := h.svc.AuditAll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.Equal(t, "user-drift", drifted[0].AccountID)
	assert.Equal(t, int64(10), drifted[0].ExpectedBalance)
}

func drainFree(t *testing.T, h *harness, accountID string) {
	t.Helper()
	account, err := h.svc.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	for i := int64(0); i < account.FreeAllowance; i++ {
		res, _, err := h.reserve(t, accountID, 1)
		require.NoError(t, err)
		require.True(t, res.UsedFreeTier)
	}
}
