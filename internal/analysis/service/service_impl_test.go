package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	analysisdomain "github.com/signalworks/insight/internal/analysis/domain"
	"github.com/signalworks/insight/internal/analysis/provider"
	"github.com/signalworks/insight/internal/clock"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
	creditservice "github.com/signalworks/insight/internal/credit/service"
	"github.com/signalworks/insight/internal/tier"
	"github.com/signalworks/insight/internal/usagestats"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type stubAdapter struct {
	name   string
	result *provider.Result
	err    error
	calls  int
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Analyze(ctx context.Context, req provider.Request) (*provider.Result, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

// blockingAdapter never answers; it relies on the caller's deadline.
type blockingAdapter struct{}

func (blockingAdapter) Name() string { return "openai" }

func (blockingAdapter) Analyze(ctx context.Context, req provider.Request) (*provider.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSubmitSuccess(t *testing.T) {
	adapter := &stubAdapter{
		name:   "openai",
		result: &provider.Result{Output: json.RawMessage(`{"analysis":"ok"}`), TokensUsed: 120},
	}
	svc, ledger, db := setupAnalysis(t, adapter)
	account := mustAccount(t, ledger, "analysis-success", tier.TierPro)

	res, err := svc.Submit(context.Background(), analysisdomain.SubmitRequest{
		AccountID: account.ID,
		Tier:      account.Tier,
		Text:      "hello world",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Job.Status != analysisdomain.StatusDone {
		t.Fatalf("expected done, got %q", res.Job.Status)
	}
	if res.Breakdown.Total != 5 {
		t.Fatalf("expected total 5 for short text, got %d", res.Breakdown.Total)
	}
	if res.NewBalance != account.Balance-5 {
		t.Fatalf("expected balance %d, got %d", account.Balance-5, res.NewBalance)
	}
	if res.Job.TokensUsed != 120 {
		t.Fatalf("expected tokens 120, got %d", res.Job.TokensUsed)
	}
	if adapter.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", adapter.calls)
	}

	stored, err := svc.Get(context.Background(), account.ID, res.Job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != analysisdomain.StatusDone || len(stored.Result) == 0 {
		t.Fatalf("stored job incomplete: status=%q result=%q", stored.Status, stored.Result)
	}

	var analyses int64
	if err := db.Raw(`SELECT analyses FROM daily_usage WHERE provider = 'openai'`).Scan(&analyses).Error; err != nil {
		t.Fatalf("read daily usage: %v", err)
	}
	if analyses != 1 {
		t.Fatalf("expected 1 recorded analysis, got %d", analyses)
	}
}

func TestSubmitEmptyInput(t *testing.T) {
	svc, ledger, _ := setupAnalysis(t, &stubAdapter{name: "openai"})
	account := mustAccount(t, ledger, "analysis-empty", tier.TierPro)

	_, err := svc.Submit(context.Background(), analysisdomain.SubmitRequest{
		AccountID: account.ID,
		Tier:      account.Tier,
	})
	if !errors.Is(err, analysisdomain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSubmitInsufficientCreditsCreatesNoJob(t *testing.T) {
	svc, ledger, db := setupAnalysis(t, &stubAdapter{name: "openai"})
	account := mustAccount(t, ledger, "analysis-poor", tier.TierPro)

	// Drain the balance so any priced request exceeds it.
	if _, err := ledger.Adjust(context.Background(), account.ID, -account.Balance, creditdomain.KindAdminAdjust, nil); err != nil {
		t.Fatalf("drain balance: %v", err)
	}

	_, err := svc.Submit(context.Background(), analysisdomain.SubmitRequest{
		AccountID: account.ID,
		Tier:      account.Tier,
		Text:      "hello",
	})
	if !errors.Is(err, creditdomain.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	var jobs int64
	if err := db.Raw(`SELECT COUNT(1) FROM analysis_jobs WHERE account_id = ?`, account.ID).Scan(&jobs).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if jobs != 0 {
		t.Fatalf("expected no jobs after rejected debit, got %d", jobs)
	}
}

func TestSubmitProviderFailureRefunds(t *testing.T) {
	adapter := &stubAdapter{name: "openai", err: fmt.Errorf("%w: status 503", provider.ErrUpstreamFailure)}
	svc, ledger, db := setupAnalysis(t, adapter)
	account := mustAccount(t, ledger, "analysis-fail", tier.TierPro)

	res, err := svc.Submit(context.Background(), analysisdomain.SubmitRequest{
		AccountID: account.ID,
		Tier:      account.Tier,
		Text:      "hello",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Job.Status != analysisdomain.StatusFailed {
		t.Fatalf("expected failed, got %q", res.Job.Status)
	}
	if !res.Refunded {
		t.Fatalf("expected refund to be applied")
	}
	if res.NewBalance != account.Balance {
		t.Fatalf("expected balance restored to %d, got %d", account.Balance, res.NewBalance)
	}
	if res.Job.FailureReason == nil || *res.Job.FailureReason == "" {
		t.Fatalf("expected failure reason to be recorded")
	}
	if res.Job.RefundTxID == nil {
		t.Fatalf("expected refund transaction to be linked")
	}

	var kinds []string
	if err := db.Raw(
		`SELECT kind FROM credit_transactions WHERE account_id = ? ORDER BY id ASC`,
		account.ID,
	).Scan(&kinds).Error; err != nil {
		t.Fatalf("read transactions: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != string(creditdomain.KindActionSpend) || kinds[1] != string(creditdomain.KindRefund) {
		t.Fatalf("expected spend then refund, got %v", kinds)
	}
}

func TestSubmitTimeoutRefunds(t *testing.T) {
	svc, ledger, _ := setupAnalysis(t, blockingAdapter{})
	svc.callTimeout = 50 * time.Millisecond
	account := mustAccount(t, ledger, "analysis-timeout", tier.TierPro)

	res, err := svc.Submit(context.Background(), analysisdomain.SubmitRequest{
		AccountID: account.ID,
		Tier:      account.Tier,
		Text:      "hello",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Job.Status != analysisdomain.StatusFailed || !res.Refunded {
		t.Fatalf("expected failed and refunded, got status=%q refunded=%v", res.Job.Status, res.Refunded)
	}
	if res.NewBalance != account.Balance {
		t.Fatalf("expected balance restored to %d, got %d", account.Balance, res.NewBalance)
	}
}

func TestSubmitUnknownProviderRefunds(t *testing.T) {
	svc, ledger, _ := setupAnalysis(t)
	account := mustAccount(t, ledger, "analysis-noprov", tier.TierPro)

	res, err := svc.Submit(context.Background(), analysisdomain.SubmitRequest{
		AccountID: account.ID,
		Tier:      account.Tier,
		Text:      "hello",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Job.Status != analysisdomain.StatusFailed || !res.Refunded {
		t.Fatalf("expected failed and refunded, got status=%q refunded=%v", res.Job.Status, res.Refunded)
	}
}

func TestSubmitJobStartFailureRefunds(t *testing.T) {
	adapter := &stubAdapter{
		name:   "openai",
		result: &provider.Result{Output: json.RawMessage(`{"analysis":"ok"}`), TokensUsed: 10},
	}
	svc, ledger, db := setupAnalysis(t, adapter)
	account := mustAccount(t, ledger, "analysis-lostjob", tier.TierPro)

	// Drop the job row before it can start so the pending to processing
	// move misses.
	svc.beforeRun = func() {
		if err := db.Exec(`DELETE FROM analysis_jobs WHERE account_id = ?`, account.ID).Error; err != nil {
			t.Fatalf("delete job: %v", err)
		}
	}

	_, err := svc.Submit(context.Background(), analysisdomain.SubmitRequest{
		AccountID: account.ID,
		Tier:      account.Tier,
		Text:      "hello",
	})
	if !errors.Is(err, analysisdomain.ErrJobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
	if adapter.calls != 0 {
		t.Fatalf("provider must not run for a job that never started, got %d calls", adapter.calls)
	}

	balance := int64(-1)
	if err := db.Raw(`SELECT balance FROM accounts WHERE id = ?`, account.ID).Scan(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance != account.Balance {
		t.Fatalf("expected balance restored to %d, got %d", account.Balance, balance)
	}

	var kinds []string
	if err := db.Raw(
		`SELECT kind FROM credit_transactions WHERE account_id = ? ORDER BY id ASC`,
		account.ID,
	).Scan(&kinds).Error; err != nil {
		t.Fatalf("read transactions: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != string(creditdomain.KindActionSpend) || kinds[1] != string(creditdomain.KindRefund) {
		t.Fatalf("expected spend then refund, got %v", kinds)
	}
}

// refundBlockedLedger delegates to the real ledger but rejects refunds,
// simulating persistent write contention on the compensation path.
type refundBlockedLedger struct {
	creditdomain.Service
}

func (l refundBlockedLedger) Adjust(ctx context.Context, accountID snowflake.ID, delta int64, kind creditdomain.TransactionKind, detail map[string]any) (creditdomain.AdjustResult, error) {
	if kind == creditdomain.KindRefund {
		return creditdomain.AdjustResult{}, creditdomain.ErrConcurrentModification
	}
	return l.Service.Adjust(ctx, accountID, delta, kind, detail)
}

func TestSubmitRefundFailureEscalates(t *testing.T) {
	adapter := &stubAdapter{name: "openai", err: provider.ErrInvalidResult}
	svc, ledger, db := setupAnalysis(t, adapter)
	svc.creditSvc = refundBlockedLedger{Service: ledger}
	account := mustAccount(t, ledger, "analysis-norefund", tier.TierPro)

	res, err := svc.Submit(context.Background(), analysisdomain.SubmitRequest{
		AccountID: account.ID,
		Tier:      account.Tier,
		Text:      "hello",
	})
	if !errors.Is(err, analysisdomain.ErrRefundFailure) {
		t.Fatalf("expected refund failure, got %v", err)
	}
	if res.Job == nil || res.Job.Status != analysisdomain.StatusFailed {
		t.Fatalf("expected failed job in escalated result")
	}
	if res.Refunded {
		t.Fatalf("refund must not be reported on escalation")
	}

	balance := int64(-1)
	if err := db.Raw(`SELECT balance FROM accounts WHERE id = ?`, account.ID).Scan(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance != account.Balance-res.Breakdown.Total {
		t.Fatalf("expected debit to remain, got balance %d", balance)
	}
}

func TestGetScopedToAccount(t *testing.T) {
	adapter := &stubAdapter{
		name:   "openai",
		result: &provider.Result{Output: json.RawMessage(`{"analysis":"ok"}`), TokensUsed: 10},
	}
	svc, ledger, _ := setupAnalysis(t, adapter)
	owner := mustAccount(t, ledger, "analysis-owner", tier.TierPro)
	other := mustAccount(t, ledger, "analysis-other", tier.TierPro)

	res, err := svc.Submit(context.Background(), analysisdomain.SubmitRequest{
		AccountID: owner.ID,
		Tier:      owner.Tier,
		Text:      "hello",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := svc.Get(context.Background(), other.ID, res.Job.ID); !errors.Is(err, analysisdomain.ErrJobNotFound) {
		t.Fatalf("expected not found for foreign account, got %v", err)
	}
	if _, err := svc.Get(context.Background(), owner.ID, snowflake.ID(987654)); !errors.Is(err, analysisdomain.ErrJobNotFound) {
		t.Fatalf("expected not found for unknown job, got %v", err)
	}
}

var analysisTestSeq int

func setupAnalysis(t *testing.T, adapters ...provider.Adapter) (*Service, creditdomain.Service, *gorm.DB) {
	t.Helper()
	analysisTestSeq++
	dsn := fmt.Sprintf("file:analysis_test_%d?mode=memory&cache=shared", analysisTestSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY,
			external_subject TEXT NOT NULL UNIQUE,
			tier TEXT NOT NULL,
			balance BIGINT NOT NULL,
			daily_ceiling BIGINT NOT NULL,
			payment_customer_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id INTEGER PRIMARY KEY,
			account_id BIGINT NOT NULL,
			delta BIGINT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS analysis_jobs (
			id INTEGER PRIMARY KEY,
			account_id BIGINT NOT NULL,
			mode TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			text_length INTEGER NOT NULL,
			image_count INTEGER NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			cost_credits BIGINT NOT NULL,
			debit_tx_id BIGINT NOT NULL,
			refund_tx_id BIGINT,
			failure_reason TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_usage (
			id INTEGER PRIMARY KEY,
			day TEXT NOT NULL,
			provider TEXT NOT NULL,
			analyses BIGINT NOT NULL DEFAULT 0,
			tokens BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (day, provider)
		)`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}

	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	catalog := tier.DefaultCatalog()
	ledger := creditservice.NewService(creditservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Catalog: catalog,
	})
	recorder := usagestats.NewRecorder(usagestats.RecorderParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})

	svc := &Service{
		db:          db,
		log:         zap.NewNop(),
		genID:       node,
		clock:       clock.SystemClock{},
		catalog:     catalog,
		creditSvc:   ledger,
		registry:    provider.NewRegistry(adapters...),
		recorder:    recorder,
		callTimeout: 5 * time.Second,
	}
	return svc, ledger, db
}

func mustAccount(t *testing.T, ledger creditdomain.Service, subject string, tr tier.Tier) *creditdomain.Account {
	t.Helper()
	account, err := ledger.EnsureAccount(context.Background(), subject, tr)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	return account
}
