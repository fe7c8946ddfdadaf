package scheduler

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
	creditservice "github.com/signalworks/insight/internal/credit/service"
	"github.com/signalworks/insight/internal/tier"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestRunOnceResetsAllAccounts(t *testing.T) {
	runner, ledger, db := setupRunner(t, 2)

	var ids []snowflake.ID
	for i := 0; i < 5; i++ {
		account := mustAccount(t, ledger, fmt.Sprintf("reset-user-%d", i), tier.TierPro)
		// Spend some credits so the reset has something to restore.
		if _, err := ledger.Adjust(context.Background(), account.ID, -int64(10+i), creditdomain.KindActionSpend, nil); err != nil {
			t.Fatalf("debit: %v", err)
		}
		ids = append(ids, account.ID)
	}

	reset, failed, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if reset != 5 || failed != 0 {
		t.Fatalf("expected 5 reset / 0 failed, got %d/%d", reset, failed)
	}

	for _, id := range ids {
		var balance int64
		if err := db.Raw(`SELECT balance FROM accounts WHERE id = ?`, id).Scan(&balance).Error; err != nil {
			t.Fatalf("read balance: %v", err)
		}
		if balance != 200 {
			t.Fatalf("expected balance 200 after reset, got %d", balance)
		}
	}
}

func TestRunOncePagesPastBatchSize(t *testing.T) {
	runner, ledger, _ := setupRunner(t, 3)

	for i := 0; i < 7; i++ {
		mustAccount(t, ledger, fmt.Sprintf("page-user-%d", i), tier.TierFree)
	}

	reset, failed, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if reset != 7 || failed != 0 {
		t.Fatalf("expected every account reset across pages, got %d/%d", reset, failed)
	}
}

func TestRunOnceSkipsFailingAccount(t *testing.T) {
	runner, ledger, _ := setupRunner(t, 10)

	mustAccount(t, ledger, "skip-good", tier.TierPro)
	bad := mustAccount(t, ledger, "skip-bad", tier.TierPro)

	runner.creditSvc = failOneLedger{Service: ledger, failID: bad.ID}

	reset, failed, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if reset != 1 || failed != 1 {
		t.Fatalf("expected 1 reset / 1 failed, got %d/%d", reset, failed)
	}
}

func TestRunOnceEmptyTable(t *testing.T) {
	runner, _, _ := setupRunner(t, 100)

	reset, failed, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if reset != 0 || failed != 0 {
		t.Fatalf("expected nothing to do, got %d/%d", reset, failed)
	}
}

// failOneLedger fails the reset of a single account id.
type failOneLedger struct {
	creditdomain.Service
	failID snowflake.ID
}

func (l failOneLedger) ResetTo(ctx context.Context, accountID snowflake.ID, ceiling int64) (creditdomain.AdjustResult, error) {
	if accountID == l.failID {
		return creditdomain.AdjustResult{}, creditdomain.ErrConcurrentModification
	}
	return l.Service.ResetTo(ctx, accountID, ceiling)
}

var schedulerTestSeq int

func setupRunner(t *testing.T, batch int) (*ResetRunner, creditdomain.Service, *gorm.DB) {
	t.Helper()
	schedulerTestSeq++
	dsn := fmt.Sprintf("file:scheduler_test_%d?mode=memory&cache=shared", schedulerTestSeq)
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
	} {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}

	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	ledger := creditservice.NewService(creditservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Catalog: tier.DefaultCatalog(),
	})
	runner := NewResetRunner(db, zap.NewNop(), ledger, batch)
	return runner, ledger, db
}

func mustAccount(t *testing.T, ledger creditdomain.Service, subject string, tr tier.Tier) *creditdomain.Account {
	t.Helper()
	account, err := ledger.EnsureAccount(context.Background(), subject, tr)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	return account
}
