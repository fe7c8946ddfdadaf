package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultResetBatch = 100

// accountPage is one row of the reset work query.
type accountPage struct {
	ID           snowflake.ID
	DailyCeiling int64
}

// ResetRunner restores every account balance to its tier ceiling. It is
// separate from the cron trigger so the sweep logic is testable without a
// running schedule.
type ResetRunner struct {
	db        *gorm.DB
	log       *zap.Logger
	creditSvc creditdomain.Service
	batch     int
}

func NewResetRunner(db *gorm.DB, log *zap.Logger, creditSvc creditdomain.Service, batch int) *ResetRunner {
	if batch <= 0 {
		batch = defaultResetBatch
	}
	return &ResetRunner{
		db:        db,
		log:       log.Named("scheduler.reset"),
		creditSvc: creditSvc,
		batch:     batch,
	}
}

// RunOnce sweeps all accounts in id-ordered batches. A failing account is
// logged and skipped; one bad row must not starve the rest of the sweep.
func (r *ResetRunner) RunOnce(ctx context.Context) (reset int, failed int, err error) {
	start := time.Now()
	var cursor snowflake.ID

	for {
		accounts, pageErr := r.fetchPage(ctx, cursor)
		if pageErr != nil {
			return reset, failed, pageErr
		}
		if len(accounts) == 0 {
			break
		}

		for _, account := range accounts {
			if ctx.Err() != nil {
				return reset, failed, ctx.Err()
			}
			if _, resetErr := r.creditSvc.ResetTo(ctx, account.ID, account.DailyCeiling); resetErr != nil {
				failed++
				r.log.Warn("account reset failed",
					zap.String("account_id", account.ID.String()),
					zap.Error(resetErr),
				)
				continue
			}
			reset++
		}
		cursor = accounts[len(accounts)-1].ID
	}

	r.log.Info("daily reset sweep finished",
		zap.Int("reset", reset),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return reset, failed, nil
}

func (r *ResetRunner) fetchPage(ctx context.Context, after snowflake.ID) ([]accountPage, error) {
	var accounts []accountPage
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, daily_ceiling
		 FROM accounts
		 WHERE id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		after,
		r.batch,
	).Scan(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}
