package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/signalworks/insight/internal/config"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scheduler owns the cron process that fires the daily credit reset at the
// configured local hour.
type Scheduler struct {
	cron   *cron.Cron
	log    *zap.Logger
	runner *ResetRunner
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Log       *zap.Logger
	CreditSvc creditdomain.Service
	Cfg       config.Config
}

func New(p Params) (*Scheduler, error) {
	loc, err := time.LoadLocation(p.Cfg.ResetTimezone)
	if err != nil {
		return nil, fmt.Errorf("load reset timezone %q: %w", p.Cfg.ResetTimezone, err)
	}
	hour := p.Cfg.ResetHour
	if hour < 0 || hour > 23 {
		hour = 0
	}

	log := p.Log.Named("scheduler")
	runner := NewResetRunner(p.DB, p.Log, p.CreditSvc, p.Cfg.ResetBatch)

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(fmt.Sprintf("0 %d * * *", hour), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, _, err := runner.RunOnce(ctx); err != nil {
			log.Error("daily reset sweep aborted", zap.Error(err))
		}
	}); err != nil {
		return nil, err
	}

	s := &Scheduler{cron: c, log: log, runner: runner}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.cron.Start()
			log.Info("reset schedule started",
				zap.Int("hour", hour),
				zap.String("timezone", loc.String()),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx := s.cron.Stop()
			select {
			case <-stopCtx.Done():
			case <-ctx.Done():
			}
			return nil
		},
	})

	return s, nil
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(func(*Scheduler) {}),
)
