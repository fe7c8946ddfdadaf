package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/signalworks/insight/internal/analysis"
	"github.com/signalworks/insight/internal/clock"
	"github.com/signalworks/insight/internal/config"
	"github.com/signalworks/insight/internal/credit"
	"github.com/signalworks/insight/internal/idempotency"
	"github.com/signalworks/insight/internal/migration"
	"github.com/signalworks/insight/internal/observability"
	"github.com/signalworks/insight/internal/payment"
	"github.com/signalworks/insight/internal/scheduler"
	"github.com/signalworks/insight/internal/seed"
	"github.com/signalworks/insight/internal/server"
	"github.com/signalworks/insight/internal/tier"
	"github.com/signalworks/insight/internal/usagestats"
	"github.com/signalworks/insight/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		clock.Module,
		tier.Module,
		fx.Provide(func() (*snowflake.Node, error) {
			return snowflake.NewNode(1)
		}),
		db.Module,
		fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			if !cfg.IsProduction() {
				return seed.EnsureDemoAccount(conn)
			}
			return nil
		}),
		credit.Module,
		idempotency.Module,
		usagestats.Module,
		analysis.Module,
		payment.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}
