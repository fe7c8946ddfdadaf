package usagestats

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DailyUsage aggregates completed analyses per provider per UTC day.
type DailyUsage struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Day       string       `gorm:"type:text;not null;uniqueIndex:ux_daily_usage_day_provider,priority:1"`
	Provider  string       `gorm:"type:text;not null;uniqueIndex:ux_daily_usage_day_provider,priority:2"`
	Analyses  int64        `gorm:"not null"`
	Tokens    int64        `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DailyUsage) TableName() string { return "daily_usage" }

// Recorder rolls completed analyses into the per-day metrics row.
type Recorder struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

type RecorderParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

func NewRecorder(p RecorderParam) *Recorder {
	return &Recorder{
		db:    p.DB,
		log:   p.Log.Named("usagestats"),
		genID: p.GenID,
	}
}

// RecordAnalysis increments the analysis count and token total for the
// provider's row on the given day, creating the row on first use.
func (r *Recorder) RecordAnalysis(ctx context.Context, provider string, tokens int64, at time.Time) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "unknown"
	}
	if tokens < 0 {
		tokens = 0
	}
	day := at.UTC().Format("2006-01-02")
	now := time.Now().UTC()

	return r.db.WithContext(ctx).Exec(
		`INSERT INTO daily_usage (id, day, provider, analyses, tokens, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT (day, provider) DO UPDATE
		 SET analyses = daily_usage.analyses + 1,
		     tokens = daily_usage.tokens + excluded.tokens,
		     updated_at = excluded.updated_at`,
		r.genID.Generate(),
		day,
		provider,
		tokens,
		now,
	).Error
}

// ForDay returns the rollups for one UTC day, all providers.
func (r *Recorder) ForDay(ctx context.Context, at time.Time) ([]DailyUsage, error) {
	var rows []DailyUsage
	err := r.db.WithContext(ctx).
		Where("day = ?", at.UTC().Format("2006-01-02")).
		Order("provider ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

var Module = fx.Module("usagestats",
	fx.Provide(NewRecorder),
)
