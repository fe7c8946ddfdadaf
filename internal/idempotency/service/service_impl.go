package service

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/signalworks/insight/internal/clock"
	"github.com/signalworks/insight/internal/config"
	idemdomain "github.com/signalworks/insight/internal/idempotency/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultTTL is the validity window for a stored response.
const DefaultTTL = 24 * time.Hour

// Expired rows are swept opportunistically on roughly this fraction of
// Begin calls rather than by a dedicated timer.
const sweepProbability = 0.01

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.Config
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	ttl   time.Duration

	// sweepRoll returns a uniform [0,1) sample; replaceable in tests.
	sweepRoll func() float64
}

func NewService(p ServiceParam) idemdomain.Service {
	ttl := p.Cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("idempotency.service"),
		clock:     p.Clock,
		ttl:       ttl,
		sweepRoll: rand.Float64,
	}
}

func (s *Service) Begin(ctx context.Context, key string, accountID snowflake.ID, endpoint string) (idemdomain.BeginResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return idemdomain.BeginResult{}, idemdomain.ErrInvalidKey
	}

	if s.sweepRoll != nil && s.sweepRoll() < sweepProbability {
		if _, err := s.SweepExpired(ctx); err != nil {
			s.log.Warn("idempotency sweep failed", zap.Error(err))
		}
	}

	now := s.clock.Now()

	// A fresh key must claim the row before doing any work; an expired row
	// under the same key no longer shields anything and is replaced.
	if err := s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records WHERE key = ? AND expires_at <= ?`,
		key,
		now,
	).Error; err != nil {
		return idemdomain.BeginResult{}, err
	}

	insert := s.db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_records (key, account_id, endpoint, response, expires_at, created_at)
		 VALUES (?, ?, ?, NULL, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		key,
		accountID,
		endpoint,
		now.Add(s.ttl),
		now,
	)
	if insert.Error != nil {
		return idemdomain.BeginResult{}, insert.Error
	}
	if insert.RowsAffected > 0 {
		// First sight: the caller proceeds and calls Complete.
		return idemdomain.BeginResult{}, nil
	}

	var record idemdomain.Record
	err := s.db.WithContext(ctx).
		Where("key = ?", key).
		Limit(1).
		Find(&record).Error
	if err != nil {
		return idemdomain.BeginResult{}, err
	}
	if record.Key == "" {
		// The row vanished between insert and read; treat as in flight and
		// let the caller retry.
		return idemdomain.BeginResult{}, idemdomain.ErrInFlight
	}
	if record.AccountID != accountID || record.Endpoint != endpoint {
		return idemdomain.BeginResult{}, idemdomain.ErrKeyConflict
	}
	if len(record.Response) == 0 {
		return idemdomain.BeginResult{}, idemdomain.ErrInFlight
	}
	return idemdomain.BeginResult{Cached: []byte(record.Response)}, nil
}

func (s *Service) Complete(ctx context.Context, key string, response []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return idemdomain.ErrInvalidKey
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE idempotency_records SET response = ? WHERE key = ?`,
		response,
		key,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return idemdomain.ErrNotFound
	}
	return nil
}

// Release drops an unfinished claim so a later retry re-executes instead
// of being rejected as in flight. A record that already holds a response
// is left alone; releasing an unknown key is a no-op.
func (s *Service) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return idemdomain.ErrInvalidKey
	}
	return s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records WHERE key = ? AND response IS NULL`,
		key,
	).Error
}

func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records WHERE expires_at <= ?`,
		s.clock.Now(),
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Debug("swept expired idempotency records", zap.Int64("removed", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
