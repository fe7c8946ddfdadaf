package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
	"github.com/signalworks/insight/internal/observability/metrics"
	"github.com/signalworks/insight/internal/tier"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// One re-read and retry after a lost conditional update, then the conflict
// is surfaced to the caller.
const maxAdjustAttempts = 2

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Catalog *tier.Catalog
	Metrics *metrics.LedgerMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	catalog *tier.Catalog
	metrics *metrics.LedgerMetrics

	// beforeAttempt, when set, runs between the balance read and the
	// conditional update of each attempt. Test seam for conflict injection.
	beforeAttempt func(attempt int)
}

func NewService(p ServiceParam) creditdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credit.service"),
		genID:   p.GenID,
		catalog: p.Catalog,
		metrics: p.Metrics,
	}
}

type balanceRow struct {
	ID      snowflake.ID
	Balance int64
}

func (s *Service) Adjust(ctx context.Context, accountID snowflake.ID, delta int64, kind creditdomain.TransactionKind, detail map[string]any) (creditdomain.AdjustResult, error) {
	if delta == 0 {
		return creditdomain.AdjustResult{}, creditdomain.ErrInvalidDelta
	}

	balance, err := s.readBalance(ctx, accountID)
	if err != nil {
		return creditdomain.AdjustResult{}, err
	}

	for attempt := 0; attempt < maxAdjustAttempts; attempt++ {
		if s.beforeAttempt != nil {
			s.beforeAttempt(attempt)
		}

		next := balance + delta
		if next < 0 {
			return creditdomain.AdjustResult{}, creditdomain.ErrInsufficientCredits
		}

		txID, applied, err := s.applyConditional(ctx, accountID, balance, next, delta, kind, detail)
		if err != nil {
			return creditdomain.AdjustResult{}, err
		}
		if applied {
			return creditdomain.AdjustResult{NewBalance: next, TransactionID: txID}, nil
		}

		// Lost the write race: another writer changed the balance between
		// our read and the conditional update.
		if attempt < maxAdjustAttempts-1 {
			s.metrics.IncBalanceConflict("retried")
			balance, err = s.readBalance(ctx, accountID)
			if err != nil {
				return creditdomain.AdjustResult{}, err
			}
		}
	}

	s.metrics.IncBalanceConflict("surfaced")
	s.log.Warn("balance adjust lost conditional update twice",
		zap.String("account_id", accountID.String()),
		zap.Int64("delta", delta),
		zap.String("kind", string(kind)),
	)
	return creditdomain.AdjustResult{}, creditdomain.ErrConcurrentModification
}

// applyConditional performs one compare-and-swap attempt. The transaction
// record is inserted in the same database transaction as the balance
// update, so a record exists iff the mutation was durably applied.
func (s *Service) applyConditional(
	ctx context.Context,
	accountID snowflake.ID,
	expected, next, delta int64,
	kind creditdomain.TransactionKind,
	detail map[string]any,
) (snowflake.ID, bool, error) {
	txID := s.genID.Generate()
	now := time.Now().UTC()
	applied := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(
			`UPDATE accounts
			 SET balance = ?, updated_at = ?
			 WHERE id = ? AND balance = ?`,
			next,
			now,
			accountID,
			expected,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		applied = true
		return tx.Create(&creditdomain.CreditTransaction{
			ID:        txID,
			AccountID: accountID,
			Delta:     delta,
			Kind:      kind,
			Detail:    toJSONMap(detail),
			CreatedAt: now,
		}).Error
	})
	if err != nil {
		return 0, false, err
	}
	return txID, applied, nil
}

func (s *Service) ResetTo(ctx context.Context, accountID snowflake.ID, ceiling int64) (creditdomain.AdjustResult, error) {
	txID := s.genID.Generate()
	now := time.Now().UTC()
	var newBalance int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row balanceRow
		if err := tx.Raw(
			`SELECT id, balance FROM accounts WHERE id = ?`,
			accountID,
		).Scan(&row).Error; err != nil {
			return err
		}
		if row.ID == 0 {
			return creditdomain.ErrAccountNotFound
		}

		if err := tx.Exec(
			`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
			ceiling,
			now,
			accountID,
		).Error; err != nil {
			return err
		}

		newBalance = ceiling
		return tx.Create(&creditdomain.CreditTransaction{
			ID:        txID,
			AccountID: accountID,
			Delta:     ceiling - row.Balance,
			Kind:      creditdomain.KindReset,
			Detail: toJSONMap(map[string]any{
				"ceiling":          ceiling,
				"previous_balance": row.Balance,
			}),
			CreatedAt: now,
		}).Error
	})
	if err != nil {
		return creditdomain.AdjustResult{}, err
	}
	return creditdomain.AdjustResult{NewBalance: newBalance, TransactionID: txID}, nil
}

func (s *Service) EnsureAccount(ctx context.Context, subject string, t tier.Tier) (*creditdomain.Account, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, creditdomain.ErrAccountNotFound
	}

	if account, err := s.findBySubject(ctx, subject); err != nil {
		return nil, err
	} else if account != nil {
		return account, nil
	}

	limits, err := s.catalog.Limits(t)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	account := &creditdomain.Account{
		ID:              s.genID.Generate(),
		ExternalSubject: subject,
		Tier:            t,
		Balance:         limits.SignupGrant,
		DailyCeiling:    limits.DailyCeiling,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		// A concurrent first request may have won the insert race on the
		// unique subject index.
		if existing, findErr := s.findBySubject(ctx, subject); findErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return account, nil
}

func (s *Service) Get(ctx context.Context, accountID snowflake.ID) (*creditdomain.Account, error) {
	var account creditdomain.Account
	err := s.db.WithContext(ctx).
		Where("id = ?", accountID).
		Limit(1).
		Find(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, creditdomain.ErrAccountNotFound
	}
	return &account, nil
}

func (s *Service) SetTier(ctx context.Context, accountID snowflake.ID, t tier.Tier, ceiling int64) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE accounts SET tier = ?, daily_ceiling = ?, updated_at = ? WHERE id = ?`,
		t,
		ceiling,
		time.Now().UTC(),
		accountID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return creditdomain.ErrAccountNotFound
	}
	return nil
}

func (s *Service) ListTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]creditdomain.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var records []creditdomain.CreditTransaction
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) readBalance(ctx context.Context, accountID snowflake.ID) (int64, error) {
	var row balanceRow
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id, balance FROM accounts WHERE id = ?`,
		accountID,
	).Scan(&row).Error; err != nil {
		return 0, err
	}
	if row.ID == 0 {
		return 0, creditdomain.ErrAccountNotFound
	}
	return row.Balance, nil
}

func (s *Service) findBySubject(ctx context.Context, subject string) (*creditdomain.Account, error) {
	var account creditdomain.Account
	err := s.db.WithContext(ctx).
		Where("external_subject = ?", subject).
		Limit(1).
		Find(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func toJSONMap(detail map[string]any) datatypes.JSONMap {
	if len(detail) == 0 {
		return nil
	}
	payload := datatypes.JSONMap{}
	for key, value := range detail {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}
	return payload
}
