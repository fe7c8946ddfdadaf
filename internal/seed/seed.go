package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
	"github.com/signalworks/insight/internal/tier"
	"gorm.io/gorm"
)

const demoSubject = "demo@insight.local"

// EnsureDemoAccount seeds one demo account for local development so the
// API is exercisable immediately after first boot. Production deployments
// never call this.
func EnsureDemoAccount(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}
	limits, err := tier.DefaultCatalog().Limits(tier.TierPro)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing creditdomain.Account
		err := tx.WithContext(ctx).
			Where("external_subject = ?", demoSubject).
			Limit(1).
			Find(&existing).Error
		if err != nil {
			return err
		}
		if existing.ID != 0 {
			return nil
		}

		now := time.Now().UTC()
		account := creditdomain.Account{
			ID:              node.Generate(),
			ExternalSubject: demoSubject,
			Tier:            tier.TierPro,
			Balance:         limits.SignupGrant,
			DailyCeiling:    limits.DailyCeiling,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.WithContext(ctx).Create(&account).Error; err != nil {
			return err
		}
		return tx.WithContext(ctx).Create(&creditdomain.CreditTransaction{
			ID:        node.Generate(),
			AccountID: account.ID,
			Delta:     limits.SignupGrant,
			Kind:      creditdomain.KindAdminAdjust,
			CreatedAt: now,
		}).Error
	})
}
