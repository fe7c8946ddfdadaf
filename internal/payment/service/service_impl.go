package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/signalworks/insight/internal/config"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
	paymentdomain "github.com/signalworks/insight/internal/payment/domain"
	"github.com/signalworks/insight/internal/tier"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	providerName    = "subscription"
	signatureHeader = "X-Webhook-Signature"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Catalog   *tier.Catalog
	CreditSvc creditdomain.Service
	Cfg       config.Config
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	catalog   *tier.Catalog
	creditSvc creditdomain.Service
	secret    []byte
}

func NewService(p Params) paymentdomain.Service {
	var secret []byte
	if s := strings.TrimSpace(p.Cfg.WebhookSecret); s != "" {
		secret = []byte(s)
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.service"),
		genID:     p.GenID,
		catalog:   p.Catalog,
		creditSvc: p.CreditSvc,
		secret:    secret,
	}
}

type webhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Subject    string `json:"subject"`
		Tier       string `json:"tier"`
		Credits    int64  `json:"credits"`
		CustomerID string `json:"customer_id"`
	} `json:"data"`
}

func (s *Service) IngestWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	if err := s.verifySignature(payload, headers); err != nil {
		return err
	}

	event, err := parseEvent(payload)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	record := &paymentdomain.WebhookEvent{
		ID:              s.genID.Generate(),
		Provider:        providerName,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		Subject:         event.Subject,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}
	inserted, err := s.insertEvent(ctx, record)
	if err != nil {
		return err
	}
	if !inserted {
		stored, err := s.loadEvent(ctx, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return paymentdomain.ErrEventAlreadyProcessed
		}
		// Redelivery of an event whose first processing did not finish.
		record = stored
	}

	if err := s.processEvent(ctx, event); err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			return s.markProcessed(ctx, record.ID, now)
		}
		return err
	}

	return s.markProcessed(ctx, record.ID, now)
}

func (s *Service) verifySignature(payload []byte, headers http.Header) error {
	if len(s.secret) == 0 {
		return paymentdomain.ErrInvalidSignature
	}
	given := strings.TrimSpace(headers.Get(signatureHeader))
	given = strings.TrimPrefix(given, "sha256=")
	if given == "" {
		return paymentdomain.ErrInvalidSignature
	}
	decoded, err := hex.DecodeString(given)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	if !hmac.Equal(decoded, mac.Sum(nil)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func parseEvent(payload []byte) (*paymentdomain.SubscriptionEvent, error) {
	if !json.Valid(payload) {
		return nil, paymentdomain.ErrInvalidPayload
	}
	var parsed webhookPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	event := &paymentdomain.SubscriptionEvent{
		ProviderEventID: strings.TrimSpace(parsed.ID),
		Type:            strings.TrimSpace(parsed.Type),
		Subject:         strings.TrimSpace(parsed.Data.Subject),
		Tier:            parsed.Data.Tier,
		Credits:         parsed.Data.Credits,
		CustomerID:      strings.TrimSpace(parsed.Data.CustomerID),
	}
	if event.ProviderEventID == "" || event.Type == "" || event.Subject == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	return event, nil
}

func (s *Service) processEvent(ctx context.Context, event *paymentdomain.SubscriptionEvent) error {
	switch event.Type {
	case paymentdomain.EventSubscriptionUpdated:
		return s.applyTierChange(ctx, event)
	case paymentdomain.EventCreditsPurchased:
		return s.applyPurchase(ctx, event)
	default:
		s.log.Info("ignoring webhook event type", zap.String("event_type", event.Type))
		return paymentdomain.ErrEventIgnored
	}
}

func (s *Service) applyTierChange(ctx context.Context, event *paymentdomain.SubscriptionEvent) error {
	parsed, err := tier.Parse(event.Tier)
	if err != nil {
		return paymentdomain.ErrInvalidEvent
	}
	limits, err := s.catalog.Limits(parsed)
	if err != nil {
		return paymentdomain.ErrInvalidEvent
	}

	account, err := s.creditSvc.EnsureAccount(ctx, event.Subject, parsed)
	if err != nil {
		return err
	}
	if err := s.creditSvc.SetTier(ctx, account.ID, parsed, limits.DailyCeiling); err != nil {
		return err
	}
	if event.CustomerID != "" {
		if err := s.db.WithContext(ctx).Exec(
			`UPDATE accounts SET payment_customer_id = ? WHERE id = ?`,
			event.CustomerID,
			account.ID,
		).Error; err != nil {
			return err
		}
	}

	s.log.Info("tier updated from subscription event",
		zap.String("account_id", account.ID.String()),
		zap.String("tier", string(parsed)),
	)
	return nil
}

func (s *Service) applyPurchase(ctx context.Context, event *paymentdomain.SubscriptionEvent) error {
	if event.Credits <= 0 {
		return paymentdomain.ErrInvalidEvent
	}

	account, err := s.creditSvc.EnsureAccount(ctx, event.Subject, tier.TierFree)
	if err != nil {
		return err
	}
	res, err := s.creditSvc.Adjust(ctx, account.ID, event.Credits, creditdomain.KindPurchase, map[string]any{
		"provider_event_id": event.ProviderEventID,
		"provider":          providerName,
	})
	if err != nil {
		return err
	}

	s.log.Info("purchase credited",
		zap.String("account_id", account.ID.String()),
		zap.Int64("credits", event.Credits),
		zap.Int64("new_balance", res.NewBalance),
	)
	return nil
}

func (s *Service) insertEvent(ctx context.Context, event *paymentdomain.WebhookEvent) (bool, error) {
	res := s.db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (id, provider, provider_event_id, event_type, subject, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.Subject,
		[]byte(event.Payload),
		event.ReceivedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Service) loadEvent(ctx context.Context, providerEventID string) (*paymentdomain.WebhookEvent, error) {
	var event paymentdomain.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", providerName, providerEventID).
		Limit(1).
		Find(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (s *Service) markProcessed(ctx context.Context, id snowflake.ID, at time.Time) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET processed_at = ? WHERE id = ?`,
		at,
		id,
	).Error
}
