package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Event types accepted from the subscription collaborator.
const (
	EventSubscriptionUpdated = "subscription.updated"
	EventCreditsPurchased    = "credits.purchased"
)

// WebhookEvent stores every received event for dedup and audit. The
// provider event id is unique per provider, so redelivery is detected at
// insert time.
type WebhookEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey" json:"id"`
	Provider        string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1" json:"provider"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2" json:"provider_event_id"`
	EventType       string         `gorm:"type:text;not null" json:"event_type"`
	Subject         string         `gorm:"type:text;not null" json:"subject"`
	Payload         datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	ReceivedAt      time.Time      `gorm:"not null" json:"received_at"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }

// SubscriptionEvent is the parsed, provider-agnostic form of a webhook
// payload.
type SubscriptionEvent struct {
	ProviderEventID string
	Type            string
	// Subject is the external identity the event applies to.
	Subject string
	// Tier is set on subscription.updated events.
	Tier string
	// Credits is set on credits.purchased events.
	Credits int64
	// CustomerID is the collaborator's customer reference, kept on the
	// account for support lookups.
	CustomerID string
}
