package domain

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)

// Service ingests subscription collaborator webhooks and translates them
// into ledger and tier mutations.
type Service interface {
	IngestWebhook(ctx context.Context, payload []byte, headers http.Header) error
}
