package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// BeginResult reports what Begin found for a key.
type BeginResult struct {
	// Cached is the stored response for a completed prior request, nil
	// when the caller should proceed and Complete later.
	Cached []byte
}

// Service deduplicates retried mutating requests by caller-supplied key.
// A claimed key must not dangle: the caller either stores the produced
// response with Complete or drops the claim with Release so a retry can
// run again.
type Service interface {
	Begin(ctx context.Context, key string, accountID snowflake.ID, endpoint string) (BeginResult, error)
	Complete(ctx context.Context, key string, response []byte) error
	Release(ctx context.Context, key string) error
	SweepExpired(ctx context.Context) (int64, error)
}
