package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/signalworks/insight/internal/pricing"
	"github.com/signalworks/insight/internal/tier"
)

// SubmitRequest is an admitted, authenticated analysis request.
type SubmitRequest struct {
	AccountID  snowflake.ID
	Tier       tier.Tier
	Text       string
	ImageCount int
	Options    pricing.Options
}

// SubmitResult carries the finished (or failed) job plus the price the
// caller was charged.
type SubmitResult struct {
	Job        *AnalysisJob
	Breakdown  pricing.Breakdown
	NewBalance int64
	// Refunded is set when the job failed and the debit was compensated.
	Refunded bool
}

// Service runs the debit -> analyze -> finalize-or-refund pipeline.
type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Get(ctx context.Context, accountID, jobID snowflake.ID) (*AnalysisJob, error)
}
