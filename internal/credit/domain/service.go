package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/signalworks/insight/internal/tier"
)

var (
	ErrInsufficientCredits    = errors.New("insufficient_credits")
	ErrAccountNotFound        = errors.New("account_not_found")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrInvalidDelta           = errors.New("invalid_delta")
)

// AdjustResult reports the outcome of an applied ledger mutation.
type AdjustResult struct {
	NewBalance    int64
	TransactionID snowflake.ID
}

// LedgerService owns every write to an account balance.
type LedgerService interface {
	// Adjust applies a signed delta to the account balance using an
	// optimistic conditional update with one bounded retry. A transaction
	// record is written if and only if the balance change was applied.
	Adjust(ctx context.Context, accountID snowflake.ID, delta int64, kind TransactionKind, detail map[string]any) (AdjustResult, error)

	// ResetTo unconditionally sets the balance to the tier ceiling and
	// records a reset transaction.
	ResetTo(ctx context.Context, accountID snowflake.ID, ceiling int64) (AdjustResult, error)

	// EnsureAccount returns the account for an external identity subject,
	// creating it with the tier's signup grant on first sight.
	EnsureAccount(ctx context.Context, subject string, t tier.Tier) (*Account, error)

	// Get returns an account by id.
	Get(ctx context.Context, accountID snowflake.ID) (*Account, error)

	// SetTier updates tier and daily ceiling after a subscription event.
	SetTier(ctx context.Context, accountID snowflake.ID, t tier.Tier, ceiling int64) error

	// ListTransactions returns the most recent ledger entries for an account.
	ListTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]CreditTransaction, error)
}

// Service is the package alias for LedgerService.
type Service = LedgerService
