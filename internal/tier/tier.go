package tier

import (
	"errors"
	"strings"
)

// Tier is a subscription level. It determines the daily credit ceiling,
// the analysis modes a caller may request and the surcharge schedule.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierPlus Tier = "plus"
	TierMax  Tier = "max"
)

// Toggle names an optional per-request feature that may carry a flat
// surcharge depending on tier.
type Toggle string

const (
	ToggleExpanded    Toggle = "expanded"
	ToggleExplanation Toggle = "explanation"
)

var ErrUnknownTier = errors.New("unknown_tier")

// Limits consolidates every tier-dependent number in one place so the
// pricing engine and the daily reset can never drift apart.
type Limits struct {
	// DailyCeiling is the balance each account of this tier is reset to.
	DailyCeiling int64
	// SignupGrant is the starting balance for new accounts.
	SignupGrant int64
	// Surcharges maps enabled toggles to flat credit surcharges.
	Surcharges map[Toggle]int64
}

// Catalog holds per-tier limits.
type Catalog struct {
	limits map[Tier]Limits
}

// DefaultCatalog returns the production tier table.
func DefaultCatalog() *Catalog {
	return &Catalog{limits: map[Tier]Limits{
		TierFree: {
			DailyCeiling: 30,
			SignupGrant:  30,
			Surcharges:   map[Toggle]int64{},
		},
		TierPro: {
			DailyCeiling: 200,
			SignupGrant:  200,
			Surcharges: map[Toggle]int64{
				ToggleExpanded: 3,
			},
		},
		TierPlus: {
			DailyCeiling: 600,
			SignupGrant:  600,
			Surcharges: map[Toggle]int64{
				ToggleExplanation: 2,
			},
		},
		TierMax: {
			DailyCeiling: 2000,
			SignupGrant:  2000,
			Surcharges: map[Toggle]int64{
				ToggleExplanation: 2,
			},
		},
	}}
}

// NewCatalog builds a catalog from an explicit table, for tests and
// non-default deployments.
func NewCatalog(limits map[Tier]Limits) *Catalog {
	table := make(map[Tier]Limits, len(limits))
	for t, l := range limits {
		table[t] = l
	}
	return &Catalog{limits: table}
}

// Limits returns the limits for t.
func (c *Catalog) Limits(t Tier) (Limits, error) {
	limits, ok := c.limits[t]
	if !ok {
		return Limits{}, ErrUnknownTier
	}
	return limits, nil
}

// Surcharge returns the flat surcharge for a toggle on tier t, zero when
// the tier does not charge for it.
func (c *Catalog) Surcharge(t Tier, toggle Toggle) int64 {
	limits, ok := c.limits[t]
	if !ok {
		return 0
	}
	return limits.Surcharges[toggle]
}

// Parse normalizes a tier string.
func Parse(value string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case TierFree:
		return TierFree, nil
	case TierPro:
		return TierPro, nil
	case TierPlus:
		return TierPlus, nil
	case TierMax:
		return TierMax, nil
	default:
		return "", ErrUnknownTier
	}
}
