package pricing

import (
	"math"
	"unicode/utf8"

	"github.com/signalworks/insight/internal/tier"
)

// Mode is the analysis depth. It drives both provider parameters and price.
type Mode string

const (
	ModeSnapshot Mode = "snapshot"
	ModeExpanded Mode = "expanded"
	ModeDeep     Mode = "deep"
)

const (
	// Text at or under this many characters is priced at the short rate.
	textLengthThreshold = 200

	shortTextCredits int64 = 5
	longTextCredits  int64 = 12

	// Flat per-request image charge, independent of image count.
	imageCredits int64 = 30

	// One extra credit per this many characters of input.
	volumeChunkChars = 500

	// Deep mode multiplies the summed base before surcharges.
	deepMultiplier = 1.2
)

// Options carries the caller-controlled knobs for mode selection.
type Options struct {
	// Expanded is the pro-tier toggle requesting a deeper pass.
	Expanded bool
	// Explanation requests a rationale section; surcharged on some tiers.
	Explanation bool
	// Requested is an explicit mode choice, honored for max-tier callers
	// only. Empty means the service picks.
	Requested Mode
}

// Breakdown itemizes a priced request. Every component is exposed so
// callers can show users what they are paying for.
type Breakdown struct {
	Mode       Mode  `json:"mode"`
	BaseText   int64 `json:"base_text_credits"`
	BaseImage  int64 `json:"base_image_credits"`
	InputExtra int64 `json:"input_extra_credits"`
	Surcharge  int64 `json:"surcharge_credits"`
	Total      int64 `json:"total_credits"`
}

// SelectMode picks the analysis mode for a request. The policy is
// deterministic per tier:
//
//	free: always snapshot.
//	pro:  snapshot, or expanded when the expanded toggle is set.
//	plus: snapshot for short text without images, expanded otherwise.
//	max:  any requested mode, but images force deep and long text
//	      upgrades a snapshot request to expanded. With no explicit
//	      request, short text gets expanded and long text gets deep.
func SelectMode(t tier.Tier, text string, hasImages bool, opts Options) Mode {
	length := utf8.RuneCountInString(text)

	switch t {
	case tier.TierPro:
		if opts.Expanded {
			return ModeExpanded
		}
		return ModeSnapshot
	case tier.TierPlus:
		if length <= textLengthThreshold && !hasImages {
			return ModeSnapshot
		}
		return ModeExpanded
	case tier.TierMax:
		if hasImages {
			return ModeDeep
		}
		switch opts.Requested {
		case ModeSnapshot:
			if length > textLengthThreshold {
				return ModeExpanded
			}
			return ModeSnapshot
		case ModeExpanded, ModeDeep:
			return opts.Requested
		}
		if length > textLengthThreshold {
			return ModeDeep
		}
		return ModeExpanded
	default:
		return ModeSnapshot
	}
}

// Price computes the credit cost of a request. It is a pure function:
// identical inputs always produce an identical breakdown.
func Price(catalog *tier.Catalog, t tier.Tier, mode Mode, text string, imageCount int, opts Options) Breakdown {
	length := utf8.RuneCountInString(text)

	b := Breakdown{Mode: mode}
	if length > textLengthThreshold {
		b.BaseText = longTextCredits
	} else {
		b.BaseText = shortTextCredits
	}
	if imageCount > 0 {
		b.BaseImage = imageCredits
	}
	b.InputExtra = int64(length / volumeChunkChars)

	if opts.Expanded {
		b.Surcharge += catalog.Surcharge(t, tier.ToggleExpanded)
	}
	if opts.Explanation {
		b.Surcharge += catalog.Surcharge(t, tier.ToggleExplanation)
	}

	base := b.BaseText + b.BaseImage + b.InputExtra
	if mode == ModeDeep {
		base = int64(math.Ceil(float64(base) * deepMultiplier))
	}
	b.Total = base + b.Surcharge
	return b
}
