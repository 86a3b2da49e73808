package billing

import (
	"sort"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/shopspring/decimal"
)

// Compute returns the fee a rule charges on base, in minor units. A zero result means the rule
// does not charge anything for this amount.
func Compute(rule domain.FeeRule, override *domain.FeeOverride, base int64) int64 {
	flat := rule.Flat
	rate := rule.Rate
	if override != nil {
		if override.Flat != nil {
			flat = *override.Flat
		}
		if override.Rate != nil {
			rate = *override.Rate
		}
	}

	var fee int64
	switch rule.Kind {
	case domain.FeeKindFlat:
		fee = flat
	case domain.FeeKindPercentage:
		fee = percentOf(base, rate)
	case domain.FeeKindTiered:
		tier, ok := pickTier(rule.Tiers, base)
		if !ok {
			return 0
		}
		fee = tier.Flat + percentOf(base, tier.Rate)
	}

	if rule.Min != nil && fee < *rule.Min {
		fee = *rule.Min
	}
	if rule.Max != nil && fee > *rule.Max {
		fee = *rule.Max
	}
	if fee < 0 {
		return 0
	}
	return fee
}

// percentOf rounds half up to the nearest minor unit.
func percentOf(base int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(base).Mul(rate).Round(0).IntPart()
}

// pickTier takes the first tier whose upper bound covers base, falling back to the last tier.
// Open-ended tiers sort after bounded ones.
func pickTier(tiers []domain.FeeTier, base int64) (domain.FeeTier, bool) {
	if len(tiers) == 0 {
		return domain.FeeTier{}, false
	}
	sorted := make([]domain.FeeTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].UpTo, sorted[j].UpTo
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})

	for _, t := range sorted {
		if t.UpTo == nil || base <= *t.UpTo {
			return t, true
		}
	}
	return sorted[len(sorted)-1], true
}
