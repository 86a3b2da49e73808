package billing

import (
	"fmt"
	"io"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Fees []catalogRule `yaml:"fees"`
}

type catalogRule struct {
	Code      string        `yaml:"code"`
	Name      string        `yaml:"name"`
	AppliesTo string        `yaml:"applies_to"`
	Kind      string        `yaml:"kind"`
	Flat      int64         `yaml:"flat"`
	Rate      string        `yaml:"rate"`
	Tiers     []catalogTier `yaml:"tiers"`
	Min       *int64        `yaml:"min"`
	Max       *int64        `yaml:"max"`
	Payer     string        `yaml:"payer"`
	Currency  string        `yaml:"currency"`
	Active    *bool         `yaml:"active"`
}

type catalogTier struct {
	UpTo *int64 `yaml:"upto"`
	Flat int64  `yaml:"flat"`
	Rate string `yaml:"rate"`
}

// ParseCatalog reads a YAML fee catalog. Rules are active unless marked otherwise.
func ParseCatalog(r io.Reader) ([]domain.FeeRule, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("ParseCatalog: %w: %w", domain.ErrMalformed, err)
	}

	rules := make([]domain.FeeRule, 0, len(file.Fees))
	seen := make(map[string]bool, len(file.Fees))
	for _, c := range file.Fees {
		rule, err := c.toRule()
		if err != nil {
			return nil, fmt.Errorf("ParseCatalog: fee %q: %w", c.Code, err)
		}
		if seen[rule.Code] {
			return nil, fmt.Errorf("ParseCatalog: duplicate fee %q: %w", rule.Code, domain.ErrMalformed)
		}
		seen[rule.Code] = true
		rules = append(rules, rule)
	}
	return rules, nil
}

func (c catalogRule) toRule() (domain.FeeRule, error) {
	if c.Code == "" || c.Name == "" {
		return domain.FeeRule{}, fmt.Errorf("code and name required: %w", domain.ErrMalformed)
	}

	rule := domain.FeeRule{
		Code:      c.Code,
		Name:      c.Name,
		AppliesTo: domain.FeeCategory(c.AppliesTo),
		Kind:      domain.FeeKind(c.Kind),
		Flat:      c.Flat,
		Min:       c.Min,
		Max:       c.Max,
		Payer:     domain.FeePayer(c.Payer),
		Active:    c.Active == nil || *c.Active,
	}

	switch rule.AppliesTo {
	case domain.FeeCategoryMerchantPayment, domain.FeeCategoryProject, domain.FeeCategoryScheduled,
		domain.FeeCategorySplit, domain.FeeCategoryTopUp:
	default:
		return domain.FeeRule{}, fmt.Errorf("applies_to %q: %w", c.AppliesTo, domain.ErrMalformed)
	}
	switch rule.Kind {
	case domain.FeeKindFlat, domain.FeeKindPercentage, domain.FeeKindTiered:
	default:
		return domain.FeeRule{}, fmt.Errorf("kind %q: %w", c.Kind, domain.ErrMalformed)
	}
	switch rule.Payer {
	case domain.FeePayerCustomer, domain.FeePayerMerchant:
	default:
		return domain.FeeRule{}, fmt.Errorf("payer %q: %w", c.Payer, domain.ErrMalformed)
	}

	if c.Rate != "" {
		rate, err := decimal.NewFromString(c.Rate)
		if err != nil {
			return domain.FeeRule{}, fmt.Errorf("rate %q: %w", c.Rate, domain.ErrMalformed)
		}
		rule.Rate = rate
	}
	if c.Currency != "" {
		cur := domain.Currency(c.Currency)
		if !cur.IsValid() {
			return domain.FeeRule{}, fmt.Errorf("currency %q: %w", c.Currency, domain.ErrInvalidCurrency)
		}
		rule.Currency = &cur
	}

	for _, t := range c.Tiers {
		tier := domain.FeeTier{UpTo: t.UpTo, Flat: t.Flat}
		if t.Rate != "" {
			rate, err := decimal.NewFromString(t.Rate)
			if err != nil {
				return domain.FeeRule{}, fmt.Errorf("tier rate %q: %w", t.Rate, domain.ErrMalformed)
			}
			tier.Rate = rate
		}
		rule.Tiers = append(rule.Tiers, tier)
	}
	if rule.Kind == domain.FeeKindTiered && len(rule.Tiers) == 0 {
		return domain.FeeRule{}, fmt.Errorf("tiered fee without tiers: %w", domain.ErrMalformed)
	}
	return rule, nil
}
