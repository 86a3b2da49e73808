package billing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

const sampleCatalog = `
fees:
  - code: MDR_STD
    name: Merchant discount
    applies_to: MERCHANT_PAYMENT
    kind: PERCENTAGE
    rate: "0.015"
    min: 100
    payer: MERCHANT
  - code: TOPUP_FLAT
    name: Top-up fee
    applies_to: TOPUP
    kind: FLAT
    flat: 50
    payer: CUSTOMER
    currency: KES
  - code: SPLIT_TIERED
    name: Split fee
    applies_to: SPLIT
    kind: TIERED
    payer: CUSTOMER
    active: false
    tiers:
      - upto: 10000
        flat: 10
      - rate: "0.002"
`

func TestParseCatalog(t *testing.T) {
	rules, err := ParseCatalog(strings.NewReader(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, rules, 3)

	mdr := rules[0]
	assert.Equal(t, domain.FeeKindPercentage, mdr.Kind)
	assert.Equal(t, "0.015", mdr.Rate.String())
	require.NotNil(t, mdr.Min)
	assert.Equal(t, int64(100), *mdr.Min)
	assert.True(t, mdr.Active)

	topup := rules[1]
	require.NotNil(t, topup.Currency)
	assert.Equal(t, domain.CurrencyKES, *topup.Currency)

	split := rules[2]
	assert.False(t, split.Active)
	require.Len(t, split.Tiers, 2)
	assert.Nil(t, split.Tiers[1].UpTo)
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown kind", doc: "fees:\n  - {code: A, name: a, applies_to: TOPUP, kind: WEIRD, payer: CUSTOMER}\n"},
		{name: "unknown category", doc: "fees:\n  - {code: A, name: a, applies_to: NOPE, kind: FLAT, payer: CUSTOMER}\n"},
		{name: "bad rate", doc: "fees:\n  - {code: A, name: a, applies_to: TOPUP, kind: PERCENTAGE, rate: abc, payer: CUSTOMER}\n"},
		{name: "duplicate code", doc: "fees:\n  - {code: A, name: a, applies_to: TOPUP, kind: FLAT, payer: CUSTOMER}\n  - {code: A, name: b, applies_to: TOPUP, kind: FLAT, payer: CUSTOMER}\n"},
		{name: "tiered without tiers", doc: "fees:\n  - {code: A, name: a, applies_to: SPLIT, kind: TIERED, payer: CUSTOMER}\n"},
		{name: "unknown field", doc: "fees:\n  - {code: A, name: a, applies_to: TOPUP, kind: FLAT, payer: CUSTOMER, colour: red}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog(strings.NewReader(tt.doc))
			require.Error(t, err)
		})
	}
}
