package domain

import (
	"time"

	"github.com/google/uuid"
)

type Currency string

const (
	CurrencyKES Currency = "KES"
	CurrencyUGX Currency = "UGX"
	CurrencyTZS Currency = "TZS"
	CurrencyUSD Currency = "USD"
)

func (c Currency) IsValid() bool {
	switch c {
	case CurrencyKES, CurrencyUGX, CurrencyTZS, CurrencyUSD:
		return true
	default:
		return false
	}
}

type WalletKind string

const (
	WalletKindUser     WalletKind = "user"
	WalletKindEscrow   WalletKind = "escrow"
	WalletKindPlatform WalletKind = "platform"
	WalletKindClearing WalletKind = "clearing"
	// WalletKindRail mirrors money held outside the platform by a provider rail.
	// It is the only kind allowed to carry a negative balance.
	WalletKindRail WalletKind = "rail"
)

func (k WalletKind) AllowsNegative() bool {
	return k == WalletKindRail
}

type WalletStatus string

const (
	WalletStatusActive   WalletStatus = "active"
	WalletStatusDisabled WalletStatus = "disabled"
)

// Well-known owners of the internal wallets. Each gets one wallet per currency on first use.
var (
	EscrowOwnerID   = uuid.MustParse("00000000-0000-0000-0000-00000000e5c0")
	PlatformOwnerID = uuid.MustParse("00000000-0000-0000-0000-0000000fee00")
	ClearingOwnerID = uuid.MustParse("00000000-0000-0000-0000-0000000c1ea0")
	RailOwnerID     = uuid.MustParse("00000000-0000-0000-0000-0000000ba110")
)

func SystemWalletKind(ownerID uuid.UUID) (WalletKind, bool) {
	switch ownerID {
	case EscrowOwnerID:
		return WalletKindEscrow, true
	case PlatformOwnerID:
		return WalletKindPlatform, true
	case ClearingOwnerID:
		return WalletKindClearing, true
	case RailOwnerID:
		return WalletKindRail, true
	default:
		return "", false
	}
}

type Wallet struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Currency  Currency
	Kind      WalletKind
	Balance   int64
	Version   int64
	Status    WalletStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
