package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

const TestPassword = "password123"

func SeedUser(t *testing.T, db *sql.DB, email string, role domain.UserRole) *domain.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	phone := "254700000001"
	u := &domain.User{
		ID:           uuid.New(),
		Email:        email,
		Name:         email,
		PasswordHash: string(hash),
		Phone:        &phone,
		Role:         role,
		Status:       domain.UserStatusActive,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = db.Exec(
		`INSERT INTO users (id, email, name, password_hash, phone, role, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.Phone, u.Role, u.Status, u.CreatedAt,
	)
	if err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return u
}

// SeedWallet creates the wallet for (owner, currency) and funds it from the rail wallet with
// a balanced pair of ledger entries, so seeded money nets to zero like any other movement.
func SeedWallet(t *testing.T, db *sql.DB, ownerID uuid.UUID, currency domain.Currency, balance int64) *domain.Wallet {
	t.Helper()

	w := ensureWallet(t, db, ownerID, currency)
	if balance > 0 {
		Fund(t, db, w.ID, currency, balance)
		w.Balance = balance
	}
	return w
}

// Fund credits walletID from the rail wallet outside of the ledger service.
func Fund(t *testing.T, db *sql.DB, walletID uuid.UUID, currency domain.Currency, amount int64) {
	t.Helper()

	rail := ensureWallet(t, db, domain.RailOwnerID, currency)
	ref := "seed-" + uuid.NewString()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("fund: begin: %v", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		query string
		args  []any
	}{
		{`UPDATE wallets SET balance = balance - $1, version = version + 1 WHERE id = $2`, []any{amount, rail.ID}},
		{`UPDATE wallets SET balance = balance + $1, version = version + 1 WHERE id = $2`, []any{amount, walletID}},
		{`INSERT INTO ledger_entries (id, wallet_id, counterparty_wallet_id, entry_type, amount, currency, ref, narration, posted_at)
		  VALUES ($1, $2, $3, 'debit', $4, $5, $6, 'seed', now())`, []any{uuid.New(), rail.ID, walletID, amount, currency, ref + "-rail"}},
		{`INSERT INTO ledger_entries (id, wallet_id, counterparty_wallet_id, entry_type, amount, currency, ref, narration, posted_at)
		  VALUES ($1, $2, $3, 'credit', $4, $5, $6, 'seed', now())`, []any{uuid.New(), walletID, rail.ID, amount, currency, ref + "-credit"}},
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s.query, s.args...); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("fund: commit: %v", err)
	}
}

func ensureWallet(t *testing.T, db *sql.DB, ownerID uuid.UUID, currency domain.Currency) *domain.Wallet {
	t.Helper()

	kind, ok := domain.SystemWalletKind(ownerID)
	if !ok {
		kind = domain.WalletKindUser
	}
	_, err := db.Exec(
		`INSERT INTO wallets (id, owner_id, currency, kind) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner_id, currency) DO NOTHING`,
		uuid.New(), ownerID, currency, kind,
	)
	if err != nil {
		t.Fatalf("ensure wallet %s/%s: %v", ownerID, currency, err)
	}

	var w domain.Wallet
	err = db.QueryRow(
		`SELECT id, owner_id, currency, kind, balance, version, status, created_at, updated_at
		 FROM wallets WHERE owner_id = $1 AND currency = $2`, ownerID, currency,
	).Scan(&w.ID, &w.OwnerID, &w.Currency, &w.Kind, &w.Balance, &w.Version, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		t.Fatalf("load wallet %s/%s: %v", ownerID, currency, err)
	}
	return &w
}

func SeedOrder(t *testing.T, db *sql.DB, customerID, merchantID uuid.UUID, amount int64, currency domain.Currency) *domain.Order {
	t.Helper()

	now := time.Now().UTC()
	o := &domain.Order{
		ID:         uuid.New(),
		CustomerID: customerID,
		MerchantID: merchantID,
		Amount:     amount,
		Currency:   currency,
		Status:     domain.OrderStatusPendingPayment,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := db.Exec(
		`INSERT INTO orders (id, customer_id, merchant_id, amount, currency, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.CustomerID, o.MerchantID, o.Amount, o.Currency, o.Status, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func SeedFeeRule(t *testing.T, db *sql.DB, code string, category domain.FeeCategory, kind domain.FeeKind, flat int64, rate string, payer domain.FeePayer) {
	t.Helper()

	_, err := db.Exec(
		`INSERT INTO fee_catalog (code, name, applies_to, kind, flat, rate, payer)
		 VALUES ($1, $1, $2, $3, $4, $5::numeric, $6)`,
		code, category, kind, flat, rate, payer,
	)
	if err != nil {
		t.Fatalf("seed fee rule %s: %v", code, err)
	}
}

func GetWalletBalance(t *testing.T, db *sql.DB, walletID uuid.UUID) int64 {
	t.Helper()

	var balance int64
	err := db.QueryRow(`SELECT balance FROM wallets WHERE id = $1`, walletID).Scan(&balance)
	if err != nil {
		t.Fatalf("get wallet balance %s: %v", walletID, err)
	}
	return balance
}

func GetOwnerBalance(t *testing.T, db *sql.DB, ownerID uuid.UUID, currency domain.Currency) int64 {
	t.Helper()

	var balance int64
	err := db.QueryRow(
		`SELECT COALESCE((SELECT balance FROM wallets WHERE owner_id = $1 AND currency = $2), 0)`,
		ownerID, currency,
	).Scan(&balance)
	if err != nil {
		t.Fatalf("get owner balance %s/%s: %v", ownerID, currency, err)
	}
	return balance
}

func CountLedgerEntries(t *testing.T, db *sql.DB, refPrefix string) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM ledger_entries WHERE ref LIKE $1`, refPrefix+"%").Scan(&count)
	if err != nil {
		t.Fatalf("count ledger entries %s: %v", refPrefix, err)
	}
	return count
}

// SignedSumByCorrelation nets debits against credits for one settlement's correlation id.
func SignedSumByCorrelation(t *testing.T, db *sql.DB, correlationID string) int64 {
	t.Helper()

	var sum int64
	err := db.QueryRow(
		`SELECT COALESCE(SUM(CASE WHEN entry_type = 'credit' THEN amount ELSE -amount END), 0)
		 FROM ledger_entries WHERE metadata ->> 'correlation_id' = $1`, correlationID,
	).Scan(&sum)
	if err != nil {
		t.Fatalf("sum ledger by correlation %s: %v", correlationID, err)
	}
	return sum
}

func ScalarInt(t *testing.T, db *sql.DB, query string, args ...any) int64 {
	t.Helper()

	var n int64
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("scalar %q: %v", query, err)
	}
	return n
}
