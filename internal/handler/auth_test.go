package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/josh-kwaku/wallet-settlement/internal/auth"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

const testJWTSecret = "jwt-test-secret"

type mockUsers struct {
	byEmail map[string]*domain.User
}

func (m *mockUsers) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	u, ok := m.byEmail[email]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

func (m *mockUsers) Create(_ context.Context, u *domain.User) error {
	if _, ok := m.byEmail[u.Email]; ok {
		return domain.ErrEmailTaken
	}
	m.byEmail[u.Email] = u
	return nil
}

func (m *mockUsers) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	for _, u := range m.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, domain.ErrNotFound
}

func seededUsers(t *testing.T) *mockUsers {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)
	return &mockUsers{byEmail: map[string]*domain.User{
		"jane@example.com": {ID: uuid.New(), Email: "jane@example.com", Name: "Jane", PasswordHash: string(hash), Role: domain.UserRoleMerchant, Status: domain.UserStatusActive},
		"gone@example.com": {ID: uuid.New(), Email: "gone@example.com", Name: "Gone", PasswordHash: string(hash), Role: domain.UserRoleCustomer, Status: domain.UserStatusSuspended},
	}}
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
		wantErr  string
	}{
		{name: "ok", body: map[string]any{"email": "jane@example.com", "password": "correct-horse"}, wantCode: http.StatusOK},
		{name: "wrong password", body: map[string]any{"email": "jane@example.com", "password": "nope"}, wantCode: http.StatusUnauthorized, wantErr: ErrInvalidCredentials.Code},
		{name: "unknown email", body: map[string]any{"email": "who@example.com", "password": "x"}, wantCode: http.StatusUnauthorized, wantErr: ErrInvalidCredentials.Code},
		{name: "suspended", body: map[string]any{"email": "gone@example.com", "password": "correct-horse"}, wantCode: http.StatusForbidden, wantErr: ErrForbidden.Code},
		{name: "missing fields", body: map[string]any{}, wantCode: http.StatusBadRequest, wantErr: ErrValidationFailed.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAuthHandler(seededUsers(t), testJWTSecret, time.Hour)
			rec, env := serve(t, h.Login, newRequest(t, http.MethodPost, "/", tt.body))
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, env.Error.Code)
				return
			}

			var resp loginResponse
			decodeData(t, env, &resp)
			claims, err := auth.ValidateToken(resp.Token, testJWTSecret)
			require.NoError(t, err)
			assert.Equal(t, domain.UserRoleMerchant, claims.Role)
			assert.Equal(t, resp.User.ID, claims.UserID)
		})
	}
}

func TestRegister(t *testing.T) {
	users := &mockUsers{byEmail: map[string]*domain.User{}}
	h := NewAuthHandler(users, testJWTSecret, time.Hour)

	rec, env := serve(t, h.Register, newRequest(t, http.MethodPost, "/", map[string]any{
		"email":    "New.User@Example.com",
		"name":     "New User",
		"password": "long-enough",
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp loginResponse
	decodeData(t, env, &resp)
	assert.Equal(t, "new.user@example.com", resp.User.Email)
	assert.Equal(t, "customer", resp.User.Role)

	stored := users.byEmail["new.user@example.com"]
	require.NotNil(t, stored)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("long-enough")))

	rec, env = serve(t, h.Register, newRequest(t, http.MethodPost, "/", map[string]any{
		"email":    "new.user@example.com",
		"name":     "Again",
		"password": "long-enough",
	}))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrEmailTaken.Code, env.Error.Code)
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{name: "bad email", body: map[string]any{"email": "nope", "name": "A", "password": "long-enough"}, field: "email"},
		{name: "short password", body: map[string]any{"email": "a@b.io", "name": "A", "password": "short"}, field: "password"},
		{name: "admin role", body: map[string]any{"email": "a@b.io", "name": "A", "password": "long-enough", "role": "admin"}, field: "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAuthHandler(&mockUsers{byEmail: map[string]*domain.User{}}, testJWTSecret, time.Hour)
			rec, env := serve(t, h.Register, newRequest(t, http.MethodPost, "/", tt.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var fields []FieldError
			require.NoError(t, jsonRemarshal(env.Error.Details, &fields))
			require.Len(t, fields, 1)
			assert.Equal(t, tt.field, fields[0].Field)
		})
	}
}

type mockWallets struct {
	wallets []domain.Wallet
	err     error
}

func (m *mockWallets) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]domain.Wallet, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Wallet
	for _, w := range m.wallets {
		if w.OwnerID == ownerID {
			out = append(out, w)
		}
	}
	return out, nil
}

func TestMe(t *testing.T) {
	users := seededUsers(t)
	jane := users.byEmail["jane@example.com"]
	wallets := &mockWallets{wallets: []domain.Wallet{
		{ID: uuid.New(), OwnerID: jane.ID, Currency: "KES", Balance: 1500, Status: domain.WalletStatusActive},
		{ID: uuid.New(), OwnerID: uuid.New(), Currency: "KES", Balance: 99},
	}}
	h := NewUserHandler(users, wallets)

	rec, env := serve(t, h.Me, asCaller(newRequest(t, http.MethodGet, "/", nil), jane.ID, jane.Role))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp meResponse
	decodeData(t, env, &resp)
	assert.Equal(t, "jane@example.com", resp.User.Email)
	require.Len(t, resp.Wallets, 1)
	assert.Equal(t, int64(1500), resp.Wallets[0].Balance)
}

func TestMe_NoWalletsYet(t *testing.T) {
	users := seededUsers(t)
	jane := users.byEmail["jane@example.com"]
	h := NewUserHandler(users, &mockWallets{})

	rec, env := serve(t, h.Me, asCaller(newRequest(t, http.MethodGet, "/", nil), jane.ID, jane.Role))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp meResponse
	decodeData(t, env, &resp)
	assert.NotNil(t, resp.Wallets)
	assert.Empty(t, resp.Wallets)
}
