package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/service/intent"
)

type mockIntents struct {
	pi        *domain.PaymentIntent
	created   intent.CreateRequest
	confirmTo domain.IntentStatus
	createErr error
	queued    int
}

func (m *mockIntents) Create(_ context.Context, req intent.CreateRequest) (*domain.PaymentIntent, error) {
	m.created = req
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &domain.PaymentIntent{
		ID:          uuid.New(),
		CustomerID:  req.CustomerID,
		MerchantID:  req.MerchantID,
		AmountDue:   req.AmountDue,
		Currency:    req.Currency,
		Status:      domain.IntentStatusPending,
		FundingPlan: req.FundingPlan,
	}, nil
}

func (m *mockIntents) Get(_ context.Context, id uuid.UUID) (*intent.View, error) {
	if m.pi == nil || m.pi.ID != id {
		return nil, domain.ErrNotFound
	}
	pi := *m.pi
	return &intent.View{Intent: &pi}, nil
}

func (m *mockIntents) Confirm(ctx context.Context, id uuid.UUID) (*intent.View, error) {
	v, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v.Intent.Status = m.confirmTo
	return v, nil
}

func (m *mockIntents) Queue(_ context.Context, _ uuid.UUID) (*domain.Job, error) {
	m.queued++
	return &domain.Job{ID: uuid.New()}, nil
}

func TestCreateIntent(t *testing.T) {
	customer, merchant := uuid.New(), uuid.New()
	intents := &mockIntents{}
	h := NewIntentHandler(intents)

	r := newRequest(t, http.MethodPost, "/", map[string]any{
		"merchant_id": merchant,
		"amount_due":  1500,
		"currency":    "KES",
		"funding_plan": []map[string]any{
			{"type": "BRIDGE_WALLET", "amount": 1000},
			{"type": "PROVIDER_MPESA", "amount": 500, "account": "254700000001"},
		},
	})
	rec, env := serve(t, h.Create, asCaller(r, customer, domain.UserRoleCustomer))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, customer, intents.created.CustomerID)
	require.Len(t, intents.created.FundingPlan, 2)
	assert.Equal(t, "254700000001", intents.created.FundingPlan[1].Account)

	var dto intentDTO
	decodeData(t, env, &dto)
	assert.Equal(t, "PENDING", dto.Status)

	intents.createErr = domain.ErrFundingPlanMismatch
	r = newRequest(t, http.MethodPost, "/", map[string]any{"merchant_id": merchant, "amount_due": 1500, "currency": "KES"})
	rec, env = serve(t, h.Create, asCaller(r, customer, domain.UserRoleCustomer))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, ErrFundingPlanMismatch.Code, env.Error.Code)
}

func TestConfirmIntent(t *testing.T) {
	customer, merchant := uuid.New(), uuid.New()
	pi := &domain.PaymentIntent{ID: uuid.New(), CustomerID: customer, MerchantID: merchant, Status: domain.IntentStatusPending}

	tests := []struct {
		name     string
		caller   uuid.UUID
		result   domain.IntentStatus
		wantCode int
	}{
		{name: "settled", caller: customer, result: domain.IntentStatusSettled, wantCode: http.StatusOK},
		{name: "failed", caller: customer, result: domain.IntentStatusFailed, wantCode: http.StatusOK},
		{name: "waiting on provider", caller: customer, result: domain.IntentStatusPending, wantCode: http.StatusAccepted},
		{name: "merchant cannot confirm", caller: merchant, result: domain.IntentStatusSettled, wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewIntentHandler(&mockIntents{pi: pi, confirmTo: tt.result})
			r := withParams(asCaller(newRequest(t, http.MethodPost, "/", nil), tt.caller, domain.UserRoleCustomer), "id", pi.ID.String())
			rec, _ := serve(t, h.Confirm, r)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestGetIntent_MerchantMayRead(t *testing.T) {
	customer, merchant := uuid.New(), uuid.New()
	pi := &domain.PaymentIntent{ID: uuid.New(), CustomerID: customer, MerchantID: merchant, Status: domain.IntentStatusPending}
	h := NewIntentHandler(&mockIntents{pi: pi})

	r := withParams(asCaller(newRequest(t, http.MethodGet, "/", nil), merchant, domain.UserRoleMerchant), "id", pi.ID.String())
	rec, _ := serve(t, h.Get, r)
	assert.Equal(t, http.StatusOK, rec.Code)

	r = withParams(asCaller(newRequest(t, http.MethodGet, "/", nil), uuid.New(), domain.UserRoleCustomer), "id", pi.ID.String())
	rec, _ = serve(t, h.Get, r)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueIntent(t *testing.T) {
	customer := uuid.New()
	pi := &domain.PaymentIntent{ID: uuid.New(), CustomerID: customer, MerchantID: uuid.New(), Status: domain.IntentStatusPending}
	intents := &mockIntents{pi: pi}
	h := NewIntentHandler(intents)

	r := withParams(asCaller(newRequest(t, http.MethodPost, "/", nil), customer, domain.UserRoleCustomer), "id", pi.ID.String())
	rec, env := serve(t, h.Queue, r)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, intents.queued)

	var resp queueResponse
	decodeData(t, env, &resp)
	assert.Equal(t, pi.ID, resp.IntentID)
	assert.Equal(t, "PENDING", resp.Status)
	assert.NotEqual(t, uuid.Nil, resp.JobID)
}
