package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/service/intent"
)

type mockJobCounter struct {
	counts map[string]domain.JobCounts
	err    error
}

func (m *mockJobCounter) Counts(context.Context) (map[string]domain.JobCounts, error) {
	return m.counts, m.err
}

type mockEventLister struct {
	limit  int
	events []domain.ProviderEvent
}

func (m *mockEventLister) ListRecent(_ context.Context, limit int) ([]domain.ProviderEvent, error) {
	m.limit = limit
	return m.events, nil
}

type mockIntentOperator struct {
	synced      []uuid.UUID
	compensated []uuid.UUID
}

func (m *mockIntentOperator) SyncStatus(_ context.Context, id uuid.UUID) (*intent.View, error) {
	m.synced = append(m.synced, id)
	return &intent.View{Intent: &domain.PaymentIntent{ID: id, Status: domain.IntentStatusSettled}}, nil
}

func (m *mockIntentOperator) Compensate(_ context.Context, id uuid.UUID) (*intent.CompensationResult, error) {
	m.compensated = append(m.compensated, id)
	return &intent.CompensationResult{Refunded: 2}, nil
}

func TestJobCounts(t *testing.T) {
	h := NewAdminHandler(&mockJobCounter{counts: map[string]domain.JobCounts{"payments": {Waiting: 3, Failed: 1}}}, nil, nil, nil)
	rec, env := serve(t, h.JobCounts, newRequest(t, http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var counts map[string]domain.JobCounts
	decodeData(t, env, &counts)
	assert.Equal(t, 3, counts["payments"].Waiting)

	h = NewAdminHandler(&mockJobCounter{err: errors.New("db down")}, nil, nil, nil)
	rec, _ = serve(t, h.JobCounts, newRequest(t, http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRecentWebhooks(t *testing.T) {
	events := &mockEventLister{events: []domain.ProviderEvent{
		{ID: uuid.New(), EventID: "evt_1", RawStatus: "success", Status: domain.NormalizedCompleted},
	}}
	h := NewAdminHandler(nil, events, nil, nil)

	rec, env := serve(t, h.RecentWebhooks, newRequest(t, http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, recentWebhookLimit, events.limit)

	var dtos []map[string]any
	decodeData(t, env, &dtos)
	require.Len(t, dtos, 1)
	assert.Equal(t, "evt_1", dtos[0]["event_id"])
}

func TestIntentRecovery(t *testing.T) {
	ops := &mockIntentOperator{}
	h := NewAdminHandler(nil, nil, nil, ops)
	id := uuid.New()

	rec, _ := serve(t, h.ReevaluateIntent, withParams(newRequest(t, http.MethodPost, "/", nil), "id", id.String()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{id}, ops.synced)

	rec, env := serve(t, h.CompensateIntent, withParams(newRequest(t, http.MethodPost, "/", nil), "id", id.String()))
	require.Equal(t, http.StatusOK, rec.Code)
	var res intent.CompensationResult
	decodeData(t, env, &res)
	assert.Equal(t, 2, res.Refunded)

	rec, _ = serve(t, h.CompensateIntent, withParams(newRequest(t, http.MethodPost, "/", nil), "id", "bad"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type mockAuditLister struct {
	entries    []domain.AuditEntry
	gotSubject string
}

func (m *mockAuditLister) ListBySubject(_ context.Context, subject string, _ int) ([]domain.AuditEntry, error) {
	m.gotSubject = subject
	return m.entries, nil
}

func TestAudit(t *testing.T) {
	audit := &mockAuditLister{entries: []domain.AuditEntry{
		{ID: uuid.New(), Action: "webhook.received", Subject: "evt_1", Actor: "provider", Details: []byte(`{"status":"success"}`)},
	}}
	h := NewAdminHandler(nil, nil, audit, nil)

	rec, env := serve(t, h.Audit, withParams(newRequest(t, http.MethodGet, "/", nil), "subject", "evt_1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "evt_1", audit.gotSubject)

	var dtos []auditDTO
	decodeData(t, env, &dtos)
	require.Len(t, dtos, 1)
	assert.Equal(t, "webhook.received", dtos[0].Action)
	assert.JSONEq(t, `{"status":"success"}`, string(dtos[0].Details))
}
