package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ProviderEventStatus string

const (
	ProviderEventReceived  ProviderEventStatus = "received"
	ProviderEventProcessed ProviderEventStatus = "processed"
	ProviderEventOrphan    ProviderEventStatus = "orphan"
	ProviderEventFailed    ProviderEventStatus = "failed"
)

// ProviderEvent is one inbound provider callback, keyed by its synthetic event id.
// Payload is stored after redaction.
type ProviderEvent struct {
	ID                uuid.UUID
	EventID           string
	EventType         string
	ProviderRef       *string
	RawStatus         string
	Status            NormalizedStatus
	ProcessingStatus  ProviderEventStatus
	Verified          bool
	Payload           json.RawMessage
	ExternalPaymentID *uuid.UUID
	Attempts          int
	LastError         *string
	ReceivedAt        time.Time
	ProcessedAt       *time.Time
}

type AuditEntry struct {
	ID        uuid.UUID
	Action    string
	Subject   string
	Actor     string
	Details   json.RawMessage
	CreatedAt time.Time
}
