package handler

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

type orderDTO struct {
	ID         uuid.UUID `json:"id"`
	CustomerID uuid.UUID `json:"customer_id"`
	MerchantID uuid.UUID `json:"merchant_id"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func toOrderDTO(o *domain.Order) orderDTO {
	return orderDTO{
		ID:         o.ID,
		CustomerID: o.CustomerID,
		MerchantID: o.MerchantID,
		Amount:     o.Amount,
		Currency:   string(o.Currency),
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
	}
}

type holdDTO struct {
	ID               uuid.UUID  `json:"id"`
	OrderID          uuid.UUID  `json:"order_id"`
	HoldAmount       int64      `json:"hold_amount"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	ReleaseCondition string     `json:"release_condition,omitempty"`
	ReleasedAt       *time.Time `json:"released_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

func toHoldDTO(h *domain.EscrowHold) holdDTO {
	return holdDTO{
		ID:               h.ID,
		OrderID:          h.OrderID,
		HoldAmount:       h.HoldAmount,
		Currency:         string(h.Currency),
		Status:           string(h.Status),
		ReleaseCondition: h.ReleaseCondition,
		ReleasedAt:       h.ReleasedAt,
		CancelledAt:      h.CancelledAt,
	}
}

type planDTO struct {
	ID          uuid.UUID        `json:"id"`
	OrderID     uuid.UUID        `json:"order_id"`
	Mode        string           `json:"mode"`
	Schedule    []domain.Tranche `json:"schedule"`
	TotalAmount int64            `json:"total_amount"`
	PaidAmount  int64            `json:"paid_amount"`
	Currency    string           `json:"currency"`
	Status      string           `json:"status"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func toPlanDTO(p *domain.InstallmentPlan) planDTO {
	return planDTO{
		ID:          p.ID,
		OrderID:     p.OrderID,
		Mode:        string(p.Mode),
		Schedule:    p.Schedule,
		TotalAmount: p.TotalAmount,
		PaidAmount:  p.PaidAmount,
		Currency:    string(p.Currency),
		Status:      string(p.Status),
		CompletedAt: p.CompletedAt,
	}
}

type splitMemberDTO struct {
	ID             uuid.UUID  `json:"id"`
	Position       int        `json:"position"`
	PayeeUserID    *uuid.UUID `json:"payee_user_id,omitempty"`
	PayeeAccount   *string    `json:"payee_account,omitempty"`
	Method         string     `json:"method"`
	Amount         int64      `json:"amount"`
	Status         string     `json:"status"`
	OrderReference string     `json:"order_reference"`
	ProviderRef    *string    `json:"provider_ref,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
}

type splitDTO struct {
	ID          uuid.UUID          `json:"id"`
	OwnerID     uuid.UUID          `json:"owner_id"`
	TotalAmount int64              `json:"total_amount"`
	Currency    string             `json:"currency"`
	SplitType   string             `json:"split_type"`
	Description string             `json:"description,omitempty"`
	Status      string             `json:"status"`
	Counts      domain.SplitCounts `json:"counts"`
	Members     []splitMemberDTO   `json:"members"`
}

func toSplitDTO(g *domain.SplitGroup) splitDTO {
	members := make([]splitMemberDTO, len(g.Members))
	for i, m := range g.Members {
		members[i] = splitMemberDTO{
			ID:             m.ID,
			Position:       m.Position,
			PayeeUserID:    m.PayeeUserID,
			PayeeAccount:   m.PayeeAccount,
			Method:         string(m.Method),
			Amount:         m.Amount,
			Status:         string(m.Status),
			OrderReference: m.OrderReference,
			ProviderRef:    m.ProviderRef,
			LastError:      m.LastError,
		}
	}
	return splitDTO{
		ID:          g.ID,
		OwnerID:     g.OwnerID,
		TotalAmount: g.TotalAmount,
		Currency:    string(g.Currency),
		SplitType:   string(g.SplitType),
		Description: g.Description,
		Status:      string(g.Status()),
		Counts:      g.Counts(),
		Members:     members,
	}
}

type paymentDTO struct {
	ID             uuid.UUID  `json:"id"`
	Purpose        string     `json:"purpose"`
	LegIndex       *int       `json:"leg_index,omitempty"`
	LegType        string     `json:"leg_type"`
	Action         string     `json:"action"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	Status         string     `json:"status"`
	OrderReference string     `json:"order_reference"`
	ProviderRef    *string    `json:"provider_ref,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
	IntentID       *uuid.UUID `json:"intent_id,omitempty"`
}

func toPaymentDTO(p *domain.ExternalPayment) paymentDTO {
	return paymentDTO{
		ID:             p.ID,
		Purpose:        string(p.Purpose),
		LegIndex:       p.LegIndex,
		LegType:        string(p.LegType),
		Action:         p.Action,
		Amount:         p.Amount,
		Currency:       string(p.Currency),
		Status:         string(p.Status),
		OrderReference: p.OrderReference,
		ProviderRef:    p.ProviderRef,
		LastError:      p.LastError,
		UpdatedAt:      p.UpdatedAt,
		IntentID:       p.IntentID,
	}
}

type walletTxDTO struct {
	ID        uuid.UUID  `json:"id"`
	Type      string     `json:"type"`
	Amount    int64      `json:"amount"`
	Currency  string     `json:"currency"`
	Status    string     `json:"status"`
	LedgerRef string     `json:"ledger_ref"`
	RefundOf  *uuid.UUID `json:"refund_of,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type intentDTO struct {
	ID          uuid.UUID           `json:"id"`
	CustomerID  uuid.UUID           `json:"customer_id"`
	MerchantID  uuid.UUID           `json:"merchant_id"`
	OrderID     *uuid.UUID          `json:"order_id,omitempty"`
	AmountDue   int64               `json:"amount_due"`
	Currency    string              `json:"currency"`
	Status      string              `json:"status"`
	FundingPlan []domain.FundingLeg `json:"funding_plan"`
	Autopilot   bool                `json:"autopilot"`
	SettledAt   *time.Time          `json:"settled_at,omitempty"`
	FailedAt    *time.Time          `json:"failed_at,omitempty"`
	Legs        []paymentDTO        `json:"legs,omitempty"`
	Wallet      []walletTxDTO       `json:"wallet_transactions,omitempty"`
}

func toIntentDTO(pi *domain.PaymentIntent, legs []domain.ExternalPayment, txs []domain.WalletTransaction) intentDTO {
	dto := intentDTO{
		ID:          pi.ID,
		CustomerID:  pi.CustomerID,
		MerchantID:  pi.MerchantID,
		OrderID:     pi.OrderID,
		AmountDue:   pi.AmountDue,
		Currency:    string(pi.Currency),
		Status:      string(pi.Status),
		FundingPlan: pi.FundingPlan,
		Autopilot:   pi.Autopilot,
		SettledAt:   pi.SettledAt,
		FailedAt:    pi.FailedAt,
	}
	for i := range legs {
		dto.Legs = append(dto.Legs, toPaymentDTO(&legs[i]))
	}
	for _, t := range txs {
		dto.Wallet = append(dto.Wallet, walletTxDTO{
			ID:        t.ID,
			Type:      string(t.Type),
			Amount:    t.Amount,
			Currency:  string(t.Currency),
			Status:    string(t.Status),
			LedgerRef: t.LedgerRef,
			RefundOf:  t.RefundOf,
			CreatedAt: t.CreatedAt,
		})
	}
	return dto
}

type providerEventDTO struct {
	ID                uuid.UUID       `json:"id"`
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	ProviderRef       *string         `json:"provider_ref,omitempty"`
	RawStatus         string          `json:"raw_status"`
	Status            string          `json:"status"`
	ProcessingStatus  string          `json:"processing_status"`
	Verified          bool            `json:"verified"`
	ExternalPaymentID *uuid.UUID      `json:"external_payment_id,omitempty"`
	Attempts          int             `json:"attempts"`
	LastError         *string         `json:"last_error,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	ReceivedAt        time.Time       `json:"received_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
}

func toProviderEventDTO(e *domain.ProviderEvent) providerEventDTO {
	return providerEventDTO{
		ID:                e.ID,
		EventID:           e.EventID,
		EventType:         e.EventType,
		ProviderRef:       e.ProviderRef,
		RawStatus:         e.RawStatus,
		Status:            string(e.Status),
		ProcessingStatus:  string(e.ProcessingStatus),
		Verified:          e.Verified,
		ExternalPaymentID: e.ExternalPaymentID,
		Attempts:          e.Attempts,
		LastError:         e.LastError,
		Payload:           e.Payload,
		ReceivedAt:        e.ReceivedAt,
		ProcessedAt:       e.ProcessedAt,
	}
}
