package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidStatus       = errors.New("invalid status transition")
	ErrScheduleSumMismatch = errors.New("schedule sum does not match order total")
	ErrEscrowMissing       = errors.New("escrow hold not found")
	ErrInvalidIndex        = errors.New("invalid tranche index")
	ErrPlanInactive        = errors.New("installment plan is not active")
	ErrMalformed           = errors.New("malformed payload")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrRateLimited         = errors.New("rate limited")
	ErrExternalService     = errors.New("external service unavailable")
	ErrCircuitOpen         = errors.New("circuit breaker open")
	// ErrConflict marks an idempotent replay. It is resolved into a success with a
	// replay flag before it reaches a caller.
	ErrConflict = errors.New("already applied")

	ErrUnsupportedMode         = errors.New("unsupported mode")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrInvalidCurrency         = errors.New("invalid currency")
	ErrCurrencyMismatch        = errors.New("currency mismatch")
	ErrVersionConflict         = errors.New("optimistic lock conflict")
	ErrFundingPlanMismatch     = errors.New("funding plan does not sum to amount due")
	ErrWalletDisabled          = errors.New("wallet disabled")
	ErrForbidden               = errors.New("forbidden")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidCredentials      = errors.New("invalid credentials")
	ErrEmailTaken              = errors.New("email already registered")
)
