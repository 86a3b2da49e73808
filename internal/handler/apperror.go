package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken       = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken       = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrInvalidCredentials = &AppError{http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password"}
	ErrInvalidSignature   = &AppError{http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature is invalid"}
	ErrForbidden          = &AppError{http.StatusForbidden, "FORBIDDEN", "Not allowed to act on this resource"}
	ErrInvalidRequest     = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed   = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrMalformed          = &AppError{http.StatusBadRequest, "MALFORMED_PAYLOAD", "Payload is not a JSON object"}
	ErrResourceNotFound   = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrRateLimited        = &AppError{http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests"}
	ErrInternalError      = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}
	ErrProviderDown       = &AppError{http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "Payment provider is unavailable"}
	ErrCircuitOpen        = &AppError{http.StatusServiceUnavailable, "CIRCUIT_OPEN", "Payment provider is temporarily disabled"}

	ErrInvalidAmount         = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrInvalidCurrency       = &AppError{http.StatusBadRequest, "INVALID_CURRENCY", "Invalid currency"}
	ErrInvalidIndex          = &AppError{http.StatusBadRequest, "INVALID_TRANCHE_INDEX", "Tranche index out of range"}
	ErrUnsupportedMode       = &AppError{http.StatusBadRequest, "UNSUPPORTED_MODE", "Mode is not supported"}
	ErrInsufficientFunds     = &AppError{http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", "Insufficient funds"}
	ErrInvalidStatus         = &AppError{http.StatusUnprocessableEntity, "INVALID_STATUS", "Resource is not in a state that allows this"}
	ErrScheduleSumMismatch   = &AppError{http.StatusUnprocessableEntity, "SCHEDULE_SUM_MISMATCH", "Tranches do not sum to the order total"}
	ErrEscrowMissing         = &AppError{http.StatusUnprocessableEntity, "ESCROW_MISSING", "Order has no escrow hold"}
	ErrPlanInactive          = &AppError{http.StatusUnprocessableEntity, "PLAN_INACTIVE", "Installment plan is not active"}
	ErrCurrencyMismatch      = &AppError{http.StatusUnprocessableEntity, "CURRENCY_MISMATCH", "Currency mismatch"}
	ErrFundingPlanMismatch   = &AppError{http.StatusUnprocessableEntity, "FUNDING_PLAN_MISMATCH", "Funding plan does not sum to the amount due"}
	ErrWalletDisabled        = &AppError{http.StatusUnprocessableEntity, "WALLET_DISABLED", "Wallet is disabled"}
	ErrVersionConflict       = &AppError{http.StatusConflict, "VERSION_CONFLICT", "Resource was modified concurrently, please retry"}
	ErrEmailTaken            = &AppError{http.StatusConflict, "EMAIL_TAKEN", "Email already registered"}
	ErrMissingIdempotencyKey = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required"}
	ErrIdempotencyConflict   = &AppError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used with a different request"}
)
