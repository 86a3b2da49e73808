package handler

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/josh-kwaku/wallet-settlement/internal/auth"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

func callerFrom(r *http.Request) (uuid.UUID, *AppError) {
	id, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return uuid.Nil, ErrMissingToken
	}
	return id, nil
}

func isAdmin(r *http.Request) bool {
	return auth.RoleFromContext(r.Context()) == domain.UserRoleAdmin
}

// canAct reports whether the caller is one of parties or an admin. Callers outside the
// resource get a 404 so ids cannot be probed.
func canAct(r *http.Request, parties ...uuid.UUID) bool {
	if isAdmin(r) {
		return true
	}
	caller, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return false
	}
	for _, p := range parties {
		if p == caller {
			return true
		}
	}
	return false
}

func uuidParam(r *http.Request, name string) (uuid.UUID, *AppError) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, ErrResourceNotFound
	}
	return id, nil
}

func currencyParam(r *http.Request) (domain.Currency, *AppError) {
	c := domain.Currency(strings.ToUpper(chi.URLParam(r, "currency")))
	if !c.IsValid() {
		return "", ErrInvalidCurrency
	}
	return c, nil
}

// idempotencyKey is the client's Idempotency-Key header. The idempotency middleware
// rejects mutating requests without one.
func idempotencyKey(r *http.Request) string {
	return r.Header.Get("Idempotency-Key")
}

// ClientIP is the remote address without its port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
