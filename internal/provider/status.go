package provider

import (
	"strconv"
	"strings"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

// Status is the provider's verdict on a request. It is one of Completed, Failed, Pending or
// Unrecognized; the last keeps the raw word so it can be logged and stored.
type Status interface {
	Normalized() domain.NormalizedStatus
	String() string
	isStatus()
}

type Completed struct{}

type Failed struct{}

type Pending struct{}

// Unrecognized is a status word outside the known vocabulary. It settles nothing.
type Unrecognized struct {
	Raw string
}

func (Completed) Normalized() domain.NormalizedStatus { return domain.NormalizedCompleted }
func (Failed) Normalized() domain.NormalizedStatus { return domain.NormalizedFailed }
func (Pending) Normalized() domain.NormalizedStatus { return domain.NormalizedPending }
func (Unrecognized) Normalized() domain.NormalizedStatus { return domain.NormalizedPending }

func (Completed) String() string { return "completed" }
func (Failed) String() string { return "failed" }
func (Pending) String() string { return "pending" }
func (Unrecognized) String() string { return "unrecognized" }
func (Completed) isStatus() {}
func (Failed) isStatus() {}
func (Pending) isStatus() {}
func (Unrecognized) isStatus() {}

var completedWords = map[string]bool{
	"success":   true,
	"succeeded": true,
	"completed": true,
	"complete":  true,
	"paid":      true,
}

var failedWords = map[string]bool{
	"failed":    true,
	"declined":  true,
	"rejected":  true,
	"error":     true,
	"cancelled": true,
}

var pendingWords = map[string]bool{
	"":           true,
	"pending":    true,
	"processing": true,
	"queued":     true,
	"accepted":   true,
	"initiated":  true,
}

// ParseStatus folds a provider status word by exact, case-insensitive match.
func ParseStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case completedWords[s]:
		return Completed{}
	case failedWords[s]:
		return Failed{}
	case pendingWords[s]:
		return Pending{}
	default:
		return Unrecognized{Raw: raw}
	}
}

// ExtractStatus finds the status word in a provider body.
func ExtractStatus(body map[string]any) string {
	for _, path := range [][]string{
		{"status"}, {"transaction_status"}, {"payment_status"},
		{"data", "status"}, {"data", "transaction_status"}, {"data", "payment_status"},
	} {
		if v := lookup(body, path); v != "" {
			return v
		}
	}
	return ""
}

// ExtractRef finds the provider's reference for a transaction in a provider body.
func ExtractRef(body map[string]any) string {
	for _, path := range [][]string{{"transaction_id"}, {"provider_ref"}, {"provider_reference"}, {"data", "transaction_id"}, {"reference"}} {
		if v := lookup(body, path); v != "" {
			return v
		}
	}
	return ""
}

func lookup(body map[string]any, path []string) string {
	var cur any = body
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
