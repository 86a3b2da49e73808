package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
		norm domain.NormalizedStatus
	}{
		{"success", Completed{}, domain.NormalizedCompleted},
		{"SUCCEEDED", Completed{}, domain.NormalizedCompleted},
		{" paid ", Completed{}, domain.NormalizedCompleted},
		{"complete", Completed{}, domain.NormalizedCompleted},
		{"declined", Failed{}, domain.NormalizedFailed},
		{"Cancelled", Failed{}, domain.NormalizedFailed},
		{"error", Failed{}, domain.NormalizedFailed},
		{"", Pending{}, domain.NormalizedPending},
		{"pending", Pending{}, domain.NormalizedPending},
		{"successful", Unrecognized{Raw: "successful"}, domain.NormalizedPending},
		{"canceled", Unrecognized{Raw: "canceled"}, domain.NormalizedPending},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ParseStatus(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.norm, got.Normalized())
		})
	}
}

func TestExtractRef(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"top level id", map[string]any{"transaction_id": "a", "reference": "b"}, "a"},
		{"provider reference", map[string]any{"provider_reference": "c"}, "c"},
		{"nested", map[string]any{"data": map[string]any{"transaction_id": "d"}}, "d"},
		{"numeric", map[string]any{"transaction_id": float64(12345)}, "12345"},
		{"missing", map[string]any{"foo": "bar"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractRef(tt.body))
		})
	}
}

func TestExtractStatus(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"top level status wins", map[string]any{"status": "success", "payment_status": "failed"}, "success"},
		{"transaction status", map[string]any{"transaction_status": "pending"}, "pending"},
		{"payment status", map[string]any{"payment_status": "COMPLETED"}, "COMPLETED"},
		{"nested payment status", map[string]any{"data": map[string]any{"payment_status": "declined"}}, "declined"},
		{"missing", map[string]any{"state": "done"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractStatus(tt.body))
		})
	}
}
