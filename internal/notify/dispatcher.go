package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/jobs"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
)

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Dispatcher delivers notifications to one topic per channel, named "{prefix}.{channel}".
type Dispatcher struct {
	pub    publisher
	prefix string
}

func NewDispatcher(pub publisher, topicPrefix string) *Dispatcher {
	if topicPrefix == "" {
		topicPrefix = "notifications"
	}
	return &Dispatcher{pub: pub, prefix: topicPrefix}
}

type message struct {
	Template string         `json:"template"`
	UserID   string         `json:"user_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

func (d *Dispatcher) Topic(ch domain.NotificationChannel) string {
	return d.prefix + "." + string(ch)
}

// Send publishes n. Messages for the same user share a partition key so they stay ordered.
func (d *Dispatcher) Send(ctx context.Context, n domain.Notification) error {
	switch n.Channel {
	case domain.ChannelEmail, domain.ChannelSMS, domain.ChannelPush:
	default:
		return fmt.Errorf("Send: channel %q: %w", n.Channel, domain.ErrInvalidRequest)
	}
	if n.Template == "" {
		return fmt.Errorf("Send: template required: %w", domain.ErrInvalidRequest)
	}

	value, err := json.Marshal(message{Template: n.Template, UserID: n.UserID, Data: n.Data, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("Send: marshal: %w", err)
	}
	if err := d.pub.Publish(ctx, d.Topic(n.Channel), []byte(n.UserID), value); err != nil {
		return fmt.Errorf("Send: %w", err)
	}

	logging.FromContext(ctx).Debug("notification sent", "channel", n.Channel, "template", n.Template)
	return nil
}

// Register wires the notification job handler into r.
func (d *Dispatcher) Register(r *jobs.Runner) {
	r.Handle(jobs.QueueNotifications, jobs.JobNotify, d.handleSend)
}

func (d *Dispatcher) handleSend(ctx context.Context, job *domain.Job) error {
	var n domain.Notification
	if err := json.Unmarshal(job.Payload, &n); err != nil {
		return jobs.Permanent(fmt.Errorf("handleSend: %w", domain.ErrMalformed))
	}
	if err := d.Send(ctx, n); err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			return jobs.Permanent(fmt.Errorf("handleSend: %w", err))
		}
		return fmt.Errorf("handleSend: %w", err)
	}
	return nil
}
