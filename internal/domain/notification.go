package domain

type NotificationChannel string

const (
	ChannelEmail NotificationChannel = "email"
	ChannelSMS   NotificationChannel = "sms"
	ChannelPush  NotificationChannel = "push"
)

// Notification is a fire-and-forget message for a user. Content rendering happens downstream;
// Template names the message and Data fills it.
type Notification struct {
	Channel  NotificationChannel `json:"channel"`
	Template string              `json:"template"`
	UserID   string              `json:"user_id,omitempty"`
	Data     map[string]any      `json:"data,omitempty"`
}
