// Package notify carries best-effort notification delivery for the role
// engine. Dispatch is at-most-once: a notification that cannot be delivered
// is logged and dropped, never surfaced to the triggering operation.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Channel names understood by downstream senders.
const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
)

// Priority levels for notifications.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification is the payload handed to the dispatcher.
type Notification struct {
	UserID   string                 `json:"user_id"`
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Channels []string               `json:"channels,omitempty"`
	Priority string                 `json:"priority,omitempty"`
}

// Dispatcher accepts notifications for asynchronous delivery. Send never
// blocks on delivery and never reports delivery failures to the caller.
type Dispatcher interface {
	Send(ctx context.Context, n Notification)
}

// Sender performs the actual delivery of one notification.
type Sender interface {
	Deliver(ctx context.Context, n Notification) error
}

// LogSender is the default delivery backend: it writes the notification to
// the structured log. Real channel integrations replace it in production.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender constructs a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Deliver logs the notification.
func (s *LogSender) Deliver(_ context.Context, n Notification) error {
	s.logger.Info("notification",
		zap.String("user_id", n.UserID),
		zap.String("type", n.Type),
		zap.String("title", n.Title),
		zap.Strings("channels", n.Channels),
		zap.String("priority", n.Priority),
	)
	return nil
}

// NopDispatcher drops every notification. Useful in tests.
type NopDispatcher struct{}

// Send discards the notification.
func (NopDispatcher) Send(context.Context, Notification) {}
