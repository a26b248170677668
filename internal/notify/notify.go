// Package notify delivers fire-and-forget notifications to the humans who
// approve or reject what the agents negotiate.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Notification is one message for a human reviewer.
type Notification struct {
	UserRef   string    `json:"user_ref"` // organization or user identifier
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ActionRef string    `json:"action_ref,omitempty"` // deal or post to act on
	SentAt    time.Time `json:"sent_at"`
}

// Notifier delivers notifications. Implementations are fire-and-forget; a
// delivery error never aborts the caller's cycle.
type Notifier interface {
	Notify(ctx context.Context, userRef, title, message, actionRef string) error
}

// Log is a Notifier that writes notifications to the structured log. Default
// wiring when no delivery backend is configured.
type Log struct {
	Logger *slog.Logger
}

// Notify logs the notification.
func (l Log) Notify(_ context.Context, userRef, title, message, actionRef string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"user_ref", userRef,
		"title", title,
		"message", message,
		"action_ref", actionRef,
	)
	return nil
}

// NATS publishes notifications to a NATS subject per recipient.
type NATS struct {
	conn    *nats.Conn
	subject string
}

// NewNATS connects to a NATS server. Subject prefix defaults to
// "surplusnet.notify".
func NewNATS(url, subjectPrefix string) (*NATS, error) {
	if subjectPrefix == "" {
		subjectPrefix = "surplusnet.notify"
	}
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: conn, subject: subjectPrefix}, nil
}

// Notify publishes the notification. Publish is asynchronous; errors surface
// only for marshalling or a closed connection.
func (n *NATS) Notify(_ context.Context, userRef, title, message, actionRef string) error {
	payload, err := json.Marshal(Notification{
		UserRef:   userRef,
		Title:     title,
		Message:   message,
		ActionRef: actionRef,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.conn.Publish(n.subject+"."+userRef, payload); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (n *NATS) Close() {
	if n.conn != nil {
		n.conn.Drain()
	}
}
