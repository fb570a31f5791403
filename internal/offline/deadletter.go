package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DeadLetterSink receives actions dropped after exhausting their retries.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, action QueuedAction, cause error) error
}

// LogDeadLetter only logs the dropped action. It is the default sink.
type LogDeadLetter struct {
	Logger *slog.Logger
}

func (l LogDeadLetter) DeadLetter(_ context.Context, action QueuedAction, cause error) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("max retries reached, dropping queued action",
		"action_id", action.ID,
		"kind", string(action.Kind),
		"table", action.Table,
		"retry_count", action.RetryCount,
		"error", cause,
	)
	return nil
}

type deadLetterMessage struct {
	Action    QueuedAction `json:"action"`
	Error     string       `json:"error"`
	DroppedAt time.Time    `json:"dropped_at"`
}

// NATSDeadLetter publishes dropped actions as JSON to a subject so another
// process can keep or replay them.
type NATSDeadLetter struct {
	conn    *nats.Conn
	subject string
}

func NewNATSDeadLetter(url, subject string) (*NATSDeadLetter, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats dead letter: empty subject")
	}
	nc, err := nats.Connect(url, nats.Name("classroll-dead-letter"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSDeadLetter{conn: nc, subject: subject}, nil
}

func (d *NATSDeadLetter) DeadLetter(_ context.Context, action QueuedAction, cause error) error {
	msg := deadLetterMessage{Action: action, DroppedAt: time.Now().UTC()}
	if cause != nil {
		msg.Error = cause.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling dead letter: %w", err)
	}
	if err := d.conn.Publish(d.subject, data); err != nil {
		return fmt.Errorf("publishing dead letter: %w", err)
	}
	return d.conn.Flush()
}

func (d *NATSDeadLetter) Close() error {
	d.conn.Close()
	return nil
}
