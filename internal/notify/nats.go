package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"taskflow/internal/domain"
)

// NATSConfig holds connection settings for the event bus.
type NATSConfig struct {
	URL           string
	Name          string
	Token         string
	SubjectPrefix string
	ReconnectWait time.Duration
	MaxReconnects int
	Timeout       time.Duration
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes notifications and audit entries as JSON events so other
// services can react to them.
type NATS struct {
	conn   publisher
	closer func()
	prefix string
}

// DialNATS connects to the configured server.
func DialNATS(cfg NATSConfig) (*NATS, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	n := newNATS(conn, cfg.SubjectPrefix)
	n.closer = conn.Close
	return n, nil
}

func newNATS(conn publisher, prefix string) *NATS {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "taskflow"
	}
	return &NATS{conn: conn, prefix: prefix}
}

// Close closes the connection when DialNATS opened it.
func (n *NATS) Close() {
	if n.closer != nil {
		n.closer()
	}
}

type notificationEvent struct {
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Topic     string    `json:"topic"`
	Role      string    `json:"role"`
	Recipient string    `json:"recipient"`
	ChatID    string    `json:"chat_id,omitempty"`
	Status    string    `json:"status"`
	DueDate   *string   `json:"due_date,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

type auditEvent struct {
	TaskID    string         `json:"task_id"`
	EventType string         `json:"event_type"`
	Detail    string         `json:"detail,omitempty"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (n *NATS) Notify(_ context.Context, msg Message) error {
	evt := notificationEvent{
		TaskID:    msg.Task.ID,
		Title:     msg.Task.Title,
		Topic:     msg.Topic,
		Role:      msg.Role,
		Recipient: msg.Recipient.Address,
		ChatID:    msg.Recipient.ChatID,
		Status:    string(msg.Task.Status),
		SentAt:    msg.SentAt,
	}
	if msg.Task.DueDate != nil {
		d := msg.Task.DueDate.Format(time.RFC3339)
		evt.DueDate = &d
	}
	return n.publish(n.subject("notify", msg.Topic), evt)
}

// PublishAudit emits a committed audit entry.
func (n *NATS) PublishAudit(_ context.Context, taskID string, entry domain.AuditEntry) error {
	return n.publish(n.subject("audit", entry.EventType), auditEvent{
		TaskID:    taskID,
		EventType: entry.EventType,
		Detail:    entry.Detail,
		Actor:     entry.Actor,
		Payload:   entry.Payload,
	})
}

func (n *NATS) subject(kind, topic string) string {
	topic = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(topic)
	if topic == "" {
		topic = "unknown"
	}
	return n.prefix + "." + kind + "." + topic
}

func (n *NATS) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}
