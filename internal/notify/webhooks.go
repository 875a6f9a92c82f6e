package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskflow/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookConfig is one outbound audit-event subscription.
type WebhookConfig struct {
	URL     string
	Events  []string
	Secret  string
	Timeout time.Duration
	Enabled *bool
}

// AuditSource reads the audit log in id order.
type AuditSource interface {
	AuditAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditRecord, error)
	LatestAuditID(ctx context.Context) (int64, error)
}

// WebhookDispatcher tails the audit log and posts new entries to each
// subscribed URL. Each hook keeps its own cursor, starting at the log head
// when the dispatcher starts; a failed delivery is retried on the next tick.
type WebhookDispatcher struct {
	source   AuditSource
	hooks    []WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	Interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(source AuditSource, hooks []WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		source:   source,
		hooks:    hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		Interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run dispatches on every tick until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.hooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	records, err := d.source.AuditAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Error("webhook: fetch audit log failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, rec := range records {
		if !filter.match(rec.EventType) {
			d.setCursor(idx, rec.ID)
			continue
		}
		if err := d.post(ctx, hook, rec); err != nil {
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "audit_id", rec.ID, "error", err)
			return
		}
		d.setCursor(idx, rec.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.source.LatestAuditID(ctx)
	if err != nil {
		d.logger.Error("webhook: init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TaskID     string          `json:"task_id"`
	Actor      string          `json:"actor"`
	Detail     string          `json:"detail,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) post(ctx context.Context, hook WebhookConfig, rec domain.AuditRecord) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if rec.Payload != "" {
		if json.Valid([]byte(rec.Payload)) {
			payload = json.RawMessage([]byte(rec.Payload))
		} else {
			raw = rec.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         rec.ID,
		Type:       rec.EventType,
		TaskID:     rec.TaskID,
		Actor:      rec.Actor,
		Detail:     rec.Detail,
		TS:         rec.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.Timeout > 0 && hook.Timeout != d.client.Timeout {
		client = &http.Client{Timeout: hook.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskflow-Event", rec.EventType)
	req.Header.Set("X-Taskflow-Delivery", fmt.Sprintf("%d", rec.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Taskflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
