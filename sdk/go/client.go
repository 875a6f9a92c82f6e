package taskflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Taskflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	APIKey      string
	// Actor is sent as X-Actor, honoured only by servers that trust the header.
	Actor      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID                    string  `json:"id"`
	Title                 string  `json:"title"`
	Description           string  `json:"description,omitempty"`
	Status                string  `json:"status"`
	CompletionStatus      string  `json:"completion_status,omitempty"`
	ExtensionStatus       string  `json:"extension_status,omitempty"`
	DueDate               *string `json:"due_date,omitempty"`
	ExtensionRequestedDue *string `json:"extension_requested_due,omitempty"`
	ExtensionReason       string  `json:"extension_reason,omitempty"`
	CompletionNote        string  `json:"completion_note,omitempty"`
	RejectionReason       string  `json:"rejection_reason,omitempty"`
	ReminderStage         string  `json:"reminder_stage,omitempty"`
	ReminderTracking      string  `json:"reminder_tracking"`
	Requester             string  `json:"requester"`
	Assignee              string  `json:"assignee"`
	CreatedAt             string  `json:"created_at"`
	UpdatedAt             string  `json:"updated_at"`
}

// NewTask is the create payload. DueDate is RFC3339.
type NewTask struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee"`
	DueDate     string `json:"due_date,omitempty"`
}

// AuditRecord represents an audit log entry.
type AuditRecord struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	TaskID    string `json:"task_id"`
	EventType string `json:"event_type"`
	Detail    string `json:"detail,omitempty"`
	Actor     string `json:"actor"`
	Payload   string `json:"payload_json"`
}

// Metrics is the overdue points record of a task.
type Metrics struct {
	TaskID        string  `json:"task_id"`
	Title         string  `json:"title"`
	Assignee      string  `json:"assignee,omitempty"`
	DueDate       *string `json:"due_date,omitempty"`
	Status        string  `json:"status"`
	ReminderStage string  `json:"reminder_stage,omitempty"`
	OverduePoints int     `json:"overdue_points"`
	LastSyncedAt  string  `json:"last_synced_at"`
}

// Summary is a per-assignee aggregate.
type Summary struct {
	Assignee           string  `json:"assignee"`
	TotalTasks         int     `json:"total_tasks"`
	OverdueTasks       int     `json:"overdue_tasks"`
	DueWithinThreeDays int     `json:"due_within_three_days"`
	NextDueDate        *string `json:"next_due_date,omitempty"`
	TotalOverduePoints int     `json:"total_overdue_points"`
	LastCalculatedAt   string  `json:"last_calculated_at"`
}

// PassResult is the outcome of a reminder, escalation or summaries run.
type PassResult struct {
	Pass          string `json:"pass"`
	Timestamp     string `json:"timestamp"`
	Checked       int    `json:"checked"`
	Notified      int    `json:"notified"`
	Skipped       int    `json:"skipped"`
	Notifications []struct {
		TaskID    string `json:"task_id"`
		Topic     string `json:"topic"`
		Role      string `json:"role"`
		Recipient string `json:"recipient"`
	} `json:"notifications"`
	Errors []struct {
		TaskID string `json:"task_id"`
		Kind   string `json:"kind"`
		Error  string `json:"error"`
	} `json:"errors"`
}

// APIError wraps non-2xx responses. Code is the error envelope code when
// the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status    string
	Assignee  string
	Requester string
	Limit     int
}

// CreateTask requests a task from an assignee.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", t, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// ListTasks returns tasks matching f.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Assignee != "" {
		q.Set("assignee", f.Assignee)
	}
	if f.Requester != "" {
		q.Set("requester", f.Requester)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Audit returns the audit log of a task.
func (c *Client) Audit(ctx context.Context, id string, limit int) ([]AuditRecord, error) {
	endpoint := taskPath(id, "audit")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []AuditRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) transition(ctx context.Context, id, action string, body any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, action), body, &resp)
	return resp, err
}

func (c *Client) ApproveTask(ctx context.Context, id string) (Task, error) {
	return c.transition(ctx, id, "approve", nil)
}

func (c *Client) RejectTask(ctx context.Context, id, reason string) (Task, error) {
	return c.transition(ctx, id, "reject", map[string]any{"reason": reason})
}

// ReviseTask resubmits a rejected task; an empty due keeps the old one.
func (c *Client) ReviseTask(ctx context.Context, id string, due string) (Task, error) {
	body := map[string]any{}
	if due != "" {
		body["due_date"] = due
	}
	return c.transition(ctx, id, "revise", body)
}

func (c *Client) RequestCompletion(ctx context.Context, id, note string) (Task, error) {
	return c.transition(ctx, id, "completion/request", map[string]any{"note": note})
}

func (c *Client) ApproveCompletion(ctx context.Context, id string) (Task, error) {
	return c.transition(ctx, id, "completion/approve", nil)
}

func (c *Client) RejectCompletion(ctx context.Context, id, due, reason string) (Task, error) {
	return c.transition(ctx, id, "completion/reject", map[string]any{"due_date": due, "reason": reason})
}

func (c *Client) RequestExtension(ctx context.Context, id, due, reason string) (Task, error) {
	return c.transition(ctx, id, "extension/request", map[string]any{"due_date": due, "reason": reason})
}

func (c *Client) ApproveExtension(ctx context.Context, id string) (Task, error) {
	return c.transition(ctx, id, "extension/approve", nil)
}

func (c *Client) RejectExtension(ctx context.Context, id, reason string) (Task, error) {
	return c.transition(ctx, id, "extension/reject", map[string]any{"reason": reason})
}

// MarkReminderRead acknowledges stage, or the last reminded stage when empty.
func (c *Client) MarkReminderRead(ctx context.Context, id, stage string) (Task, error) {
	return c.transition(ctx, id, "reminders/read", map[string]any{"stage": stage})
}

// TaskMetrics returns the overdue points record of a task.
func (c *Client) TaskMetrics(ctx context.Context, id string) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, taskPath(id, "metrics"), nil, &resp)
	return resp, err
}

// Summaries lists per-assignee summaries, recomputing them first if refresh is set.
func (c *Client) Summaries(ctx context.Context, refresh bool) ([]Summary, error) {
	endpoint := "summaries"
	if refresh {
		endpoint += "?refresh=true"
	}
	var resp struct {
		Items []Summary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RunPass triggers one of the cron passes: reminders, escalations or summaries.
// A zero now lets the server use its clock.
func (c *Client) RunPass(ctx context.Context, pass string, now time.Time) (PassResult, error) {
	endpoint := "cron/" + url.PathEscape(pass)
	if !now.IsZero() {
		endpoint += "?now=" + url.QueryEscape(now.Format(time.RFC3339))
	}
	var resp PassResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.Actor != "" {
		req.Header.Set("X-Actor", c.Actor)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(id, action string) string {
	p := "tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
