package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultSlackAPIRoot = "https://slack.com/api"

// SlackConfig configures direct-message delivery through chat.postMessage.
type SlackConfig struct {
	BotToken string
	APIRoot  string
	// FallbackChannel receives messages whose recipient has no chat id.
	FallbackChannel string
	Timeout         time.Duration
}

// Slack posts messages to the recipient's chat id.
type Slack struct {
	cfg    SlackConfig
	client *http.Client
}

func NewSlack(cfg SlackConfig) *Slack {
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultSlackAPIRoot
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Slack{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (s *Slack) Notify(ctx context.Context, msg Message) error {
	token := strings.TrimSpace(s.cfg.BotToken)
	if token == "" {
		return fmt.Errorf("slack bot token is required")
	}
	channel := strings.TrimSpace(msg.Recipient.ChatID)
	if channel == "" {
		channel = strings.TrimSpace(s.cfg.FallbackChannel)
	}
	if channel == "" {
		return fmt.Errorf("slack: no chat id for %s", msg.Recipient.Address)
	}
	text := Render(msg)
	payload := map[string]any{
		"channel": channel,
		"text":    text,
		"blocks": []map[string]any{
			{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": text}},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.APIRoot, "/")+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var ack struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &ack); err == nil && !ack.OK {
		return fmt.Errorf("slack api error: %s", ack.Error)
	}
	return nil
}
