package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// DefaultWebhookTimeout bounds one POST.
const DefaultWebhookTimeout = 10 * time.Second

// webhookPayload is the fixed wire shape of one webhook delivery.
type webhookPayload struct {
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Kanban    webhookKanban   `json:"kanban"`
	Process   *webhookProcess `json:"process,omitempty"`
}

type webhookKanban struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// webhookProcess is the curated projection: enough to act on, nothing
// internal.
type webhookProcess struct {
	ProcessID    string         `json:"process_id"`
	KanbanID     string         `json:"kanban_id"`
	CurrentState string         `json:"current_state"`
	AssignedTo   string         `json:"assigned_to,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	FieldValues  map[string]any `json:"field_values,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

// WebhookSender POSTs events to the kanban's configured URL.
type WebhookSender struct {
	client *http.Client
	getenv func(string) string
}

// WebhookOption configures a WebhookSender.
type WebhookOption func(*WebhookSender)

// WithWebhookClient overrides the HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(s *WebhookSender) { s.client = c }
}

// WithEnv overrides the environment lookup used for header substitution.
func WithEnv(getenv func(string) string) WebhookOption {
	return func(s *WebhookSender) { s.getenv = getenv }
}

// NewWebhookSender builds the webhook channel.
func NewWebhookSender(opts ...WebhookOption) *WebhookSender {
	s := &WebhookSender{
		client: &http.Client{Timeout: DefaultWebhookTimeout},
		getenv: os.Getenv,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel implements Sender.
func (s *WebhookSender) Channel() string { return "webhook" }

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, e *Event) error {
	if e.Kanban == nil || e.Kanban.Notifications == nil || e.Kanban.Notifications.Webhook == nil {
		return fmt.Errorf("kanban has no webhook configuration")
	}
	cfg := e.Kanban.Notifications.Webhook
	if cfg.URL == "" {
		return fmt.Errorf("no webhook url configured")
	}

	payload := webhookPayload{
		EventType: e.Type,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Kanban:    webhookKanban{ID: e.Kanban.ID, Name: e.Kanban.Name},
	}
	if e.Process != nil {
		payload.Process = &webhookProcess{
			ProcessID:    e.Process.ProcessID,
			KanbanID:     e.Process.KanbanID,
			CurrentState: e.Process.CurrentState,
			AssignedTo:   e.Process.AssignedTo,
			Tags:         e.Process.Tags,
			FieldValues:  e.Process.FieldValues,
			CreatedAt:    e.Process.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:    e.Process.UpdatedAt.UTC().Format(time.RFC3339),
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range cfg.Headers {
		// ${VAR} references resolve from the process environment so
		// secrets stay out of kanban files.
		req.Header.Set(name, os.Expand(value, s.getenv))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
