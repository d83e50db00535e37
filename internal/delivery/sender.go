package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"alertflow/internal/domain"
)

// Message is what a sender receives for one queue entry.
type Message struct {
	QueueID             int64           `json:"queue_id"`
	TriggerEvent        string          `json:"trigger_event"`
	RecipientType       string          `json:"recipient_type"`
	RecipientIdentifier string          `json:"recipient_identifier"`
	RecipientAddress    string          `json:"recipient_address"`
	Subject             string          `json:"subject"`
	Body                string          `json:"body"`
	Priority            domain.Priority `json:"priority"`
	Context             json.RawMessage `json:"context,omitempty"`
}

func messageFor(e domain.QueueEntry) Message {
	m := Message{
		QueueID:             e.ID,
		TriggerEvent:        e.TriggerEvent,
		RecipientType:       e.RecipientType,
		RecipientIdentifier: e.RecipientIdentifier,
		RecipientAddress:    e.RecipientAddress,
		Subject:             e.Subject,
		Body:                e.Body,
		Priority:            e.Priority,
	}
	if json.Valid([]byte(e.ContextData)) {
		m.Context = json.RawMessage(e.ContextData)
	}
	return m
}

// Sender hands a message to a transport. Method names the transport in the
// delivery log.
type Sender interface {
	Method() string
	Send(ctx context.Context, m Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) LogSender {
	return LogSender{log: log.With().Str("component", "sender").Logger()}
}

func (LogSender) Method() string { return "log" }

func (s LogSender) Send(_ context.Context, m Message) error {
	s.log.Info().
		Int64("queue_id", m.QueueID).
		Str("to", m.RecipientAddress).
		Str("priority", string(m.Priority)).
		Str("subject", m.Subject).
		Msg("notification delivered")
	return nil
}

// WebhookSender posts each message as JSON to a fixed URL.
type WebhookSender struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

func NewWebhookSender(url string, headers map[string]string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookSender{URL: url, Headers: headers, client: &http.Client{Timeout: timeout}}
}

func (*WebhookSender) Method() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, m Message) error {
	if s.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	// 4xx and 5xx count as a failed attempt
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
