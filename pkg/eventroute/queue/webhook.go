package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	routeerrors "github.com/randalmurphal/eventroute/pkg/eventroute/errors"
)

// WebhookQueue delivers each message as an HTTP POST. Non-2xx responses
// become *errors.HTTPError so 429 and 5xx are retried and other 4xx are
// not.
type WebhookQueue struct {
	id     string
	url    string
	client *http.Client
}

// NewWebhookQueue creates a queue posting to url. A nil client uses one
// with a 10s timeout.
func NewWebhookQueue(id, url string, client *http.Client) *WebhookQueue {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookQueue{id: id, url: url, client: client}
}

// ID implements Queue.
func (w *WebhookQueue) ID() string { return w.id }

// Enqueue implements Queue.
func (w *WebhookQueue) Enqueue(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(msg.Body))
	if err != nil {
		return routeerrors.Permanent(fmt.Errorf("%w: %v", ErrInvalidTarget, err), "webhook "+w.id)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID)
	for k, v := range msg.Attributes {
		req.Header.Set("X-Event-"+k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.id, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &routeerrors.HTTPError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Endpoint:   w.url,
	}
}
