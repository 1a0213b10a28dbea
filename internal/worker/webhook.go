package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/ratelimit"
)

const webhookTimeout = 5 * time.Second

// WebhookStore lists registered webhook endpoints.
type WebhookStore interface {
	ListWebhooks(ctx context.Context, tenantID string) ([]*gateway.Webhook, error)
}

// WebhookNotifier delivers budget threshold events to registered webhooks.
// Delivery is best-effort: failures are logged and the event is dropped.
type WebhookNotifier struct {
	events <-chan ratelimit.Event
	store  WebhookStore
	client *http.Client
}

// NewWebhookNotifier creates a notifier consuming events from the budget
// manager's event channel.
func NewWebhookNotifier(events <-chan ratelimit.Event, store WebhookStore) *WebhookNotifier {
	return &WebhookNotifier{
		events: events,
		store:  store,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// Name returns the worker identifier.
func (w *WebhookNotifier) Name() string { return "webhook_notifier" }

// webhookPayload is the JSON body posted to subscriber endpoints.
type webhookPayload struct {
	Event    string    `json:"event"`
	KeyID    string    `json:"key_id"`
	Resource string    `json:"resource"`
	Used     float64   `json:"used"`
	Limit    float64   `json:"limit"`
	At       time.Time `json:"at"`
}

// Run dispatches events until ctx is cancelled.
func (w *WebhookNotifier) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-w.events:
			w.dispatch(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *WebhookNotifier) dispatch(ctx context.Context, ev ratelimit.Event) {
	name := "budget." + ev.Type // budget.warning, budget.exceeded

	hooks, err := w.store.ListWebhooks(ctx, "")
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "webhook list failed",
			slog.String("error", err.Error()))
		return
	}

	body, err := json.Marshal(webhookPayload{
		Event:    name,
		KeyID:    ev.Key,
		Resource: ev.Resource,
		Used:     ev.Used,
		Limit:    ev.Limit,
		At:       ev.At,
	})
	if err != nil {
		return
	}

	for _, h := range hooks {
		if !slices.Contains(h.Events, name) && !slices.Contains(h.Events, "*") {
			continue
		}
		w.post(ctx, h.URL, body)
	}
}

func (w *WebhookNotifier) post(ctx context.Context, url string, body []byte) {
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "webhook delivery failed",
			slog.String("url", url),
			slog.String("error", err.Error()))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.LogAttrs(ctx, slog.LevelWarn, "webhook delivery rejected",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode))
	}
}
