// Package notify delivers owner-facing events about generation runs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/config"
)

// EventType identifies the kind of notification.
type EventType string

const (
	EventOpportunitiesReady EventType = "opportunities_ready"
	EventGenerationFailed   EventType = "generation_failed"
	EventLeadsRefreshed     EventType = "leads_refreshed"
)

// Event represents a single notification to be delivered.
type Event struct {
	Type      EventType      `json:"type"`
	OwnerID   string         `json:"owner_id"`
	SearchID  string         `json:"search_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Dispatcher delivers events. Delivery is best effort; a failed send is
// logged, never propagated into the generation run that produced it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event)
}

// NopDispatcher drops all events. Used when no webhook is configured.
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(context.Context, Event) {}

// WebhookDispatcher posts events to a configured webhook URL.
type WebhookDispatcher struct {
	url    string
	client *http.Client
}

// NewDispatcher selects a dispatcher from config: webhook when a URL is set,
// no-op otherwise.
func NewDispatcher(cfg config.NotifyConfig) Dispatcher {
	if cfg.WebhookURL == "" {
		return NopDispatcher{}
	}
	return &WebhookDispatcher{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := d.send(ctx, ev); err != nil {
		zap.L().Error("notify: failed to deliver event",
			zap.String("type", string(ev.Type)),
			zap.String("owner_id", ev.OwnerID),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("notify: event delivered",
		zap.String("type", string(ev.Type)),
		zap.String("owner_id", ev.OwnerID),
	)
}

func (d *WebhookDispatcher) send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
