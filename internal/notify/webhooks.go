// Package notify delivers architect notifications: queue flushes land in the
// event log and a dispatcher forwards log rows to the configured webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pveassist/internal/config"
	"pveassist/internal/domain"
	"pveassist/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// EventSource is the part of the repo the dispatcher reads from.
type EventSource interface {
	EventProjects(ctx context.Context) ([]string, error)
	EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context, projectID string) (int64, error)
}

var _ EventSource = repo.Repo{}

type cursorKey struct {
	hook    int
	project string
}

// Dispatcher polls the event log and POSTs matching rows to webhooks. Each
// hook keeps its own cursor per project; a failed delivery stops that hook's
// batch so the row is retried on the next poll.
type Dispatcher struct {
	Source   EventSource
	Webhooks []config.WebhookConfig
	Client   *http.Client
	Logger   *zap.Logger
	Interval time.Duration

	mu      sync.Mutex
	cursors map[cursorKey]int64
	primed  bool
}

func NewDispatcher(source EventSource, hooks []config.WebhookConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Source:   source,
		Webhooks: hooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Logger:   logger,
		Interval: defaultWebhookInterval,
		cursors:  make(map[cursorKey]int64),
	}
}

// Enabled reports whether any hook would receive deliveries.
func (d *Dispatcher) Enabled() bool {
	for _, hook := range d.Webhooks {
		if hookActive(hook) {
			return true
		}
	}
	return false
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.Enabled() {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one poll over every project and hook. History that
// existed before the first poll is not delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	projects, err := d.Source.EventProjects(ctx)
	if err != nil {
		d.Logger.Warn("webhook: list projects failed", zap.Error(err))
		return
	}
	d.mu.Lock()
	if !d.primed {
		for _, project := range projects {
			cur, err := d.Source.LatestEventID(ctx, project)
			if err != nil {
				d.Logger.Warn("webhook: init cursor failed", zap.String("project", project), zap.Error(err))
				cur = 0
			}
			for i := range d.Webhooks {
				d.cursors[cursorKey{hook: i, project: project}] = cur
			}
		}
		d.primed = true
	}
	d.mu.Unlock()

	for i, hook := range d.Webhooks {
		if !hookActive(hook) {
			continue
		}
		for _, project := range projects {
			if ctx.Err() != nil {
				return
			}
			d.dispatchWebhook(ctx, i, hook, project)
		}
	}
}

func hookActive(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig, project string) {
	key := cursorKey{hook: idx, project: project}
	events, err := d.Source.EventsAfter(ctx, defaultWebhookBatch, d.cursor(key), project)
	if err != nil {
		d.Logger.Warn("webhook: fetch events failed", zap.String("project", project), zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(key, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.Logger.Warn("webhook: deliver failed", zap.String("url", hook.URL), zap.Int64("event", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(key, evt.ID)
	}
}

func (d *Dispatcher) cursor(key cursorKey) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[key]
}

func (d *Dispatcher) setCursor(key cursorKey, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			c := *client
			c.Timeout = timeout
			client = &c
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PVE-Event", evt.Type)
	req.Header.Set("X-PVE-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-PVE-Project", evt.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-PVE-Secret", hook.Secret)
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

// newEventFilter matches every type when no names are configured.
func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
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
