package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"agentline/internal/config"
	"agentline/internal/domain"
	"agentline/internal/repo"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchBatch    = 100
)

// Dispatcher forwards events stored in SQLite to webhooks. Each hook keeps
// its own cursor, starting at the newest event when the dispatcher starts.
type Dispatcher struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Client   *http.Client
	Interval time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Repo:     r,
		Hooks:    hooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Interval: defaultDispatchInterval,
		Logger:   logger.With("component", "dispatcher"),
		cursors:  map[int]int64{},
	}
}

// Run dispatches on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
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

// DispatchOnce delivers pending events to every active hook.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.Hooks {
		if !hook.Active() {
			continue
		}
		d.dispatchHook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	evts, err := d.Repo.EventsAfter(ctx, defaultDispatchBatch, cursor, repo.EventFilter{})
	if err != nil {
		d.Logger.Error("fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) && !filter.match(evt.Stream+"."+evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.Logger.Error("deliver event failed", "url", hook.URL, "event", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = map[int]int64{}
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		d.Logger.Error("init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Stream     string          `json:"stream"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	body := webhookEvent{
		ID:       evt.ID,
		Type:     evt.Type,
		Stream:   evt.Stream,
		EntityID: evt.EntityID,
		ActorID:  evt.ActorID,
		TS:       evt.TS,
		Payload:  json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			body.Payload = json.RawMessage(evt.Payload)
		} else {
			body.PayloadRaw = evt.Payload
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second, Transport: client.Transport}
	}
	return post(ctx, client, hook, data, map[string]string{
		"X-Agentline-Event":    evt.Type,
		"X-Agentline-Stream":   evt.Stream,
		"X-Agentline-Delivery": fmt.Sprintf("%d", evt.ID),
	})
}
