package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"agentline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts notifications as JSON to every active configured hook.
type Webhook struct {
	Hooks  []config.WebhookConfig
	Client *http.Client
	Logger *slog.Logger

	seq atomic.Int64
}

func NewWebhook(hooks []config.WebhookConfig, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		Hooks:  hooks,
		Client: &http.Client{Timeout: defaultWebhookTimeout},
		Logger: logger.With("component", "webhook"),
	}
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	delivery := w.seq.Add(1)
	var errs []error
	for _, hook := range w.Hooks {
		if !hook.Active() || !newEventFilter(hook.Statuses).match(n.Status) {
			continue
		}
		headers := map[string]string{
			"X-Agentline-Event":    n.Event,
			"X-Agentline-Status":   n.Status,
			"X-Agentline-Delivery": fmt.Sprintf("n-%d", delivery),
			"X-Agentline-Mission":  n.MissionID,
		}
		if err := post(ctx, w.client(hook), hook, data, headers); err != nil {
			w.Logger.Error("webhook delivery failed", "url", hook.URL, "err", err)
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Webhook) client(hook config.WebhookConfig) *http.Client {
	base := w.Client
	if base == nil {
		base = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != base.Timeout {
			return &http.Client{Timeout: timeout, Transport: base.Transport}
		}
	}
	return base
}

func post(ctx context.Context, client *http.Client, hook config.WebhookConfig, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Agentline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

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
