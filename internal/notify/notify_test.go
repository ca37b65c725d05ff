package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/events"
	"agentline/internal/migrate"
	"agentline/internal/notify"
	"agentline/internal/repo"
)

type recorder struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (r *recorder) handler(w http.ResponseWriter, req *http.Request) {
	data, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.bodies = append(r.bodies, data)
	r.headers = append(r.headers, req.Header.Clone())
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func TestLevelFiltering(t *testing.T) {
	var got []string
	sink := notify.Func(func(_ context.Context, n notify.Notification) error {
		got = append(got, n.Status)
		return nil
	})
	n := notify.Filter(notify.LevelCritical, sink)
	for _, status := range []string{"COMPLETE", "BLOCKED", "IN_PROGRESS", "error", "ESCALATION"} {
		if err := n.Notify(context.Background(), notify.Notification{Status: status}); err != nil {
			t.Fatal(err)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected BLOCKED, error and ESCALATION, got %v", got)
	}
	if !notify.LevelImportant.Allows("DEPLOYMENT") || notify.LevelImportant.Allows("QA") {
		t.Fatalf("IMPORTANT level mismatch")
	}
	if _, err := notify.ParseLevel("loud"); err == nil {
		t.Fatalf("unknown level accepted")
	}
	if l, err := notify.ParseLevel("important"); err != nil || l != notify.LevelImportant {
		t.Fatalf("parse important: %v %v", l, err)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	n := notify.Multi(
		notify.Func(func(context.Context, notify.Notification) error { return boom }),
		notify.Func(func(context.Context, notify.Notification) error { calls++; return nil }),
		notify.Log{},
	)
	if err := n.Notify(context.Background(), notify.Notification{Status: "COMPLETE"}); !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("second notifier not called")
	}
}

func TestWebhookPostsJSONWithHeaders(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()
	off := false
	w := notify.NewWebhook([]config.WebhookConfig{
		{URL: srv.URL, Secret: "s3cret"},
		{URL: srv.URL, Statuses: []string{"BLOCKED"}},
		{URL: srv.URL, Enabled: &off},
	}, nil)
	err := w.Notify(context.Background(), notify.Notification{
		AgentID: "10/Telegram-Reporter", Event: "pipeline", Status: "COMPLETE", MissionID: "M-003", Summary: "done",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", rec.count())
	}
	h := rec.headers[0]
	if h.Get("X-Agentline-Secret") != "s3cret" || h.Get("X-Agentline-Mission") != "M-003" || h.Get("X-Agentline-Status") != "COMPLETE" {
		t.Fatalf("unexpected headers: %v", h)
	}
	var body notify.Notification
	if err := json.Unmarshal(rec.bodies[0], &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Summary != "done" || body.Timestamp.IsZero() {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWebhookReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()
	w := notify.NewWebhook([]config.WebhookConfig{{URL: srv.URL}}, nil)
	if err := w.Notify(context.Background(), notify.Notification{Status: "ERROR"}); err == nil {
		t.Fatalf("expected delivery error")
	}
}

func TestDispatcherForwardsNewEvents(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatal(err)
	}
	w := events.Writer{DB: conn, Now: func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }}
	if err := w.Append(ctx, events.Record{Stream: events.StreamMissions, Type: "CREATED", EntityID: "old"}); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()
	d := notify.NewDispatcher(repo.Repo{DB: conn}, []config.WebhookConfig{{URL: srv.URL, Events: []string{"BLOCKED"}}}, nil)
	d.DispatchOnce(ctx)
	if rec.count() != 0 {
		t.Fatalf("events before start must not be delivered")
	}
	for _, typ := range []string{"IN_PROGRESS", "BLOCKED"} {
		if err := w.Append(ctx, events.Record{Stream: events.StreamMissions, Type: typ, EntityID: "M-1", Payload: events.Payload{"status": typ}}); err != nil {
			t.Fatal(err)
		}
	}
	d.DispatchOnce(ctx)
	if rec.count() != 1 {
		t.Fatalf("expected one filtered delivery, got %d", rec.count())
	}
	if got := rec.headers[0].Get("X-Agentline-Event"); got != "BLOCKED" {
		t.Fatalf("unexpected event header %s", got)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.bodies[0], &body); err != nil {
		t.Fatal(err)
	}
	if body["stream"] != "missions" || body["payload"].(map[string]any)["status"] != "BLOCKED" {
		t.Fatalf("unexpected body: %v", body)
	}
	d.DispatchOnce(ctx)
	if rec.count() != 1 {
		t.Fatalf("event delivered twice")
	}
}

func TestWebhookFiltersAreIndependent(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()
	hooks := []config.WebhookConfig{
		{URL: srv.URL, Events: []string{"missions.ARCHIVED"}},
		{URL: srv.URL, Statuses: []string{"ERROR"}},
	}
	w := notify.NewWebhook(hooks, nil)
	if err := w.Notify(context.Background(), notify.Notification{Event: "pipeline", Status: "COMPLETE"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("event-type filter applied to notification status: %d deliveries", rec.count())
	}
	if got := rec.headers[0].Get("X-Agentline-Status"); got != "COMPLETE" {
		t.Fatalf("unexpected status header %s", got)
	}
}
