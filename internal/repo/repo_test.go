package repo_test

import (
	"context"
	"testing"
	"time"

	"agentline/internal/db"
	"agentline/internal/events"
	"agentline/internal/migrate"
	"agentline/internal/repo"
)

func TestEventsRoundTripThroughSQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if v, err := migrate.Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh version: %d %v", v, err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate twice: %v", err)
	}
	if v, err := migrate.Version(ctx, conn); err != nil || v != 1 {
		t.Fatalf("version after migrate: %d %v", v, err)
	}
	if !db.Exists(dir) {
		t.Fatalf("db file not created at %s", db.Path(dir))
	}

	w := events.Writer{DB: conn, Now: func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }}
	recs := []events.Record{
		{Stream: events.StreamMissions, Type: "CREATED", EntityID: "M-1", ActorID: "01/Chief-Dispatcher", Payload: events.Payload{"status": "PENDING"}},
		{Stream: events.StreamAgents, Type: "SPAWNED", EntityID: "a-1"},
		{Stream: events.StreamMissions, Type: "IN_PROGRESS", EntityID: "M-1"},
	}
	for _, r := range recs {
		if err := w.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	r := repo.Repo{DB: conn}
	latest, err := r.LatestEvents(ctx, 10, 0, repo.EventFilter{Stream: events.StreamMissions})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 || latest[0].Type != "IN_PROGRESS" || latest[1].Type != "CREATED" {
		t.Fatalf("unexpected latest order: %+v", latest)
	}
	if latest[1].Payload != `{"status":"PENDING"}` {
		t.Fatalf("payload: %s", latest[1].Payload)
	}
	if latest[1].ActorID != "01/Chief-Dispatcher" {
		t.Fatalf("actor: %s", latest[1].ActorID)
	}

	after, err := r.EventsAfter(ctx, 10, latest[1].ID, repo.EventFilter{})
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(after) != 2 || after[0].Stream != events.StreamAgents {
		t.Fatalf("unexpected events after cursor: %+v", after)
	}
	maxID, err := r.LatestEventID(ctx)
	if err != nil || maxID != latest[0].ID {
		t.Fatalf("latest id: %d %v", maxID, err)
	}
	counts, err := r.CountByStream(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[events.StreamMissions] != 2 || counts[events.StreamAgents] != 1 {
		t.Fatalf("counts: %v", counts)
	}
}
