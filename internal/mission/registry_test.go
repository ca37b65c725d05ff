package mission_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/mission"
)

type captureSink struct {
	mu   sync.Mutex
	recs []events.Record
}

func (c *captureSink) Append(_ context.Context, r events.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, r)
	return nil
}

func (c *captureSink) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.recs))
	for i, r := range c.recs {
		out[i] = r.Type
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newRegistry(t *testing.T, opts mission.Options) (*mission.Registry, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts.Sink = sink
	opts.Now = c.Now
	return mission.New(opts), sink
}

func TestMissionLifecycleEmitsOneRecordPerMutation(t *testing.T) {
	ctx := context.Background()
	r, sink := newRegistry(t, mission.Options{})
	if _, err := r.Create(ctx, "M-1", "Launch", "01/Chief-Dispatcher"); err != nil {
		t.Fatalf("create: %v", err)
	}
	steps := []func() (domain.Mission, error){
		func() (domain.Mission, error) { return r.Start(ctx, "M-1", "agentX") },
		func() (domain.Mission, error) { return r.AdvancePhase(ctx, "M-1", domain.PhaseDesign, "agentX") },
		func() (domain.Mission, error) { return r.Block(ctx, "M-1", "waiting on QA", "agentY") },
		func() (domain.Mission, error) { return r.Unblock(ctx, "M-1", "agentY") },
		func() (domain.Mission, error) { return r.Complete(ctx, "M-1", "agentX") },
		func() (domain.Mission, error) {
			return r.RecordRetrospective(ctx, "M-1", []string{"fast"}, []string{"tests"}, []string{"add CI"}, "agentX")
		},
		func() (domain.Mission, error) { return r.Archive(ctx, "M-1", "agentX") },
	}
	for i, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	want := []string{"CREATED", "IN_PROGRESS", "PHASE:DESIGN", "BLOCKED", "UNBLOCKED", "COMPLETED", "RETROSPECTIVE", "ARCHIVED"}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: want %s got %s", i, want[i], got[i])
		}
	}
	m, err := r.Get(ctx, "M-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(m.Events) != len(want) {
		t.Fatalf("expected %d mission events, got %d", len(want), len(m.Events))
	}
	if m.Status != domain.MissionArchived || m.CompletedAt == nil || m.Retrospective == nil {
		t.Fatalf("unexpected final mission: %+v", m)
	}
	if sink.recs[3].Payload["status"] != "BLOCKED" {
		t.Fatalf("blocked record should carry full state: %v", sink.recs[3].Payload)
	}
}

func TestStartSetsStableStartedAt(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, mission.Options{})
	if _, err := r.Create(ctx, "M-1", "Launch", "owner"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start(ctx, "M-1", "agentX"); err != nil {
		t.Fatalf("start: %v", err)
	}
	m, _ := r.Get(ctx, "M-1")
	if m.StartedAt == nil {
		t.Fatalf("started_at not set")
	}
	first := *m.StartedAt
	for _, p := range []domain.Phase{domain.PhaseResearch, domain.PhaseDesign, domain.PhaseDevelopment} {
		if _, err := r.AdvancePhase(ctx, "M-1", p, "agentX"); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	if _, err := r.Start(ctx, "M-1", "agentX"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	m, _ = r.Get(ctx, "M-1")
	if m.StartedAt == nil || !m.StartedAt.Equal(first) {
		t.Fatalf("started_at changed: %v -> %v", first, m.StartedAt)
	}
	if m.Phase != domain.PhaseDevelopment {
		t.Fatalf("start should keep phase, got %s", m.Phase)
	}
}

func TestUnblockBeforeStartSetsStartedAt(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, mission.Options{})
	if _, err := r.Create(ctx, "M-1", "Launch", "owner"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Block(ctx, "M-1", "waiting on credentials", "agentX"); err != nil {
		t.Fatalf("block: %v", err)
	}
	m, err := r.Unblock(ctx, "M-1", "agentX")
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if m.Status != domain.MissionInProgress || m.StartedAt == nil {
		t.Fatalf("unblock should start the mission: status=%s started_at=%v", m.Status, m.StartedAt)
	}
	first := *m.StartedAt
	m, err = r.Start(ctx, "M-1", "agentX")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.StartedAt.Equal(first) {
		t.Fatalf("started_at changed: %v -> %v", first, m.StartedAt)
	}
}

func TestRestartClearsCompletedAt(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, mission.Options{})
	if _, err := r.Create(ctx, "M-1", "Launch", "owner"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start(ctx, "M-1", "agentX"); err != nil {
		t.Fatalf("start: %v", err)
	}
	m, err := r.Complete(ctx, "M-1", "agentX")
	if err != nil || m.CompletedAt == nil {
		t.Fatalf("complete: %+v %v", m, err)
	}
	if m, err = r.Start(ctx, "M-1", "agentX"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if m.CompletedAt != nil {
		t.Fatalf("completed_at kept after restart: %v", m.CompletedAt)
	}
	m, err = r.Block(ctx, "M-1", "gate failed", "agentX")
	if err != nil || m.Status != domain.MissionBlocked || m.CompletedAt != nil {
		t.Fatalf("blocked mission carries completion: %+v %v", m, err)
	}
}

func TestUnknownMissionIsNotFound(t *testing.T) {
	ctx := context.Background()
	r, sink := newRegistry(t, mission.Options{})
	if _, err := r.Get(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get: expected not found, got %v", err)
	}
	var nf domain.NotFoundError
	if _, err := r.Block(ctx, "nope", "x", "a"); !errors.As(err, &nf) || nf.Kind != "mission" {
		t.Fatalf("block: expected NotFoundError, got %v", err)
	}
	if _, err := r.RecordRetrospective(ctx, "nope", nil, nil, nil, "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("retro: expected not found, got %v", err)
	}
	if len(sink.types()) != 0 {
		t.Fatalf("failed operations must not emit records")
	}
}

func TestCreateIsIdempotentForSameData(t *testing.T) {
	ctx := context.Background()
	r, sink := newRegistry(t, mission.Options{})
	if _, err := r.Create(ctx, "M-1", "Launch", "owner"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(ctx, "M-1", "Launch", "owner"); err != nil {
		t.Fatalf("same data should be idempotent: %v", err)
	}
	if _, err := r.Create(ctx, "M-1", "Other", "owner"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if n := len(sink.types()); n != 1 {
		t.Fatalf("expected one CREATED record, got %d", n)
	}
}

func TestPhasePolicy(t *testing.T) {
	ctx := context.Background()
	anyReg, _ := newRegistry(t, mission.Options{})
	fwdReg, _ := newRegistry(t, mission.Options{PhasePolicy: mission.PhaseForward})
	for _, r := range []*mission.Registry{anyReg, fwdReg} {
		if _, err := r.Create(ctx, "M-1", "n", "o"); err != nil {
			t.Fatal(err)
		}
		if _, err := r.AdvancePhase(ctx, "M-1", domain.PhaseDeployment, "a"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := anyReg.AdvancePhase(ctx, "M-1", domain.PhaseDesign, "a"); err != nil {
		t.Fatalf("any policy should allow rewind: %v", err)
	}
	if _, err := fwdReg.AdvancePhase(ctx, "M-1", domain.PhaseDesign, "a"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("forward policy should reject rewind, got %v", err)
	}
	if _, err := fwdReg.AdvancePhase(ctx, "M-1", "LUNCH", "a"); err == nil {
		t.Fatalf("unknown phase accepted")
	}
}

func TestRetrospectivePolicy(t *testing.T) {
	ctx := context.Background()
	reject, _ := newRegistry(t, mission.Options{})
	overwrite, _ := newRegistry(t, mission.Options{RetrospectivePolicy: mission.RetrospectiveOverwrite})
	for _, r := range []*mission.Registry{reject, overwrite} {
		if _, err := r.Create(ctx, "M-1", "n", "o"); err != nil {
			t.Fatal(err)
		}
		if _, err := r.RecordRetrospective(ctx, "M-1", nil, nil, nil, "a"); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("retro before completion: expected invalid transition, got %v", err)
		}
		if _, err := r.Complete(ctx, "M-1", "a"); err != nil {
			t.Fatal(err)
		}
		if _, err := r.RecordRetrospective(ctx, "M-1", []string{"one"}, nil, nil, "a"); err != nil {
			t.Fatalf("first retro: %v", err)
		}
	}
	if _, err := reject.RecordRetrospective(ctx, "M-1", []string{"two"}, nil, nil, "a"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	m, err := overwrite.RecordRetrospective(ctx, "M-1", []string{"two"}, nil, nil, "b")
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if m.Retrospective.WhatWentWell[0] != "two" || m.Retrospective.RecordedBy != "b" {
		t.Fatalf("retrospective not replaced: %+v", m.Retrospective)
	}
}

func TestArchivedMissionIsTerminal(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, mission.Options{})
	if _, err := r.Create(ctx, "M-1", "n", "o"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Archive(ctx, "M-1", "a"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("archive of pending mission: expected invalid transition, got %v", err)
	}
	if _, err := r.Complete(ctx, "M-1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Archive(ctx, "M-1", "a"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := r.Start(ctx, "M-1", "a"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("start archived: expected invalid transition, got %v", err)
	}
}

func TestListActiveAndCopies(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, mission.Options{})
	for _, id := range []string{"M-1", "M-2", "M-3"} {
		if _, err := r.Create(ctx, id, id, "o"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Complete(ctx, "M-2", "a"); err != nil {
		t.Fatal(err)
	}
	active := r.ListActive(ctx)
	if len(active) != 2 || active[0].ID != "M-1" || active[1].ID != "M-3" {
		t.Fatalf("unexpected active list: %+v", active)
	}
	if all := r.List(ctx); len(all) != 3 {
		t.Fatalf("expected 3 missions, got %d", len(all))
	}
	m, _ := r.Block(ctx, "M-1", "reason", "a")
	m.Blockers[0] = "mutated"
	fresh, _ := r.Get(ctx, "M-1")
	if fresh.Blockers[0] != "reason" {
		t.Fatalf("returned mission aliases registry state")
	}
}

func TestSinkFailureDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	r := mission.New(mission.Options{Sink: events.Func(func(context.Context, events.Record) error {
		return errors.New("disk full")
	})})
	if _, err := r.Create(ctx, "M-1", "n", "o"); err != nil {
		t.Fatalf("create should succeed despite sink failure: %v", err)
	}
}
