package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentline/internal/agents"
	"agentline/internal/bus"
	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/mission"
	"agentline/internal/notify"
	"agentline/internal/pipeline"
	"agentline/internal/roster"
)

type notes struct {
	mu   sync.Mutex
	list []notify.Notification
	ch   chan notify.Notification
}

func newNotes() *notes { return &notes{ch: make(chan notify.Notification, 32)} }

func (n *notes) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	n.list = append(n.list, msg)
	n.mu.Unlock()
	n.ch <- msg
	return nil
}

func (n *notes) all() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.list...)
}

func stubRoster(t *testing.T, override map[roster.Role]roster.Worker) (*roster.Roster, *sync.Map) {
	t.Helper()
	calls := &sync.Map{}
	r := roster.New()
	for _, role := range roster.Roles {
		w, ok := override[role]
		if !ok {
			w = roster.WorkerFunc(func(_ context.Context, a roster.Assignment) (roster.Outcome, error) {
				return roster.Outcome{Summary: string(a.Role) + " done", Outputs: []string{string(a.Role) + ".md"}}, nil
			})
		}
		inner := w
		if err := r.Register(role, roster.WorkerFunc(func(ctx context.Context, a roster.Assignment) (roster.Outcome, error) {
			calls.Store(a.Role, true)
			return inner.Work(ctx, a)
		})); err != nil {
			t.Fatal(err)
		}
	}
	return r, calls
}

func statuses(s pipeline.Snapshot) []domain.StageStatus {
	out := make([]domain.StageStatus, 0, len(s.Stages))
	for _, r := range s.Stages {
		out = append(out, r.Status)
	}
	return out
}

func TestGateBlockSkipsDeployment(t *testing.T) {
	ctx := context.Background()
	r, calls := stubRoster(t, map[roster.Role]roster.Worker{
		roster.RoleQA: roster.WorkerFunc(func(context.Context, roster.Assignment) (roster.Outcome, error) {
			return roster.Outcome{Blocked: true, Blockers: []string{"2 failing tests"}}, nil
		}),
	})
	missions := mission.New(mission.Options{})
	var conflicts []string
	o, err := pipeline.New(pipeline.Options{
		Roster:   r,
		Missions: missions,
		Notifier: newNotes(),
		Conflicts: pipeline.ConflictFunc(func(_ context.Context, reason, missionID, severity string) error {
			conflicts = append(conflicts, missionID+"|"+severity+"|"+reason)
			return nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}

	ok, snap := o.Run(ctx, "M-003", "", 0)
	if ok || snap.Success {
		t.Fatalf("run should report failure")
	}
	want := []domain.StageStatus{
		domain.StageComplete, domain.StageComplete, domain.StageComplete, domain.StageComplete,
		domain.StageBlocked, domain.StageSkipped, domain.StageComplete,
	}
	got := statuses(snap)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage %d: expected %s, got %s (all %v)", i+1, want[i], got[i], got)
		}
	}
	if _, called := calls.Load(roster.RoleDevOps); called {
		t.Fatalf("deployment worker ran after a blocked gate")
	}
	if len(conflicts) != 1 || !strings.HasPrefix(conflicts[0], "M-003|HIGH|QA: 2 failing tests") {
		t.Fatalf("unexpected conflicts: %v", conflicts)
	}
	skipped := snap.Stages[5]
	if skipped.Started != nil || skipped.Finished == nil {
		t.Fatalf("skipped stage must never run: %+v", skipped)
	}
	m, _ := missions.Get(ctx, "M-003")
	if m.Status == domain.MissionComplete || m.Retrospective != nil {
		t.Fatalf("blocked run completed the mission: %+v", m)
	}
	if m.Owner != roster.RoleDispatcher.AgentID() || m.Name != pipeline.DefaultTask {
		t.Fatalf("mission not created by the dispatcher: %+v", m)
	}
	if snap.Counts[domain.StageComplete] != 5 || !snap.Final {
		t.Fatalf("unexpected counts: %+v", snap.Counts)
	}
}

func TestStageExceptionDoesNotAbortRun(t *testing.T) {
	ctx := context.Background()
	r, calls := stubRoster(t, map[roster.Role]roster.Worker{
		roster.RoleArchitect: roster.WorkerFunc(func(context.Context, roster.Assignment) (roster.Outcome, error) {
			panic("design tool crashed")
		}),
	})
	missions := mission.New(mission.Options{})
	o, err := pipeline.New(pipeline.Options{Roster: r, Missions: missions, Notifier: newNotes()})
	if err != nil {
		t.Fatal(err)
	}
	ok, snap := o.Run(ctx, "M-7", "build it", 0)
	if !ok {
		t.Fatalf("an ERROR stage must not fail the run")
	}
	st, _ := snap.Stage("04-Architect")
	if st.Status != domain.StageError || !strings.Contains(st.Summary, "design tool crashed") {
		t.Fatalf("unexpected architect stage: %+v", st)
	}
	for _, r := range snap.Stages[3:] {
		if r.Status != domain.StageComplete {
			t.Fatalf("stage %s did not complete: %s", r.Stage, r.Status)
		}
	}
	if _, called := calls.Load(roster.RoleReporter); !called {
		t.Fatalf("reporter never ran")
	}
	m, _ := missions.Get(ctx, "M-7")
	if m.Status != domain.MissionComplete || m.Phase != domain.PhaseReporting || m.Retrospective == nil {
		t.Fatalf("mission not finished: %+v", m)
	}
	if m.Retrospective.RecordedBy != roster.OrchestratorID || len(m.Retrospective.ActionItems) != 2 {
		t.Fatalf("unexpected retrospective: %+v", m.Retrospective)
	}
}

func TestParallelGroupErrors(t *testing.T) {
	fail := roster.WorkerFunc(func(context.Context, roster.Assignment) (roster.Outcome, error) {
		return roster.Outcome{}, errors.New("compiler missing")
	})
	ctx := context.Background()

	r, _ := stubRoster(t, map[roster.Role]roster.Worker{roster.RoleBackend: fail})
	o, _ := pipeline.New(pipeline.Options{Roster: r, Missions: mission.New(mission.Options{}), Notifier: newNotes()})
	_, snap := o.Run(ctx, "M-1", "x", 0)
	st, _ := snap.Stage("05-Backend + 06-Frontend")
	if st.Status != domain.StageComplete || !strings.Contains(st.Summary, "Backend error: compiler missing") {
		t.Fatalf("one failing member: %+v", st)
	}

	r, _ = stubRoster(t, map[roster.Role]roster.Worker{roster.RoleBackend: fail, roster.RoleFrontend: fail})
	o, _ = pipeline.New(pipeline.Options{Roster: r, Missions: mission.New(mission.Options{}), Notifier: newNotes()})
	_, snap = o.Run(ctx, "M-1", "x", 0)
	if st, _ := snap.Stage("05-Backend + 06-Frontend"); st.Status != domain.StageError {
		t.Fatalf("all members failing: %+v", st)
	}

	r, _ = stubRoster(t, map[roster.Role]roster.Worker{roster.RoleSecurity: fail})
	o, _ = pipeline.New(pipeline.Options{Roster: r, Missions: mission.New(mission.Options{}), Notifier: newNotes()})
	ok, snap := o.Run(ctx, "M-1", "x", 0)
	if st, _ := snap.Stage("07-QA + 08-Security"); ok || st.Status != domain.StageBlocked || !strings.HasPrefix(st.Summary, "Security: compiler missing") {
		t.Fatalf("failing gate member: %v %+v", ok, st)
	}
}

func TestParallelMembersRunConcurrently(t *testing.T) {
	var running, peak atomic.Int32
	slow := roster.WorkerFunc(func(context.Context, roster.Assignment) (roster.Outcome, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return roster.Outcome{Summary: "ok"}, nil
	})
	r, _ := stubRoster(t, map[roster.Role]roster.Worker{roster.RoleQA: slow, roster.RoleSecurity: slow})
	o, _ := pipeline.New(pipeline.Options{Roster: r, Missions: mission.New(mission.Options{}), Notifier: newNotes()})
	if ok, _ := o.Run(context.Background(), "M-1", "x", 0); !ok {
		t.Fatalf("run failed")
	}
	if peak.Load() != 2 {
		t.Fatalf("expected both gate members in flight, peak %d", peak.Load())
	}

	r, _ = stubRoster(t, map[roster.Role]roster.Worker{roster.RoleQA: slow, roster.RoleSecurity: slow})
	peak.Store(0)
	o, _ = pipeline.New(pipeline.Options{Roster: r, Missions: mission.New(mission.Options{}), Notifier: newNotes(), ParallelLimit: 1})
	o.Run(context.Background(), "M-2", "x", 0)
	if peak.Load() != 1 {
		t.Fatalf("parallel limit ignored, peak %d", peak.Load())
	}
}

func TestReporterSnapshots(t *testing.T) {
	ticks := make(chan time.Time)
	stopped := make(chan struct{})
	source := func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() { close(stopped) }
	}
	prog := pipeline.NewProgress("M-9", []string{"a", "b"}, nil)
	n := newNotes()
	rep := pipeline.NewReporter(prog, n, 10*time.Minute, source, nil)
	ctx := context.Background()

	rep.Start(ctx)
	first := <-n.ch
	if first.Data["label"] != pipeline.LabelStarted || first.Status != "IN_PROGRESS" {
		t.Fatalf("unexpected first report: %+v", first)
	}
	if err := prog.Update("a", domain.StageRunning, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := prog.Update("a", domain.StageComplete, "done", nil); err != nil {
		t.Fatal(err)
	}
	ticks <- time.Now()
	second := <-n.ch
	if second.Data["label"] != "progress after 10m 00s" || second.Data["completed"] != 1 {
		t.Fatalf("unexpected tick report: %+v", second.Data)
	}
	rep.Stop(ctx, false)
	rep.Stop(ctx, false)
	<-stopped
	all := n.all()
	if len(all) != 3 {
		t.Fatalf("expected started, tick and final reports, got %d", len(all))
	}
	last := all[2]
	if last.Status != "BLOCKED" || last.Data["final"] != true || !strings.Contains(last.Summary, "Progress: 1/2 stages complete (50%)") {
		t.Fatalf("unexpected final report: %+v", last)
	}
}

func TestProgressTransitions(t *testing.T) {
	p := pipeline.NewProgress("M-1", []string{"s"}, nil)
	if err := p.Update("s", domain.StageComplete, "", nil); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("PENDING -> COMPLETE accepted: %v", err)
	}
	if err := p.Update("s", domain.StageRunning, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Update("s", domain.StageSkipped, "", nil); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("RUNNING -> SKIPPED accepted: %v", err)
	}
	if err := p.Update("s", domain.StageError, strings.Repeat("x", 300), nil); err != nil {
		t.Fatal(err)
	}
	if r, _ := p.Get("s"); len([]rune(r.Summary)) != 121 || r.Finished == nil {
		t.Fatalf("summary not clipped or finish not set: %+v", r)
	}
	if !p.Done() {
		t.Fatalf("progress should be done")
	}
	if err := p.Update("ghost", domain.StageRunning, "", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown stage: %v", err)
	}
}

func TestDefaultRosterEndToEnd(t *testing.T) {
	ctx := context.Background()
	var escalations atomic.Int32
	b := bus.New(bus.Options{
		Dispatcher: roster.RoleDispatcher.AgentID(),
		Sink: events.Func(func(_ context.Context, rec events.Record) error {
			if rec.Type == bus.EventRequest && rec.Payload["consultation_type"] == "ESCALATION" {
				escalations.Add(1)
			}
			return nil
		}),
	})
	dir := agents.New(agents.Options{})
	if err := roster.Enroll(ctx, dir); err != nil {
		t.Fatal(err)
	}
	missions := mission.New(mission.Options{PhasePolicy: mission.PhaseForward})
	n := newNotes()
	o, err := pipeline.New(pipeline.Options{
		Roster:    roster.Default(roster.Deps{Bus: b, Directory: dir}),
		Missions:  missions,
		Notifier:  n,
		Conflicts: pipeline.Escalation{Bus: b, Missions: missions, Notifier: n},
	})
	if err != nil {
		t.Fatal(err)
	}

	ok, snap := o.Run(ctx, "M-003", "", 0)
	if !ok || snap.Completed() != 7 {
		t.Fatalf("clean run failed: %v", statuses(snap))
	}
	if st, _ := snap.Stage("10-Reporter"); !strings.HasPrefix(st.Summary, "Full pipeline complete. 6/7 stages succeeded") {
		t.Fatalf("unexpected report summary: %s", st.Summary)
	}
	if len(b.Decisions()) != 1 {
		t.Fatalf("expected the release decision")
	}
	if dir.Stats().Total != len(roster.Roles)+1 {
		t.Fatalf("specialists left in the directory")
	}

	o2, _ := pipeline.New(pipeline.Options{
		Roster:   roster.Default(roster.Deps{Bus: b, Directory: dir}),
		Missions: missions,
		Notifier: n,
		Bus:      b,
	})
	req := pipeline.Request{MissionID: "M-004", Task: "hotfix", Params: map[string]string{roster.BlockParam(roster.RoleSecurity): "open CVE"}}
	snap, err = o2.Execute(ctx, req)
	if err != nil || snap.Success {
		t.Fatalf("blocked run: %v %v", snap.Success, err)
	}
	m, _ := missions.Get(ctx, "M-004")
	if m.Status != domain.MissionBlocked || len(m.Blockers) != 1 || m.Blockers[0] != "Security: open CVE" {
		t.Fatalf("mission not blocked by the conflict handler: %+v", m)
	}
	escalated := false
	for _, x := range n.all() {
		if x.Status == "ESCALATION" && x.MissionID == "M-004" {
			escalated = true
		}
	}
	if !escalated {
		t.Fatalf("missing escalation notification")
	}
	if escalations.Load() != 1 {
		t.Fatalf("default conflict handler escalated %d times over the bus", escalations.Load())
	}
	if live, ok := o2.Progress("M-004"); !ok || !live.Final {
		t.Fatalf("progress not retained: %+v", live)
	}
}

func TestExecuteRejectsArchivedMission(t *testing.T) {
	ctx := context.Background()
	missions := mission.New(mission.Options{})
	missions.Create(ctx, "M-1", "x", "a")
	missions.Complete(ctx, "M-1", "a")
	missions.Archive(ctx, "M-1", "a")
	r, _ := stubRoster(t, nil)
	o, _ := pipeline.New(pipeline.Options{Roster: r, Missions: missions, Notifier: newNotes()})
	if _, err := o.Execute(ctx, pipeline.Request{MissionID: "M-1"}); err == nil {
		t.Fatalf("archived mission started")
	}
	if ok, _ := o.Run(ctx, "", "x", 0); ok {
		t.Fatalf("empty mission id accepted")
	}
	if _, err := pipeline.New(pipeline.Options{Roster: r, Missions: missions, Plan: pipeline.Plan{{Name: "x"}}}); err == nil {
		t.Fatalf("stage without members accepted")
	}
}
