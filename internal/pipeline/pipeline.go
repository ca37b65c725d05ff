package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentline/internal/bus"
	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/mission"
	"agentline/internal/notify"
	"agentline/internal/roster"
)

const (
	DefaultParallelLimit = 4
	DefaultTask          = "MVP full deliverable sprint: draft PRD, ADR, test plan, security report and runbook"
	gateSeverity         = "HIGH"
)

// Sink record types on the pipeline stream. Stage records are
// "STAGE_" followed by the stage status.
const (
	EventRunStarted  = "RUN_STARTED"
	EventRunFinished = "RUN_FINISHED"
)

func stageEvent(s domain.StageStatus) string { return "STAGE_" + string(s) }

var (
	retroWentWell = []string{
		"Automated pipeline ran across every agent",
		"Parallel execution shortened the research, development and validation stages",
		"Mission documents were generated automatically",
	}
	retroToImprove = []string{
		"Agent work is template based, no model inference yet",
		"Agent log file names need a common convention",
	}
	retroActions = []string{
		"Enable real model inference for agent work",
		"Add two-way chat commands (/status, /retry)",
	}
)

type Options struct {
	Plan     Plan
	Roster   *roster.Roster
	Missions *mission.Registry
	Notifier notify.Notifier
	// Bus carries escalations of the default conflict handler.
	Bus       *bus.Bus
	Conflicts ConflictHandler
	Sink      events.Sink
	Logger    *slog.Logger
	Now       func() time.Time
	Ticks     TickSource
	// ParallelLimit caps concurrently running members of one stage.
	ParallelLimit int
}

// Request describes one run. Params are passed to every worker.
type Request struct {
	MissionID      string
	Task           string
	ReportInterval time.Duration
	Params         map[string]string
}

// Orchestrator runs plans against a mission.
type Orchestrator struct {
	plan      Plan
	roster    *roster.Roster
	missions  *mission.Registry
	notifier  notify.Notifier
	conflicts ConflictHandler
	sink      events.Sink
	log       *slog.Logger
	now       func() time.Time
	ticks     TickSource
	limit     int

	mu   sync.RWMutex
	runs map[string]*Progress
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Roster == nil {
		return nil, fmt.Errorf("pipeline needs a roster")
	}
	if opts.Missions == nil {
		return nil, fmt.Errorf("pipeline needs a mission registry")
	}
	if opts.Plan == nil {
		opts.Plan = DefaultPlan()
	}
	if err := opts.Plan.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		plan:      opts.Plan,
		roster:    opts.Roster,
		missions:  opts.Missions,
		notifier:  opts.Notifier,
		conflicts: opts.Conflicts,
		sink:      opts.Sink,
		log:       opts.Logger,
		now:       opts.Now,
		ticks:     opts.Ticks,
		limit:     opts.ParallelLimit,
		runs:      map[string]*Progress{},
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("component", "pipeline")
	if o.notifier == nil {
		o.notifier = notify.Log{Logger: o.log}
	}
	if o.sink == nil {
		o.sink = events.Discard
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.limit <= 0 {
		o.limit = DefaultParallelLimit
	}
	if o.conflicts == nil {
		esc := Escalation{Bus: opts.Bus, Missions: o.missions, Notifier: o.notifier, Logger: o.log}
		if opts.Bus == nil {
			esc.From = roster.RoleDispatcher.AgentID()
		}
		o.conflicts = esc
	}
	return o, nil
}

func (o *Orchestrator) Plan() Plan { return o.plan }

// Run executes the plan for missionID and reports whether no gate blocked.
// Failures to prepare the mission are logged and reported as false.
func (o *Orchestrator) Run(ctx context.Context, missionID, task string, reportInterval time.Duration) (bool, Snapshot) {
	snap, err := o.Execute(ctx, Request{MissionID: missionID, Task: task, ReportInterval: reportInterval})
	if err != nil {
		o.log.Error("pipeline run failed", "mission", missionID, "err", err)
		return false, snap
	}
	return snap.Success, snap
}

// Execute runs every stage of the plan. Stage failures never abort the run;
// the error is only for a mission that cannot be started.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Snapshot, error) {
	if strings.TrimSpace(req.MissionID) == "" {
		return Snapshot{}, fmt.Errorf("mission id is required")
	}
	if strings.TrimSpace(req.Task) == "" || req.Task == "AUTO" {
		req.Task = DefaultTask
	}
	if err := o.prepare(ctx, req.MissionID, req.Task); err != nil {
		return Snapshot{}, err
	}

	prog := NewProgress(req.MissionID, o.plan.Names(), o.now)
	o.mu.Lock()
	o.runs[req.MissionID] = prog
	o.mu.Unlock()

	o.log.Info("pipeline started", "mission", req.MissionID, "stages", len(o.plan), "task", clip(req.Task, 80))
	o.record(ctx, events.Record{
		Stream:   events.StreamPipeline,
		Type:     EventRunStarted,
		EntityID: req.MissionID,
		ActorID:  roster.OrchestratorID,
		Payload:  events.Payload{"mission_id": req.MissionID, "task": req.Task, "stages": o.plan.Names()},
	})

	rep := NewReporter(prog, o.notifier, req.ReportInterval, o.ticks, o.log)
	rep.Start(ctx)

	blocked := false
	for _, st := range o.plan {
		if blocked && st.SkipOnGateBlock {
			o.update(ctx, prog, st.Name, domain.StageSkipped, "skipped: validation gate blocked", nil)
			continue
		}
		o.update(ctx, prog, st.Name, domain.StageRunning, "", nil)
		if st.Phase != "" {
			if _, err := o.missions.AdvancePhase(ctx, req.MissionID, st.Phase, st.PhaseAgent); err != nil {
				o.log.Warn("advance phase failed", "mission", req.MissionID, "phase", st.Phase, "err", err)
			}
		}

		params := maps.Clone(req.Params)
		if params == nil {
			params = map[string]string{}
		}
		if st.Report {
			params[roster.ParamReport] = runSummary(prog.Snapshot("", false), blocked)
		}
		results := o.runMembers(ctx, st, roster.Assignment{
			MissionID: req.MissionID,
			Task:      req.Task,
			Stage:     st.Name,
			Params:    params,
		})
		status, summary, outputs := settle(st, results)
		o.update(ctx, prog, st.Name, status, summary, outputs)

		if st.Gate && status == domain.StageBlocked {
			blocked = true
			o.log.Warn("validation gate blocked", "mission", req.MissionID, "stage", st.Name, "reason", summary)
			if err := o.conflicts.HandleConflict(ctx, summary, req.MissionID, gateSeverity); err != nil {
				o.log.Error("conflict handler failed", "mission", req.MissionID, "err", err)
			}
		}
	}

	if !blocked {
		o.finish(ctx, req.MissionID)
	}
	rep.Stop(ctx, !blocked)

	label := LabelComplete
	if blocked {
		label = LabelBlocked
	}
	snap := prog.Snapshot(label, true)
	snap.Success = !blocked
	o.log.Info("pipeline finished", "mission", req.MissionID, "success", snap.Success,
		"completed", snap.Completed(), "total", snap.Total(), "elapsed", snap.Elapsed)
	o.record(ctx, events.Record{
		Stream:   events.StreamPipeline,
		Type:     EventRunFinished,
		EntityID: req.MissionID,
		ActorID:  roster.OrchestratorID,
		Payload:  events.PayloadOf(snap),
	})
	return snap, nil
}

// Progress returns the latest snapshot of the most recent run for
// missionID, including a run still in flight.
func (o *Orchestrator) Progress(missionID string) (Snapshot, bool) {
	o.mu.RLock()
	prog, ok := o.runs[missionID]
	o.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return prog.Snapshot("", prog.Done()), true
}

func (o *Orchestrator) prepare(ctx context.Context, missionID, task string) error {
	dispatcher := roster.RoleDispatcher.AgentID()
	if _, err := o.missions.Get(ctx, missionID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if _, err := o.missions.Create(ctx, missionID, task, dispatcher); err != nil {
			return err
		}
	}
	if _, err := o.missions.Start(ctx, missionID, dispatcher); err != nil {
		return fmt.Errorf("start mission %s: %w", missionID, err)
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, missionID string) {
	if _, err := o.missions.Complete(ctx, missionID, roster.RoleReporter.AgentID()); err != nil {
		o.log.Error("complete mission failed", "mission", missionID, "err", err)
		return
	}
	if _, err := o.missions.RecordRetrospective(ctx, missionID, retroWentWell, retroToImprove, retroActions, roster.OrchestratorID); err != nil {
		o.log.Warn("record retrospective failed", "mission", missionID, "err", err)
	}
}

type memberResult struct {
	role roster.Role
	out  roster.Outcome
	err  error
}

// runMembers runs the stage members, in parallel for a group, and waits for
// all of them.
func (o *Orchestrator) runMembers(ctx context.Context, st Stage, a roster.Assignment) []memberResult {
	results := make([]memberResult, len(st.Members))
	if !st.Parallel() {
		results[0] = o.invoke(ctx, st, st.Members[0], a)
		return results
	}
	var g errgroup.Group
	g.SetLimit(o.limit)
	for i, role := range st.Members {
		g.Go(func() error {
			results[i] = o.invoke(ctx, st, role, a)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// invoke calls one worker. Returned errors and panics become a
// StageExecutionError on the result.
func (o *Orchestrator) invoke(ctx context.Context, st Stage, role roster.Role, a roster.Assignment) (res memberResult) {
	res.role = role
	a.Role = role
	a.Params = maps.Clone(a.Params)
	defer func() {
		if rec := recover(); rec != nil {
			res.out = roster.Outcome{}
			res.err = &domain.StageExecutionError{Stage: st.Name, Member: role.AgentID(), Err: fmt.Errorf("panic: %v", rec)}
			o.log.Error("agent panicked", "stage", st.Name, "agent", role.AgentID(), "panic", rec)
		}
	}()
	w, err := o.roster.Worker(role)
	if err == nil {
		res.out, err = w.Work(ctx, a)
	}
	if err != nil {
		res.err = &domain.StageExecutionError{Stage: st.Name, Member: role.AgentID(), Err: err}
		o.log.Error("agent error (non-fatal)", "stage", st.Name, "agent", role.AgentID(), "err", err)
	}
	return res
}

// settle folds member results into the stage outcome.
func settle(st Stage, results []memberResult) (domain.StageStatus, string, []string) {
	var outputs []string
	for _, r := range results {
		outputs = append(outputs, r.out.Outputs...)
	}
	if st.Gate {
		var reasons, oks []string
		for _, r := range results {
			switch {
			case r.err != nil:
				reasons = append(reasons, fmt.Sprintf("%s: %v", r.role.Title(), errors.Unwrap(r.err)))
			case r.out.Blocked:
				reasons = append(reasons, fmt.Sprintf("%s: %s", r.role.Title(), strings.Join(r.out.Blockers, ", ")))
			default:
				oks = append(oks, fmt.Sprintf("%s: %s", r.role.Title(), clip(r.out.Summary, 50)))
			}
		}
		if len(reasons) > 0 {
			return domain.StageBlocked, strings.Join(reasons, " | "), outputs
		}
		return domain.StageComplete, strings.Join(oks, " | "), outputs
	}
	if !st.Parallel() {
		r := results[0]
		if r.err != nil {
			return domain.StageError, "error: " + errors.Unwrap(r.err).Error(), outputs
		}
		return domain.StageComplete, r.out.Summary, outputs
	}
	parts := make([]string, 0, len(results))
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			parts = append(parts, fmt.Sprintf("%s error: %s", r.role.Title(), clip(errors.Unwrap(r.err).Error(), 50)))
			continue
		}
		parts = append(parts, clip(r.out.Summary, 60))
	}
	if failed == len(results) {
		return domain.StageError, strings.Join(parts, " | "), outputs
	}
	return domain.StageComplete, strings.Join(parts, " | "), outputs
}

func runSummary(s Snapshot, blocked bool) string {
	state := "complete"
	if blocked {
		state = "partially blocked"
	}
	return fmt.Sprintf("Full pipeline %s. %d/%d stages succeeded. Elapsed: %s", state, s.Completed(), s.Total(), s.Elapsed)
}

func (o *Orchestrator) update(ctx context.Context, prog *Progress, stage string, status domain.StageStatus, summary string, outputs []string) {
	if err := prog.Update(stage, status, summary, outputs); err != nil {
		o.log.Error("stage update rejected", "stage", stage, "err", err)
		return
	}
	if status == domain.StageRunning {
		o.log.Info("stage started", "mission", prog.MissionID(), "stage", stage)
		return
	}
	r, _ := prog.Get(stage)
	o.log.Info("stage finished", "mission", prog.MissionID(), "stage", stage, "status", status, "duration", r.Duration())
	o.record(ctx, events.Record{
		Stream:   events.StreamPipeline,
		Type:     stageEvent(status),
		EntityID: prog.MissionID(),
		ActorID:  roster.OrchestratorID,
		Payload:  events.PayloadOf(r),
	})
}

func (o *Orchestrator) record(ctx context.Context, rec events.Record) {
	if err := o.sink.Append(ctx, rec); err != nil {
		o.log.Error("append pipeline event", "event_type", rec.Type, "err", err)
	}
}
