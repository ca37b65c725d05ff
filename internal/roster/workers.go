package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"agentline/internal/agents"
	"agentline/internal/bus"
	"agentline/internal/domain"
)

// ParamReport carries the run summary the pipeline hands to the reporter.
const ParamReport = "report"

const (
	specialistCost = 600
	maxInbox       = 16
)

// Deps are the shared components the built-in workers talk to.
type Deps struct {
	Bus       *bus.Bus
	Directory *agents.Directory
	Logger    *slog.Logger
	// SpecialistBudget is the token budget of each spawned specialist;
	// zero uses the directory default.
	SpecialistBudget int
}

type profile struct {
	role       Role
	question   string
	kind       domain.ConsultationType
	consults   []Role
	handoffs   []Role
	docs       []string
	specialist string
	gate       bool
	decides    bool
	reports    bool
}

var profiles = []profile{
	{role: RoleDispatcher, handoffs: []Role{RoleProductManager, RoleAnalyst}, docs: []string{"MISSION_BRIEF.md"}},
	{role: RoleProductManager, question: "Confirm scope and priorities", kind: domain.ConsultClarification,
		consults: []Role{RoleDispatcher}, docs: []string{"PRD.md"}},
	{role: RoleAnalyst, question: "Which user segments does the product target", kind: domain.ConsultClarification,
		consults: []Role{RoleProductManager}, docs: []string{"MARKET_ANALYSIS.md"}},
	{role: RoleArchitect, question: "Review requirements against architecture constraints", kind: domain.ConsultReview,
		consults: []Role{RoleProductManager, RoleAnalyst}, docs: []string{"ADR.md"}, specialist: "schema-designer"},
	{role: RoleBackend, question: "Confirm service boundaries and data model", kind: domain.ConsultDependency,
		consults: []Role{RoleArchitect}, docs: []string{"API_SPEC.md"}, specialist: "api-specialist"},
	{role: RoleFrontend, question: "Confirm API contract for the client", kind: domain.ConsultDependency,
		consults: []Role{RoleArchitect, RoleBackend}, docs: []string{"UI_SPEC.md"}},
	{role: RoleQA, question: "Review testability of delivered components", kind: domain.ConsultReview,
		consults: []Role{RoleBackend, RoleFrontend}, docs: []string{"TEST_PLAN.md"}, gate: true},
	{role: RoleSecurity, question: "Review attack surface of delivered components", kind: domain.ConsultReview,
		consults: []Role{RoleArchitect, RoleBackend}, docs: []string{"SECURITY_REPORT.md"}, specialist: "threat-modeler", gate: true},
	{role: RoleDevOps, question: "Confirm release readiness", kind: domain.ConsultDependency,
		consults: []Role{RoleQA, RoleSecurity}, docs: []string{"RUNBOOK.md"}, decides: true},
	{role: RoleReporter, docs: []string{"MASTER_REPORT.md"}, reports: true},
}

// Default returns a roster with the built-in worker for every role.
func Default(deps Deps) *Roster {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	r := New()
	for _, p := range profiles {
		w := &builtin{profile: p, deps: deps, log: log.With("component", "worker", "agent", p.role.AgentID())}
		if err := r.Register(p.role, w); err != nil {
			panic(err)
		}
	}
	return r
}

// Enroll registers the orchestrator and the ten static agents in the
// directory as IDLE. Agents already present are left alone.
func Enroll(ctx context.Context, dir *agents.Directory) error {
	root := domain.AgentAuthority{CanSpawnAgents: true, CanOverrideDecisions: true, MaxParallelAgents: agents.DefaultMaxParallel}
	specs := []agents.SpawnOptions{{ID: OrchestratorID, Role: domain.RoleOrchestrator, Name: "Orchestrator", Authority: &root}}
	for _, role := range Roles {
		specs = append(specs, agents.SpawnOptions{ID: role.AgentID(), Role: role.AgentRole(), Name: role.AgentID()})
	}
	for _, opts := range specs {
		if _, err := dir.Spawn(ctx, opts); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue
			}
			return fmt.Errorf("enroll %s: %w", opts.ID, err)
		}
		if _, err := dir.UpdateStatus(ctx, opts.ID, domain.AgentIdle); err != nil {
			return fmt.Errorf("enroll %s: %w", opts.ID, err)
		}
	}
	return nil
}

type builtin struct {
	profile
	deps Deps
	log  *slog.Logger
}

func (w *builtin) Work(ctx context.Context, a Assignment) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	me := w.role.AgentID()
	taskID := a.MissionID + "/" + a.Stage
	if w.claim(ctx, taskID) {
		defer w.release(ctx)
	}
	if err := w.drainInbox(ctx); err != nil {
		return Outcome{}, err
	}

	answers, err := w.consult(ctx, a)
	if err != nil {
		return Outcome{}, err
	}
	var notes []string
	if w.specialist != "" {
		note, err := w.runSpecialist(ctx, a)
		if err != nil {
			return Outcome{}, err
		}
		notes = append(notes, note)
	}
	for _, to := range w.handoffs {
		if _, err := w.deps.Bus.Handoff(ctx, me, to.AgentID(), a.MissionID, map[string]any{"task": a.Task, "stage": a.Stage}); err != nil {
			w.log.Warn("handoff failed", "to", to.AgentID(), "err", err)
			continue
		}
		notes = append(notes, "handed off to "+to.AgentID())
	}

	out := Outcome{Outputs: w.outputs(a.MissionID)}
	if w.gate {
		if reason, ok := a.Params[BlockParam(w.role)]; ok {
			if reason == "" {
				reason = "validation failed"
			}
			out.Blocked = true
			out.Blockers = []string{reason}
			out.Summary = "BLOCKED: " + reason
			if _, err := w.deps.Bus.Alert(ctx, me, "Gate blocked: "+reason, map[string]any{"mission_id": a.MissionID}, true); err != nil {
				w.log.Warn("alert failed", "err", err)
			}
			return out, nil
		}
	}
	if w.decides {
		note, err := w.decide(ctx, a)
		if err != nil {
			return Outcome{}, err
		}
		notes = append(notes, note)
	}
	if w.reports {
		summary := a.Params[ParamReport]
		if summary == "" {
			summary = "report for " + a.MissionID
		}
		if _, err := w.deps.Bus.Alert(ctx, me, summary, map[string]any{"mission_id": a.MissionID}, false); err != nil {
			w.log.Warn("alert failed", "err", err)
		}
		out.Summary = summary
		return out, nil
	}

	out.Summary = fmt.Sprintf("%s drafted for %q; %d peer answer(s)", strings.Join(w.docs, ", "), truncate(a.Task, 60), answers)
	if len(notes) > 0 {
		out.Summary += "; " + strings.Join(notes, "; ")
	}
	return out, nil
}

// claim marks the agent's own directory profile WORKING when it is enrolled.
func (w *builtin) claim(ctx context.Context, taskID string) bool {
	if w.deps.Directory == nil {
		return false
	}
	if _, err := w.deps.Directory.AllocateTask(ctx, w.role.AgentID(), taskID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			w.log.Warn("allocate task failed", "task", taskID, "err", err)
		}
		return false
	}
	return true
}

func (w *builtin) release(ctx context.Context) {
	if _, err := w.deps.Directory.ReleaseTask(ctx, w.role.AgentID()); err != nil {
		w.log.Warn("release task failed", "err", err)
	}
}

// drainInbox picks up messages already queued for this agent.
func (w *builtin) drainInbox(ctx context.Context) error {
	for i := 0; i < maxInbox; i++ {
		m, err := w.deps.Bus.Consume(ctx, w.role.AgentID(), 0)
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}
		w.log.Debug("message received", "id", m.ID, "from", m.FromAgent, "type", m.Type, "subject", m.Subject)
	}
	return nil
}

func (w *builtin) consult(ctx context.Context, a Assignment) (int, error) {
	if len(w.consults) == 0 {
		return 0, nil
	}
	me := w.role.AgentID()
	question := fmt.Sprintf("%s for mission %s: %s", w.question, a.MissionID, truncate(a.Task, 80))
	opts := bus.ConsultOptions{Context: a.Stage, Type: w.kind}
	if len(w.consults) == 1 {
		peer := w.consults[0].AgentID()
		if _, err := w.deps.Bus.Consult(ctx, me, peer, question, opts); err != nil {
			if errors.Is(err, domain.ErrConsultationLoop) {
				w.log.Warn("consultation skipped", "to", peer, "err", err)
				return 0, nil
			}
			return 0, fmt.Errorf("consult %s: %w", peer, err)
		}
		return 1, nil
	}
	targets := make([]string, 0, len(w.consults))
	for _, r := range w.consults {
		targets = append(targets, r.AgentID())
	}
	return len(w.deps.Bus.Broadcast(ctx, me, question, targets, opts)), nil
}

// runSpecialist spawns a short-lived specialist under the orchestrator,
// charges its work against its token budget and terminates it.
func (w *builtin) runSpecialist(ctx context.Context, a Assignment) (string, error) {
	dir := w.deps.Directory
	if dir == nil {
		return "no directory for " + w.specialist, nil
	}
	spec, err := dir.Spawn(ctx, agents.SpawnOptions{
		Role:         domain.RoleSpecialist,
		Name:         w.specialist,
		ParentID:     OrchestratorID,
		TokenBudget:  w.deps.SpecialistBudget,
		Capabilities: []domain.AgentCapability{{Name: w.specialist, CostEstimate: specialistCost}},
		Metadata:     map[string]any{"mission_id": a.MissionID, "requested_by": w.role.AgentID()},
	})
	if err != nil {
		if errors.Is(err, domain.ErrBudgetExceeded) || errors.Is(err, domain.ErrForbidden) {
			w.log.Warn("specialist unavailable", "specialist", w.specialist, "err", err)
			return w.specialist + " unavailable", nil
		}
		return "", fmt.Errorf("spawn %s: %w", w.specialist, err)
	}
	defer func() {
		if err := dir.Terminate(ctx, spec.ID); err != nil {
			w.log.Warn("terminate specialist failed", "id", spec.ID, "err", err)
		}
	}()
	if _, err := dir.UpdateStatus(ctx, spec.ID, domain.AgentIdle); err != nil {
		return "", err
	}
	if _, err := dir.AllocateTask(ctx, spec.ID, a.MissionID+"/"+a.Stage); err != nil {
		return "", err
	}
	if _, err := dir.ConsumeTokens(ctx, spec.ID, specialistCost); err != nil {
		if errors.Is(err, domain.ErrBudgetExceeded) {
			return w.specialist + " out of tokens", nil
		}
		return "", err
	}
	if _, err := dir.ReleaseTask(ctx, spec.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s used %d tokens", w.specialist, specialistCost), nil
}

// decide asks for release approval and records the dispatcher's decision.
func (w *builtin) decide(ctx context.Context, a Assignment) (string, error) {
	me := w.role.AgentID()
	msgID, err := w.deps.Bus.AskQuestion(ctx, me, "Release approval for "+a.MissionID, map[string]any{"mission_id": a.MissionID}, true)
	if err != nil {
		return "", fmt.Errorf("ask release approval: %w", err)
	}
	d, err := w.deps.Bus.RecordDecision(ctx, msgID, w.deps.Bus.Dispatcher(), "approved", "validation gate passed", map[string]any{"mission_id": a.MissionID})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("release %s by %s", d.Choice, d.ApproverAgent), nil
}

func (w *builtin) outputs(missionID string) []string {
	out := make([]string, 0, len(w.docs))
	for _, doc := range w.docs {
		out = append(out, "docs/"+missionID+"/"+doc)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
