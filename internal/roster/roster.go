package roster

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"agentline/internal/domain"
)

// Role names one of the ten static pipeline agents.
type Role string

const (
	RoleDispatcher     Role = "dispatcher"
	RoleProductManager Role = "product-manager"
	RoleAnalyst        Role = "market-analyst"
	RoleArchitect      Role = "architect"
	RoleBackend        Role = "backend"
	RoleFrontend       Role = "frontend"
	RoleQA             Role = "qa"
	RoleSecurity       Role = "security"
	RoleDevOps         Role = "devops"
	RoleReporter       Role = "reporter"
)

// OrchestratorID is the root agent that owns every spawned specialist.
const OrchestratorID = "00/Orchestrator"

// Roles lists the static agents in pipeline order.
var Roles = []Role{
	RoleDispatcher, RoleProductManager, RoleAnalyst, RoleArchitect, RoleBackend,
	RoleFrontend, RoleQA, RoleSecurity, RoleDevOps, RoleReporter,
}

var agentIDs = map[Role]string{
	RoleDispatcher:     "01/Chief-Dispatcher",
	RoleProductManager: "02/Product-Manager",
	RoleAnalyst:        "03/Market-Analyst",
	RoleArchitect:      "04/Solution-Architect",
	RoleBackend:        "05/Backend-Engineer",
	RoleFrontend:       "06/Frontend-Engineer",
	RoleQA:             "07/QA-Engineer",
	RoleSecurity:       "08/Security-Engineer",
	RoleDevOps:         "09/DevOps-Engineer",
	RoleReporter:       "10/Telegram-Reporter",
}

var directoryRoles = map[Role]domain.AgentRole{
	RoleDispatcher:     domain.RoleOrchestrator,
	RoleProductManager: domain.RoleBusiness,
	RoleAnalyst:        domain.RoleBusiness,
	RoleArchitect:      domain.RoleArchitect,
	RoleBackend:        domain.RoleDeveloper,
	RoleFrontend:       domain.RoleDeveloper,
	RoleQA:             domain.RoleQA,
	RoleSecurity:       domain.RoleSecurity,
	RoleDevOps:         domain.RoleDevOps,
	RoleReporter:       domain.RoleSupport,
}

var titles = map[Role]string{
	RoleDispatcher:     "Dispatcher",
	RoleProductManager: "PM",
	RoleAnalyst:        "Analyst",
	RoleArchitect:      "Architect",
	RoleBackend:        "Backend",
	RoleFrontend:       "Frontend",
	RoleQA:             "QA",
	RoleSecurity:       "Security",
	RoleDevOps:         "DevOps",
	RoleReporter:       "Reporter",
}

func (r Role) Valid() bool {
	_, ok := agentIDs[r]
	return ok
}

// AgentID returns the stable id the role uses on the bus.
func (r Role) AgentID() string { return agentIDs[r] }

// Title is the short label used in stage summaries.
func (r Role) Title() string { return titles[r] }

// AgentRole maps the role onto the directory's role vocabulary.
func (r Role) AgentRole() domain.AgentRole { return directoryRoles[r] }

// ParseRole accepts a role name ("qa") or an agent id ("07/QA-Engineer").
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	if r := Role(strings.ToLower(s)); r.Valid() {
		return r, nil
	}
	for r, id := range agentIDs {
		if strings.EqualFold(id, s) {
			return r, nil
		}
	}
	return "", domain.NotFoundError{Kind: "role", ID: s}
}

// Assignment is the work handed to one worker by a pipeline stage.
type Assignment struct {
	MissionID string
	Task      string
	Stage     string
	Role      Role
	Params    map[string]string
}

// Outcome is what a worker reports back. Blocked is only meaningful for
// gate stages.
type Outcome struct {
	Summary  string
	Outputs  []string
	Blocked  bool
	Blockers []string
}

type Worker interface {
	Work(ctx context.Context, a Assignment) (Outcome, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, a Assignment) (Outcome, error)

func (f WorkerFunc) Work(ctx context.Context, a Assignment) (Outcome, error) { return f(ctx, a) }

// Roster maps each role to the worker that performs it.
type Roster struct {
	mu      sync.RWMutex
	workers map[Role]Worker
}

func New() *Roster {
	return &Roster{workers: map[Role]Worker{}}
}

// Register installs w for role, replacing any earlier worker.
func (r *Roster) Register(role Role, w Worker) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if w == nil {
		return fmt.Errorf("worker for %s is nil", role)
	}
	r.mu.Lock()
	r.workers[role] = w
	r.mu.Unlock()
	return nil
}

func (r *Roster) Worker(role Role) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[role]
	if !ok {
		return nil, domain.NotFoundError{Kind: "worker", ID: string(role)}
	}
	return w, nil
}

// Registered returns the roles that have a worker, in pipeline order.
func (r *Roster) Registered() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.workers))
	for _, role := range Roles {
		if _, ok := r.workers[role]; ok {
			out = append(out, role)
		}
	}
	return out
}

// BlockParam is the assignment parameter that makes a gate worker report
// blocked with the parameter's value as the reason.
func BlockParam(role Role) string { return string(role) + ".block" }
