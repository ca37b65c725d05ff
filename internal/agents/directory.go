package agents

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/events"
)

const (
	DefaultMaxAgents   = 20
	DefaultTokenBudget = 5000
	DefaultMaxParallel = 4
)

// Sink record types on the agents stream.
const (
	EventSpawned    = "SPAWNED"
	EventStatus     = "STATUS"
	EventAllocated  = "ALLOCATED"
	EventReleased   = "RELEASED"
	EventTokens     = "TOKENS"
	EventTerminated = "TERMINATED"
)

type Options struct {
	MaxAgents          int
	DefaultTokenBudget int
	Sink               events.Sink
	Logger             *slog.Logger
	Now                func() time.Time
}

// SpawnOptions describe a new agent. Zero values take the directory
// defaults; Authority defaults by role.
type SpawnOptions struct {
	ID           string
	Role         domain.AgentRole
	Name         string
	ParentID     string
	Capabilities []domain.AgentCapability
	TokenBudget  int
	Authority    *domain.AgentAuthority
	Metadata     map[string]any
}

// Directory tracks spawned agents and their token budgets.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]*domain.AgentProfile
	order  []string

	max    int
	budget int
	sink   events.Sink
	log    *slog.Logger
	now    func() time.Time
}

func New(opts Options) *Directory {
	d := &Directory{
		agents: map[string]*domain.AgentProfile{},
		max:    opts.MaxAgents,
		budget: opts.DefaultTokenBudget,
		sink:   opts.Sink,
		log:    opts.Logger,
		now:    opts.Now,
	}
	if d.max <= 0 {
		d.max = DefaultMaxAgents
	}
	if d.budget <= 0 {
		d.budget = DefaultTokenBudget
	}
	if d.sink == nil {
		d.sink = events.Discard
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.log = d.log.With("component", "agents")
	return d
}

// DefaultAuthority returns the authority a role gets when none is given.
func DefaultAuthority(role domain.AgentRole) domain.AgentAuthority {
	a := domain.AgentAuthority{MaxParallelAgents: DefaultMaxParallel}
	switch role {
	case domain.RoleOrchestrator:
		a.CanSpawnAgents = true
		a.CanOverrideDecisions = true
	case domain.RoleArchitect:
		a.CanSpawnAgents = true
	}
	return a
}

// Spawn registers a new PENDING agent. It fails with ErrBudgetExceeded at
// the live-agent ceiling or when the parent already runs its maximum of
// children, and with ErrForbidden when the parent may not spawn.
func (d *Directory) Spawn(ctx context.Context, opts SpawnOptions) (domain.AgentProfile, error) {
	if opts.Role == "" {
		opts.Role = domain.RoleSupport
	}
	if !opts.Role.Valid() {
		return domain.AgentProfile{}, fmt.Errorf("unknown agent role %q", opts.Role)
	}
	if opts.TokenBudget < 0 {
		return domain.AgentProfile{}, fmt.Errorf("token budget must not be negative")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.agents) >= d.max {
		d.log.Warn("agent limit reached", "max", d.max, "role", opts.Role)
		return domain.AgentProfile{}, fmt.Errorf("agent limit %d reached: %w", d.max, domain.ErrBudgetExceeded)
	}
	if opts.ParentID != "" {
		parent, ok := d.agents[opts.ParentID]
		if !ok {
			return domain.AgentProfile{}, domain.NotFoundError{Kind: "agent", ID: opts.ParentID}
		}
		if !parent.Authority.CanSpawnAgents {
			d.log.Error("parent cannot spawn agents", "parent", opts.ParentID)
			return domain.AgentProfile{}, fmt.Errorf("agent %s cannot spawn agents: %w", opts.ParentID, domain.ErrForbidden)
		}
		if n := d.childrenLocked(opts.ParentID); n >= parent.Authority.MaxParallelAgents {
			return domain.AgentProfile{}, fmt.Errorf("agent %s already runs %d children: %w", opts.ParentID, n, domain.ErrBudgetExceeded)
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()[:8]
	}
	if _, dup := d.agents[opts.ID]; dup {
		return domain.AgentProfile{}, fmt.Errorf("agent %s: %w", opts.ID, domain.ErrAlreadyExists)
	}
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("%s-%s", opts.Role, uuid.NewString()[:6])
	}
	if opts.TokenBudget == 0 {
		opts.TokenBudget = d.budget
	}
	authority := DefaultAuthority(opts.Role)
	if opts.Authority != nil {
		authority = *opts.Authority
	}
	now := d.now().UTC()
	p := &domain.AgentProfile{
		ID:           opts.ID,
		Role:         opts.Role,
		Name:         opts.Name,
		Status:       domain.AgentPending,
		ParentID:     opts.ParentID,
		Capabilities: append([]domain.AgentCapability{}, opts.Capabilities...),
		Authority:    authority,
		TokenBudget:  opts.TokenBudget,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     maps.Clone(opts.Metadata),
	}
	d.agents[p.ID] = p
	d.order = append(d.order, p.ID)
	d.log.Info("agent spawned", "id", p.ID, "role", p.Role, "parent", p.ParentID)
	d.record(ctx, p, EventSpawned)
	return clone(p), nil
}

func (d *Directory) childrenLocked(parentID string) int {
	n := 0
	for _, a := range d.agents {
		if a.ParentID == parentID {
			n++
		}
	}
	return n
}

func (d *Directory) Get(_ context.Context, id string) (domain.AgentProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return domain.AgentProfile{}, notFound(id)
	}
	return clone(a), nil
}

// List returns agents in spawn order, filtered by status when non-empty.
func (d *Directory) List(_ context.Context, status domain.AgentStatus) []domain.AgentProfile {
	return d.filter(func(a *domain.AgentProfile) bool { return status == "" || a.Status == status })
}

// FindAvailable returns agents that can accept work, filtered by role when
// non-empty.
func (d *Directory) FindAvailable(_ context.Context, role domain.AgentRole) []domain.AgentProfile {
	return d.filter(func(a *domain.AgentProfile) bool {
		return a.Available() && (role == "" || a.Role == role)
	})
}

func (d *Directory) filter(keep func(*domain.AgentProfile) bool) []domain.AgentProfile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []domain.AgentProfile{}
	for _, id := range d.order {
		if a := d.agents[id]; keep(a) {
			out = append(out, clone(a))
		}
	}
	return out
}

func (d *Directory) UpdateStatus(ctx context.Context, id string, status domain.AgentStatus) (domain.AgentProfile, error) {
	if !status.Valid() {
		return domain.AgentProfile{}, fmt.Errorf("unknown agent status %q", status)
	}
	return d.mutate(ctx, id, EventStatus, func(a *domain.AgentProfile) error {
		a.Status = status
		return nil
	})
}

// AllocateTask assigns taskID to an available agent and marks it WORKING.
func (d *Directory) AllocateTask(ctx context.Context, id, taskID string) (domain.AgentProfile, error) {
	return d.mutate(ctx, id, EventAllocated, func(a *domain.AgentProfile) error {
		if !a.Available() {
			return fmt.Errorf("agent %s is %s with %d/%d tokens used: %w", id, a.Status, a.TokenUsed, a.TokenBudget, domain.ErrAgentUnavailable)
		}
		a.AssignedTaskID = taskID
		a.Status = domain.AgentWorking
		return nil
	})
}

// ReleaseTask clears the assignment and returns the agent to IDLE.
func (d *Directory) ReleaseTask(ctx context.Context, id string) (domain.AgentProfile, error) {
	return d.mutate(ctx, id, EventReleased, func(a *domain.AgentProfile) error {
		a.AssignedTaskID = ""
		a.Status = domain.AgentIdle
		return nil
	})
}

// ConsumeTokens charges n tokens. A charge that would exceed the budget
// fails with ErrBudgetExceeded and changes nothing.
func (d *Directory) ConsumeTokens(ctx context.Context, id string, n int) (domain.AgentProfile, error) {
	if n < 0 {
		return domain.AgentProfile{}, fmt.Errorf("token count must not be negative: %d", n)
	}
	return d.mutate(ctx, id, EventTokens, func(a *domain.AgentProfile) error {
		if a.TokenUsed+n > a.TokenBudget {
			d.log.Warn("token budget exceeded", "agent", id, "used", a.TokenUsed, "requested", n, "budget", a.TokenBudget)
			return fmt.Errorf("agent %s: %d + %d tokens over budget %d: %w", id, a.TokenUsed, n, a.TokenBudget, domain.ErrBudgetExceeded)
		}
		a.TokenUsed += n
		return nil
	})
}

// Terminate removes the agent permanently.
func (d *Directory) Terminate(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return notFound(id)
	}
	delete(d.agents, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.log.Info("agent terminated", "id", id)
	d.record(ctx, a, EventTerminated)
	return nil
}

type Stats struct {
	Total    int                        `json:"total_agents"`
	ByStatus map[domain.AgentStatus]int `json:"by_status"`
	Active   int                        `json:"active_agents"`
	Working  int                        `json:"working_agents"`
	Blocked  int                        `json:"blocked_agents"`
	Max      int                        `json:"max_agents"`
	Capacity float64                    `json:"capacity"`
}

func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := Stats{Total: len(d.agents), ByStatus: map[domain.AgentStatus]int{}, Max: d.max}
	for _, a := range d.agents {
		st.ByStatus[a.Status]++
	}
	st.Active = st.ByStatus[domain.AgentActive]
	st.Working = st.ByStatus[domain.AgentWorking]
	st.Blocked = st.ByStatus[domain.AgentBlocked]
	st.Capacity = float64(st.Total) / float64(d.max)
	return st
}

func (d *Directory) mutate(ctx context.Context, id, evtType string, fn func(*domain.AgentProfile) error) (domain.AgentProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return domain.AgentProfile{}, notFound(id)
	}
	if err := fn(a); err != nil {
		return domain.AgentProfile{}, err
	}
	a.UpdatedAt = d.now().UTC()
	d.record(ctx, a, evtType)
	return clone(a), nil
}

func (d *Directory) record(ctx context.Context, a *domain.AgentProfile, evtType string) {
	err := d.sink.Append(ctx, events.Record{
		Stream:   events.StreamAgents,
		Type:     evtType,
		EntityID: a.ID,
		ActorID:  a.ParentID,
		Payload:  events.PayloadOf(a),
	})
	if err != nil {
		d.log.Error("append agent event", "agent", a.ID, "event_type", evtType, "err", err)
	}
}

func notFound(id string) error {
	return domain.NotFoundError{Kind: "agent", ID: id}
}

func clone(a *domain.AgentProfile) domain.AgentProfile {
	out := *a
	out.Capabilities = append([]domain.AgentCapability{}, a.Capabilities...)
	out.Authority.ScopedToPhases = append([]string(nil), a.Authority.ScopedToPhases...)
	out.Authority.ForbiddenActions = append([]string(nil), a.Authority.ForbiddenActions...)
	out.Metadata = maps.Clone(a.Metadata)
	return out
}
