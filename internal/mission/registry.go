package mission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentline/internal/domain"
	"agentline/internal/events"
)

type PhasePolicy string

const (
	// PhaseAny sets the phase unconditionally; a rewind is only logged.
	PhaseAny PhasePolicy = "any"
	// PhaseForward rejects a rewind with domain.ErrInvalidTransition.
	PhaseForward PhasePolicy = "forward"
)

type RetrospectivePolicy string

const (
	RetrospectiveReject    RetrospectivePolicy = "reject"
	RetrospectiveOverwrite RetrospectivePolicy = "overwrite"
)

// Sink record types on the missions stream.
const (
	EventCreated       = "CREATED"
	EventInProgress    = "IN_PROGRESS"
	EventBlocked       = "BLOCKED"
	EventUnblocked     = "UNBLOCKED"
	EventCompleted     = "COMPLETED"
	EventRetrospective = "RETROSPECTIVE"
	EventArchived      = "ARCHIVED"
)

func phaseEvent(p domain.Phase) string { return "PHASE:" + string(p) }

type Options struct {
	Sink                events.Sink
	Logger              *slog.Logger
	Now                 func() time.Time
	PhasePolicy         PhasePolicy
	RetrospectivePolicy RetrospectivePolicy
}

// Registry owns every mission. All reads return copies.
type Registry struct {
	mu       sync.RWMutex
	missions map[string]*domain.Mission
	order    []string

	sink        events.Sink
	log         *slog.Logger
	now         func() time.Time
	phasePolicy PhasePolicy
	retroPolicy RetrospectivePolicy
}

func New(opts Options) *Registry {
	r := &Registry{
		missions:    map[string]*domain.Mission{},
		sink:        opts.Sink,
		log:         opts.Logger,
		now:         opts.Now,
		phasePolicy: opts.PhasePolicy,
		retroPolicy: opts.RetrospectivePolicy,
	}
	if r.sink == nil {
		r.sink = events.Discard
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.phasePolicy == "" {
		r.phasePolicy = PhaseAny
	}
	if r.retroPolicy == "" {
		r.retroPolicy = RetrospectiveReject
	}
	r.log = r.log.With("component", "missions")
	return r
}

// Create registers a new PENDING mission. Re-creating an existing id with the
// same name and owner returns the existing mission unchanged.
func (r *Registry) Create(ctx context.Context, id, name, owner string) (domain.Mission, error) {
	if id == "" {
		return domain.Mission{}, fmt.Errorf("mission id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.missions[id]; ok {
		if m.Name == name && m.Owner == owner {
			return clone(m), nil
		}
		return domain.Mission{}, fmt.Errorf("mission %s (name %q, owner %q): %w", id, m.Name, m.Owner, domain.ErrAlreadyExists)
	}
	m := &domain.Mission{
		ID:       id,
		Name:     name,
		Owner:    owner,
		Status:   domain.MissionPending,
		Phase:    domain.PhasePlanning,
		Blockers: []string{},
		Events:   []domain.MissionEvent{},
	}
	r.missions[id] = m
	r.order = append(r.order, id)
	r.record(ctx, m, EventCreated, owner, "Mission created")
	return clone(m), nil
}

func (r *Registry) Get(_ context.Context, id string) (domain.Mission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.missions[id]
	if !ok {
		return domain.Mission{}, notFound(id)
	}
	return clone(m), nil
}

// Start moves the mission to IN_PROGRESS. The current phase is kept.
func (r *Registry) Start(ctx context.Context, id, agent string) (domain.Mission, error) {
	return r.mutate(ctx, id, func(m *domain.Mission) (string, string, error) {
		r.resume(m)
		return EventInProgress, "Mission started", nil
	}, agent)
}

func (r *Registry) AdvancePhase(ctx context.Context, id string, phase domain.Phase, agent string) (domain.Mission, error) {
	if !phase.Valid() {
		return domain.Mission{}, fmt.Errorf("unknown phase %q", phase)
	}
	return r.mutate(ctx, id, func(m *domain.Mission) (string, string, error) {
		if phase.Ordinal() < m.Phase.Ordinal() {
			if r.phasePolicy == PhaseForward {
				return "", "", fmt.Errorf("mission %s phase %s -> %s: %w", m.ID, m.Phase, phase, domain.ErrInvalidTransition)
			}
			r.log.Warn("mission phase rewound", "mission", m.ID, "from", m.Phase, "to", phase, "agent", agent)
		}
		m.Phase = phase
		return phaseEvent(phase), fmt.Sprintf("Phase advanced to %s", phase), nil
	}, agent)
}

func (r *Registry) Block(ctx context.Context, id, reason, agent string) (domain.Mission, error) {
	return r.mutate(ctx, id, func(m *domain.Mission) (string, string, error) {
		m.Status = domain.MissionBlocked
		m.Blockers = append(m.Blockers, reason)
		return EventBlocked, "BLOCKED: " + reason, nil
	}, agent)
}

// Unblock clears every blocker and resumes the mission.
func (r *Registry) Unblock(ctx context.Context, id, agent string) (domain.Mission, error) {
	return r.mutate(ctx, id, func(m *domain.Mission) (string, string, error) {
		r.resume(m)
		m.Blockers = []string{}
		return EventUnblocked, "Unblocked, resuming", nil
	}, agent)
}

// resume enters IN_PROGRESS. started_at is set on the first entry only and a
// previous completion time no longer applies.
func (r *Registry) resume(m *domain.Mission) {
	m.Status = domain.MissionInProgress
	m.CompletedAt = nil
	if m.StartedAt == nil {
		ts := r.now().UTC()
		m.StartedAt = &ts
	}
}

func (r *Registry) Complete(ctx context.Context, id, agent string) (domain.Mission, error) {
	return r.mutate(ctx, id, func(m *domain.Mission) (string, string, error) {
		m.Status = domain.MissionComplete
		ts := r.now().UTC()
		m.CompletedAt = &ts
		return EventCompleted, "Mission completed", nil
	}, agent)
}

// Archive retires a COMPLETE mission. ARCHIVED is terminal.
func (r *Registry) Archive(ctx context.Context, id, agent string) (domain.Mission, error) {
	return r.mutate(ctx, id, func(m *domain.Mission) (string, string, error) {
		if m.Status != domain.MissionComplete {
			return "", "", fmt.Errorf("mission %s is %s, only COMPLETE missions can be archived: %w", m.ID, m.Status, domain.ErrInvalidTransition)
		}
		m.Status = domain.MissionArchived
		return EventArchived, "Mission archived", nil
	}, agent)
}

// RecordRetrospective attaches the retrospective of a finished mission.
// ARCHIVED missions still accept one.
func (r *Registry) RecordRetrospective(ctx context.Context, id string, wentWell, toImprove, actionItems []string, by string) (domain.Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.missions[id]
	if !ok {
		return domain.Mission{}, notFound(id)
	}
	if m.Status != domain.MissionComplete && m.Status != domain.MissionArchived {
		return domain.Mission{}, fmt.Errorf("mission %s is %s, retrospective requires COMPLETE: %w", id, m.Status, domain.ErrInvalidTransition)
	}
	if m.Retrospective != nil && r.retroPolicy == RetrospectiveReject {
		return domain.Mission{}, fmt.Errorf("retrospective for mission %s: %w", id, domain.ErrAlreadyExists)
	}
	m.Retrospective = &domain.Retrospective{
		MissionID:     id,
		WhatWentWell:  copyStrings(wentWell),
		WhatToImprove: copyStrings(toImprove),
		ActionItems:   copyStrings(actionItems),
		RecordedBy:    by,
		Timestamp:     r.now().UTC(),
	}
	r.record(ctx, m, EventRetrospective, by, "Retrospective recorded")
	return clone(m), nil
}

// ListActive returns PENDING, IN_PROGRESS and BLOCKED missions in creation order.
func (r *Registry) ListActive(_ context.Context) []domain.Mission {
	return r.list(func(m *domain.Mission) bool { return m.Status.Active() })
}

func (r *Registry) List(_ context.Context) []domain.Mission {
	return r.list(func(*domain.Mission) bool { return true })
}

func (r *Registry) list(keep func(*domain.Mission) bool) []domain.Mission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Mission, 0, len(r.order))
	for _, id := range r.order {
		if m := r.missions[id]; keep(m) {
			out = append(out, clone(m))
		}
	}
	return out
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(*domain.Mission) (string, string, error), agent string) (domain.Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.missions[id]
	if !ok {
		return domain.Mission{}, notFound(id)
	}
	if m.Status == domain.MissionArchived {
		return domain.Mission{}, fmt.Errorf("mission %s is archived: %w", id, domain.ErrInvalidTransition)
	}
	evtType, details, err := fn(m)
	if err != nil {
		return domain.Mission{}, err
	}
	r.record(ctx, m, evtType, agent, details)
	return clone(m), nil
}

// record appends the mission event and the sink record. Callers hold r.mu so
// records for one mission reach the sink in mutation order.
func (r *Registry) record(ctx context.Context, m *domain.Mission, evtType, agent, details string) {
	ts := r.now().UTC()
	m.Events = append(m.Events, domain.MissionEvent{
		Event:     evtType,
		Agent:     agent,
		Timestamp: ts,
		Details:   details,
	})
	err := r.sink.Append(ctx, events.Record{
		Stream:    events.StreamMissions,
		Type:      evtType,
		EntityID:  m.ID,
		ActorID:   agent,
		Timestamp: ts,
		Payload:   events.PayloadOf(m),
	})
	if err != nil {
		r.log.Error("append mission event", "mission", m.ID, "event_type", evtType, "err", err)
	}
}

func notFound(id string) error {
	return domain.NotFoundError{Kind: "mission", ID: id}
}

func clone(m *domain.Mission) domain.Mission {
	out := *m
	out.Blockers = copyStrings(m.Blockers)
	out.Events = append([]domain.MissionEvent(nil), m.Events...)
	if out.Events == nil {
		out.Events = []domain.MissionEvent{}
	}
	if m.StartedAt != nil {
		ts := *m.StartedAt
		out.StartedAt = &ts
	}
	if m.CompletedAt != nil {
		ts := *m.CompletedAt
		out.CompletedAt = &ts
	}
	if m.Retrospective != nil {
		rs := *m.Retrospective
		rs.WhatWentWell = copyStrings(rs.WhatWentWell)
		rs.WhatToImprove = copyStrings(rs.WhatToImprove)
		rs.ActionItems = copyStrings(rs.ActionItems)
		out.Retrospective = &rs
	}
	return out
}

func copyStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
