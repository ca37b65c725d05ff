package domain

import "time"

type MissionStatus string

const (
	MissionPending    MissionStatus = "PENDING"
	MissionInProgress MissionStatus = "IN_PROGRESS"
	MissionBlocked    MissionStatus = "BLOCKED"
	MissionComplete   MissionStatus = "COMPLETE"
	MissionArchived   MissionStatus = "ARCHIVED"
)

// Active reports whether the mission still needs attention.
func (s MissionStatus) Active() bool {
	return s == MissionPending || s == MissionInProgress || s == MissionBlocked
}

type Phase string

const (
	PhasePlanning    Phase = "PLANNING"
	PhaseResearch    Phase = "RESEARCH"
	PhaseDesign      Phase = "DESIGN"
	PhaseDevelopment Phase = "DEVELOPMENT"
	PhaseValidation  Phase = "VALIDATION"
	PhaseDeployment  Phase = "DEPLOYMENT"
	PhaseReporting   Phase = "REPORTING"
)

// Phases lists mission phases in their natural order.
var Phases = []Phase{
	PhasePlanning,
	PhaseResearch,
	PhaseDesign,
	PhaseDevelopment,
	PhaseValidation,
	PhaseDeployment,
	PhaseReporting,
}

// Ordinal returns the position of p in Phases, or -1 if p is unknown.
func (p Phase) Ordinal() int {
	for i, v := range Phases {
		if v == p {
			return i
		}
	}
	return -1
}

func (p Phase) Valid() bool { return p.Ordinal() >= 0 }

type Mission struct {
	ID            string         `json:"mission_id"`
	Name          string         `json:"name"`
	Owner         string         `json:"owner"`
	Status        MissionStatus  `json:"status" enum:"PENDING,IN_PROGRESS,BLOCKED,COMPLETE,ARCHIVED"`
	Phase         Phase          `json:"phase" enum:"PLANNING,RESEARCH,DESIGN,DEVELOPMENT,VALIDATION,DEPLOYMENT,REPORTING"`
	StartedAt     *time.Time     `json:"started,omitempty" format:"date-time"`
	CompletedAt   *time.Time     `json:"completed,omitempty" format:"date-time"`
	Notes         string         `json:"notes,omitempty"`
	Blockers      []string       `json:"blockers"`
	Events        []MissionEvent `json:"events"`
	Retrospective *Retrospective `json:"retrospective,omitempty"`
}

type MissionEvent struct {
	Event     string    `json:"event"`
	Agent     string    `json:"agent"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
	Details   string    `json:"details,omitempty"`
}

type Retrospective struct {
	MissionID     string    `json:"mission_id"`
	WhatWentWell  []string  `json:"what_went_well"`
	WhatToImprove []string  `json:"what_to_improve"`
	ActionItems   []string  `json:"action_items"`
	RecordedBy    string    `json:"recorded_by"`
	Timestamp     time.Time `json:"timestamp" format:"date-time"`
}

type ConsultationType string

const (
	ConsultClarification ConsultationType = "CLARIFICATION"
	ConsultReview        ConsultationType = "REVIEW"
	ConsultDependency    ConsultationType = "DEPENDENCY"
	ConsultEscalation    ConsultationType = "ESCALATION"
)

type ConsultationPriority string

const (
	ConsultLow    ConsultationPriority = "LOW"
	ConsultMedium ConsultationPriority = "MEDIUM"
	ConsultHigh   ConsultationPriority = "HIGH"
	ConsultUrgent ConsultationPriority = "URGENT"
)

type ConsultationRequest struct {
	RequestID string               `json:"request_id"`
	FromAgent string               `json:"from_agent"`
	ToAgent   string               `json:"to_agent"`
	Question  string               `json:"question"`
	Context   string               `json:"context,omitempty"`
	Priority  ConsultationPriority `json:"priority" enum:"LOW,MEDIUM,HIGH,URGENT"`
	Type      ConsultationType     `json:"consultation_type" enum:"CLARIFICATION,REVIEW,DEPENDENCY,ESCALATION"`
	Timestamp time.Time            `json:"timestamp" format:"date-time"`
}

type ConsultationResponse struct {
	RequestID  string    `json:"request_id"`
	FromAgent  string    `json:"from_agent"`
	ToAgent    string    `json:"to_agent"`
	Answer     string    `json:"answer"`
	Confidence float64   `json:"confidence"`
	Sources    []string  `json:"sources,omitempty"`
	Timestamp  time.Time `json:"timestamp" format:"date-time"`
}

type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
	MessageQuestion MessageType = "question"
	MessageDecision MessageType = "decision"
	MessageAlert    MessageType = "alert"
	MessageUpdate   MessageType = "update"
	MessageHandoff  MessageType = "handoff"
	MessageAck      MessageType = "ack"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageRequest, MessageResponse, MessageQuestion, MessageDecision,
		MessageAlert, MessageUpdate, MessageHandoff, MessageAck:
		return true
	}
	return false
}

// MessagePriority is ordinal: lower values are delivered first. Zero is
// unset.
type MessagePriority int

const (
	PriorityCritical MessagePriority = 1
	PriorityHigh     MessagePriority = 2
	PriorityNormal   MessagePriority = 3
	PriorityLow      MessagePriority = 4
)

func (p MessagePriority) Valid() bool { return p >= PriorityCritical && p <= PriorityLow }

type Message struct {
	ID               string          `json:"id"`
	FromAgent        string          `json:"from_agent"`
	ToAgent          string          `json:"to_agent,omitempty"`
	Type             MessageType     `json:"message_type"`
	Priority         MessagePriority `json:"priority"`
	Subject          string          `json:"subject,omitempty"`
	Payload          map[string]any  `json:"payload,omitempty"`
	RequiresDecision bool            `json:"requires_decision,omitempty"`
	RelatedTaskID    string          `json:"related_task_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at" format:"date-time"`
	Status           string          `json:"status"`
	Replies          []Message       `json:"replies,omitempty"`
}

// Broadcast reports whether the message is addressed to every agent.
func (m Message) Broadcast() bool { return m.ToAgent == "" }

func (m Message) Urgent() bool {
	return m.Priority == PriorityCritical || m.Priority == PriorityHigh
}

type Decision struct {
	ID            string         `json:"id"`
	MessageID     string         `json:"message_id"`
	ApproverAgent string         `json:"approver_agent"`
	Choice        string         `json:"choice"`
	Rationale     string         `json:"rationale,omitempty"`
	Impact        map[string]any `json:"impact,omitempty"`
	Timestamp     time.Time      `json:"timestamp" format:"date-time"`
}

type AgentRole string

const (
	RoleOrchestrator AgentRole = "orchestrator"
	RoleBusiness     AgentRole = "business-strategist"
	RoleArchitect    AgentRole = "architect"
	RoleDeveloper    AgentRole = "developer"
	RoleQA           AgentRole = "qa-engineer"
	RoleDevOps       AgentRole = "devops"
	RoleSecurity     AgentRole = "security-auditor"
	RoleSupport      AgentRole = "support"
	RoleSpecialist   AgentRole = "specialist"
)

var AgentRoles = []AgentRole{
	RoleOrchestrator, RoleBusiness, RoleArchitect, RoleDeveloper, RoleQA,
	RoleDevOps, RoleSecurity, RoleSupport, RoleSpecialist,
}

func (r AgentRole) Valid() bool {
	for _, v := range AgentRoles {
		if v == r {
			return true
		}
	}
	return false
}

type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentActive    AgentStatus = "active"
	AgentWorking   AgentStatus = "working"
	AgentBlocked   AgentStatus = "blocked"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentIdle      AgentStatus = "idle"
)

var AgentStatuses = []AgentStatus{
	AgentPending, AgentActive, AgentWorking, AgentBlocked, AgentCompleted, AgentFailed, AgentIdle,
}

func (s AgentStatus) Valid() bool {
	for _, v := range AgentStatuses {
		if v == s {
			return true
		}
	}
	return false
}

type AgentCapability struct {
	Name         string   `json:"name"`
	Required     bool     `json:"required,omitempty"`
	CostEstimate int      `json:"cost_estimate"`
	Priority     int      `json:"priority"`
	Skills       []string `json:"skills,omitempty"`
}

type AgentAuthority struct {
	MaxParallelAgents    int      `json:"max_parallel_agents"`
	CanSpawnAgents       bool     `json:"can_spawn_agents"`
	CanOverrideDecisions bool     `json:"can_override_decisions"`
	ScopedToPhases       []string `json:"scoped_to_phases,omitempty"`
	ForbiddenActions     []string `json:"forbidden_actions,omitempty"`
}

type AgentProfile struct {
	ID             string            `json:"id"`
	Role           AgentRole         `json:"role"`
	Name           string            `json:"name"`
	Status         AgentStatus       `json:"status"`
	ParentID       string            `json:"parent_id,omitempty"`
	Capabilities   []AgentCapability `json:"capabilities"`
	Authority      AgentAuthority    `json:"authority"`
	AssignedTaskID string            `json:"assigned_task_id,omitempty"`
	TokenBudget    int               `json:"token_budget"`
	TokenUsed      int               `json:"token_used"`
	CreatedAt      time.Time         `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time         `json:"updated_at" format:"date-time"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// Available reports whether the agent can accept new work.
func (a AgentProfile) Available() bool {
	return (a.Status == AgentIdle || a.Status == AgentActive) && a.TokenUsed < a.TokenBudget
}

func (a AgentProfile) TokensRemaining() int { return a.TokenBudget - a.TokenUsed }

type StageStatus string

const (
	StagePending  StageStatus = "PENDING"
	StageRunning  StageStatus = "RUNNING"
	StageComplete StageStatus = "COMPLETE"
	StageBlocked  StageStatus = "BLOCKED"
	StageSkipped  StageStatus = "SKIPPED"
	StageError    StageStatus = "ERROR"
)

// Terminal reports whether no further transition is possible.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageComplete, StageBlocked, StageSkipped, StageError:
		return true
	}
	return false
}

type StageResult struct {
	Stage    string      `json:"stage"`
	Status   StageStatus `json:"status" enum:"PENDING,RUNNING,COMPLETE,BLOCKED,SKIPPED,ERROR"`
	Summary  string      `json:"summary,omitempty"`
	Outputs  []string    `json:"outputs,omitempty"`
	Started  *time.Time  `json:"started,omitempty" format:"date-time"`
	Finished *time.Time  `json:"finished,omitempty" format:"date-time"`
}

// Duration is zero until the stage has both started and finished.
func (r StageResult) Duration() time.Duration {
	if r.Started == nil || r.Finished == nil {
		return 0
	}
	return r.Finished.Sub(*r.Started)
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Stream   string `json:"stream"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
	Payload  string `json:"payload_json"`
}
