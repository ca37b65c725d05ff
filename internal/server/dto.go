package server

import (
	"agentline/internal/agents"
	"agentline/internal/bus"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/pipeline"
)

// Request payloads

type CreateMissionRequest struct {
	ID    string `json:"mission_id" example:"M-003"`
	Name  string `json:"name,omitempty"`
	Owner string `json:"owner,omitempty"`
}

type MissionActionRequest struct {
	Agent string `json:"agent,omitempty"`
}

type AdvancePhaseRequest struct {
	Phase string `json:"phase" enum:"PLANNING,RESEARCH,DESIGN,DEVELOPMENT,VALIDATION,DEPLOYMENT,REPORTING"`
	Agent string `json:"agent,omitempty"`
}

type BlockMissionRequest struct {
	Reason string `json:"reason"`
	Agent  string `json:"agent,omitempty"`
}

type RetrospectiveRequest struct {
	WhatWentWell  []string `json:"what_went_well,omitempty"`
	WhatToImprove []string `json:"what_to_improve,omitempty"`
	ActionItems   []string `json:"action_items,omitempty"`
	RecordedBy    string   `json:"recorded_by,omitempty"`
}

type SpawnAgentRequest struct {
	ID           string                   `json:"id,omitempty"`
	Role         string                   `json:"role" enum:"orchestrator,business-strategist,architect,developer,qa-engineer,devops,security-auditor,support,specialist"`
	Name         string                   `json:"name,omitempty"`
	ParentID     string                   `json:"parent_id,omitempty"`
	Capabilities []domain.AgentCapability `json:"capabilities,omitempty"`
	TokenBudget  int                      `json:"token_budget,omitempty"`
	Authority    *domain.AgentAuthority   `json:"authority,omitempty"`
	Metadata     map[string]any           `json:"metadata,omitempty"`
}

type AgentStatusRequest struct {
	Status string `json:"status" enum:"pending,active,working,blocked,completed,failed,idle"`
}

type AllocateTaskRequest struct {
	TaskID string `json:"task_id"`
}

type ConsumeTokensRequest struct {
	Tokens int `json:"tokens"`
}

type ConsultRequest struct {
	From     string `json:"from_agent"`
	To       string `json:"to_agent"`
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
	Priority string `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH,URGENT"`
	Type     string `json:"consultation_type,omitempty" enum:"CLARIFICATION,REVIEW,DEPENDENCY,ESCALATION"`
}

type BroadcastRequest struct {
	From     string   `json:"from_agent"`
	Question string   `json:"question"`
	Targets  []string `json:"targets"`
	Context  string   `json:"context,omitempty"`
	Priority string   `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH,URGENT"`
	Type     string   `json:"consultation_type,omitempty" enum:"CLARIFICATION,REVIEW,DEPENDENCY,ESCALATION"`
}

type EscalateRequest struct {
	From     string `json:"from_agent"`
	Conflict string `json:"conflict"`
}

type PublishMessageRequest struct {
	ID   string `json:"id,omitempty"`
	From string `json:"from_agent"`
	To   string `json:"to_agent,omitempty"`
	Type string `json:"message_type" enum:"request,response,question,decision,alert,update,handoff,ack"`
	// Priority is 1 (critical) to 4 (low); omitted means normal.
	Priority         *int           `json:"priority,omitempty" minimum:"1" maximum:"4"`
	Subject          string         `json:"subject,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	RequiresDecision bool           `json:"requires_decision,omitempty"`
	RelatedTaskID    string         `json:"related_task_id,omitempty"`
}

type ReplyRequest struct {
	From       string         `json:"from_agent"`
	Payload    map[string]any `json:"payload,omitempty"`
	IsDecision bool           `json:"is_decision,omitempty"`
}

type DecisionRequest struct {
	MessageID string         `json:"message_id"`
	Approver  string         `json:"approver_agent"`
	Choice    string         `json:"choice"`
	Rationale string         `json:"rationale,omitempty"`
	Impact    map[string]any `json:"impact,omitempty"`
}

type RunPipelineRequest struct {
	MissionID string `json:"mission_id" example:"M-003"`
	Task      string `json:"task,omitempty"`
	// ReportInterval is a Go duration such as "10m"; empty uses the config.
	ReportInterval string            `json:"report_interval,omitempty" example:"10m"`
	Params         map[string]string `json:"params,omitempty"`
	// Blocks maps a role or agent id to the reason its gate should block.
	Blocks map[string]string `json:"blocks,omitempty"`
}

// Responses

type MissionList struct {
	Items []domain.Mission `json:"items"`
}

type AgentList struct {
	Items []domain.AgentProfile `json:"items"`
}

type ConsultationList struct {
	Items []domain.ConsultationResponse `json:"items"`
}

type MessageList struct {
	Items []domain.Message `json:"items"`
}

type DecisionList struct {
	Items []domain.Decision `json:"items"`
}

type MessageRef struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

type ConsumeResponse struct {
	Message *domain.Message `json:"message"`
}

type RunResponse struct {
	pipeline.Snapshot
	Report string `json:"report"`
}

// Schema names are derived from Go type names, so the counters from each
// package get their own.
type BusStatsResponse bus.Stats

type AgentStatsResponse agents.Stats

type StatsResponse struct {
	Missions       map[domain.MissionStatus]int `json:"missions"`
	ActiveMissions int                          `json:"active_missions"`
	Bus            BusStatsResponse             `json:"bus"`
	Agents         AgentStatsResponse           `json:"agents"`
}

func statsResponse(st engine.Stats) StatsResponse {
	return StatsResponse{
		Missions:       st.Missions,
		ActiveMissions: st.ActiveMissions,
		Bus:            BusStatsResponse(st.Bus),
		Agents:         AgentStatsResponse(st.Agents),
	}
}

type EventsResponse struct {
	// Source is "sqlite" for stored events and "jsonl" for log records.
	Source     string           `json:"source" enum:"sqlite,jsonl"`
	Items      []domain.Event   `json:"items"`
	Records    []map[string]any `json:"records,omitempty"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func runResponse(s pipeline.Snapshot) RunResponse {
	return RunResponse{Snapshot: s, Report: s.Text()}
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
