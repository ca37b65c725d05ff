package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"agentline/internal/agents"
	"agentline/internal/bus"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/pipeline"
	"agentline/internal/repo"
	"agentline/internal/roster"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"consultation_loop"`
	Message string         `json:"message" example:"self-consultation detected: 04/Solution-Architect -> 04/Solution-Architect"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Agentline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Agentline API", "0.2.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerStats(group, e)
	registerMissions(group, e)
	registerAgents(group, e)
	registerConsultations(group, e)
	registerMessages(group, e)
	registerDecisions(group, e)
	registerPipeline(group, e)
	registerEvents(group, e)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var loop domain.ConsultationLoopError
	if errors.As(err, &loop) {
		return newAPIError(http.StatusConflict, "consultation_loop", err.Error(), map[string]any{"from": loop.From, "to": loop.To})
	}
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, domain.ErrBudgetExceeded):
		return newAPIError(http.StatusUnprocessableEntity, "budget_exceeded", err.Error(), nil)
	case errors.Is(err, domain.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, bus.ErrQueueFull):
		return newAPIError(http.StatusServiceUnavailable, "queue_full", err.Error(), nil)
	case errors.Is(err, domain.ErrAgentUnavailable):
		return newAPIError(http.StatusConflict, "agent_unavailable", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func badRequest(msg, field string) huma.StatusError {
	var details map[string]any
	if field != "" {
		details = map[string]any{"field": field}
	}
	return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Agentline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStats(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Mission, bus and agent counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: statsResponse(e.Stats(ctx))}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "bus-stats",
		Method:      http.MethodGet,
		Path:        "/bus/stats",
		Summary:     "Message bus counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BusStatsResponse `json:"body"`
	}, error) {
		return &struct {
			Body BusStatsResponse `json:"body"`
		}{Body: BusStatsResponse(e.Bus.Stats())}, nil
	})
}

type missionOutput struct {
	Body domain.Mission `json:"body"`
}

func missionResult(m domain.Mission, err error) (*missionOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &missionOutput{Body: m}, nil
}

func registerMissions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active" doc:"Only PENDING, IN_PROGRESS and BLOCKED missions"`
	}) (*struct {
		Body MissionList `json:"body"`
	}, error) {
		items := e.Missions.List(ctx)
		if input.Active {
			items = e.Missions.ListActive(ctx)
		}
		return &struct {
			Body MissionList `json:"body"`
		}{Body: MissionList{Items: orEmpty(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create a mission",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*missionOutput, error) {
		id := strings.TrimSpace(input.Body.ID)
		if id == "" {
			return nil, badRequest("mission_id is required", "mission_id")
		}
		owner := input.Body.Owner
		if owner == "" {
			owner = e.Bus.Dispatcher()
		}
		return missionResult(e.Missions.Create(ctx, id, input.Body.Name, owner))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get a mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*missionOutput, error) {
		return missionResult(e.Missions.Get(ctx, input.ID))
	})

	actions := []struct {
		op, summary string
		fn          func(ctx context.Context, id, agent string) (domain.Mission, error)
	}{
		{"start", "Start a mission", e.Missions.Start},
		{"unblock", "Clear mission blockers", e.Missions.Unblock},
		{"complete", "Complete a mission", e.Missions.Complete},
		{"archive", "Archive a mission", e.Missions.Archive},
	}
	for _, a := range actions {
		fn := a.fn
		huma.Register(api, huma.Operation{
			OperationID: a.op + "-mission",
			Method:      http.MethodPost,
			Path:        "/missions/{id}/" + a.op,
			Summary:     a.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ID   string                `path:"id"`
			Body *MissionActionRequest `json:"body"`
		}) (*missionOutput, error) {
			agent := e.Bus.Dispatcher()
			if input.Body != nil && input.Body.Agent != "" {
				agent = input.Body.Agent
			}
			return missionResult(fn(ctx, input.ID, agent))
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "advance-mission-phase",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/phase",
		Summary:     "Move a mission to another phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AdvancePhaseRequest `json:"body"`
	}) (*missionOutput, error) {
		phase := domain.Phase(strings.ToUpper(input.Body.Phase))
		if !phase.Valid() {
			return nil, badRequest("invalid phase", "phase")
		}
		agent := input.Body.Agent
		if agent == "" {
			agent = e.Bus.Dispatcher()
		}
		return missionResult(e.Missions.AdvancePhase(ctx, input.ID, phase, agent))
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/block",
		Summary:     "Block a mission",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body BlockMissionRequest `json:"body"`
	}) (*missionOutput, error) {
		reason := strings.TrimSpace(input.Body.Reason)
		if reason == "" {
			return nil, badRequest("reason is required", "reason")
		}
		agent := input.Body.Agent
		if agent == "" {
			agent = e.Bus.Dispatcher()
		}
		return missionResult(e.Missions.Block(ctx, input.ID, reason, agent))
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-retrospective",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/retrospective",
		Summary:     "Record the mission retrospective",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body RetrospectiveRequest `json:"body"`
	}) (*missionOutput, error) {
		by := input.Body.RecordedBy
		if by == "" {
			by = roster.OrchestratorID
		}
		b := input.Body
		return missionResult(e.Missions.RecordRetrospective(ctx, input.ID, b.WhatWentWell, b.WhatToImprove, b.ActionItems, by))
	})
}

type agentOutput struct {
	Body domain.AgentProfile `json:"body"`
}

func agentResult(a domain.AgentProfile, err error) (*agentOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &agentOutput{Body: a}, nil
}

// agentID decodes an escaped path segment; static agent ids contain a slash.
func agentID(raw string) string {
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func registerAgents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"pending,active,working,blocked,completed,failed,idle"`
		Role      string `query:"role"`
		Available bool   `query:"available" doc:"Only idle or active agents with tokens left"`
	}) (*struct {
		Body AgentList `json:"body"`
	}, error) {
		var items []domain.AgentProfile
		if input.Available {
			items = e.Agents.FindAvailable(ctx, domain.AgentRole(input.Role))
		} else {
			items = e.Agents.List(ctx, domain.AgentStatus(input.Status))
			if input.Role != "" {
				kept := items[:0]
				for _, a := range items {
					if string(a.Role) == input.Role {
						kept = append(kept, a)
					}
				}
				items = kept
			}
		}
		return &struct {
			Body AgentList `json:"body"`
		}{Body: AgentList{Items: orEmpty(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-stats",
		Method:      http.MethodGet,
		Path:        "/agents/stats",
		Summary:     "Agent counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentStatsResponse `json:"body"`
	}, error) {
		return &struct {
			Body AgentStatsResponse `json:"body"`
		}{Body: AgentStatsResponse(e.Agents.Stats())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "spawn-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Spawn an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body SpawnAgentRequest `json:"body"`
	}) (*agentOutput, error) {
		b := input.Body
		return agentResult(e.Agents.Spawn(ctx, agents.SpawnOptions{
			ID:           b.ID,
			Role:         domain.AgentRole(b.Role),
			Name:         b.Name,
			ParentID:     b.ParentID,
			Capabilities: b.Capabilities,
			TokenBudget:  b.TokenBudget,
			Authority:    b.Authority,
			Metadata:     b.Metadata,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{id}",
		Summary:     "Get an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*agentOutput, error) {
		return agentResult(e.Agents.Get(ctx, agentID(input.ID)))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "terminate-agent",
		Method:        http.MethodDelete,
		Path:          "/agents/{id}",
		Summary:       "Terminate an agent",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Agents.Terminate(ctx, agentID(input.ID)); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent-status",
		Method:      http.MethodPost,
		Path:        "/agents/{id}/status",
		Summary:     "Set an agent status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AgentStatusRequest `json:"body"`
	}) (*agentOutput, error) {
		return agentResult(e.Agents.UpdateStatus(ctx, agentID(input.ID), domain.AgentStatus(input.Body.Status)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "allocate-agent-task",
		Method:      http.MethodPost,
		Path:        "/agents/{id}/allocate",
		Summary:     "Assign a task to an agent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AllocateTaskRequest `json:"body"`
	}) (*agentOutput, error) {
		if strings.TrimSpace(input.Body.TaskID) == "" {
			return nil, badRequest("task_id is required", "task_id")
		}
		return agentResult(e.Agents.AllocateTask(ctx, agentID(input.ID), input.Body.TaskID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-agent-task",
		Method:      http.MethodPost,
		Path:        "/agents/{id}/release",
		Summary:     "Release the agent's task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*agentOutput, error) {
		return agentResult(e.Agents.ReleaseTask(ctx, agentID(input.ID)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "consume-agent-tokens",
		Method:      http.MethodPost,
		Path:        "/agents/{id}/tokens",
		Summary:     "Charge tokens to an agent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ConsumeTokensRequest `json:"body"`
	}) (*agentOutput, error) {
		if input.Body.Tokens < 0 {
			return nil, badRequest("tokens must not be negative", "tokens")
		}
		return agentResult(e.Agents.ConsumeTokens(ctx, agentID(input.ID), input.Body.Tokens))
	})
}

func consultOptions(ctxText, priority, kind string) bus.ConsultOptions {
	return bus.ConsultOptions{
		Context:  ctxText,
		Priority: domain.ConsultationPriority(priority),
		Type:     domain.ConsultationType(kind),
	}
}

func registerConsultations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "consult",
		Method:      http.MethodPost,
		Path:        "/consultations",
		Summary:     "Ask another agent a question",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ConsultRequest `json:"body"`
	}) (*struct {
		Body domain.ConsultationResponse `json:"body"`
	}, error) {
		b := input.Body
		if b.From == "" || b.To == "" {
			return nil, badRequest("from_agent and to_agent are required", "")
		}
		resp, err := e.Bus.Consult(ctx, b.From, b.To, b.Question, consultOptions(b.Context, b.Priority, b.Type))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ConsultationResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "broadcast-consultation",
		Method:      http.MethodPost,
		Path:        "/consultations/broadcast",
		Summary:     "Ask several agents the same question",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BroadcastRequest `json:"body"`
	}) (*struct {
		Body ConsultationList `json:"body"`
	}, error) {
		b := input.Body
		if b.From == "" {
			return nil, badRequest("from_agent is required", "from_agent")
		}
		items := e.Bus.Broadcast(ctx, b.From, b.Question, b.Targets, consultOptions(b.Context, b.Priority, b.Type))
		return &struct {
			Body ConsultationList `json:"body"`
		}{Body: ConsultationList{Items: orEmpty(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate",
		Method:      http.MethodPost,
		Path:        "/escalations",
		Summary:     "Escalate a conflict to the dispatcher",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EscalateRequest `json:"body"`
	}) (*struct {
		Body domain.ConsultationResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Conflict) == "" {
			return nil, badRequest("conflict is required", "conflict")
		}
		return &struct {
			Body domain.ConsultationResponse `json:"body"`
		}{Body: e.Bus.Escalate(ctx, input.Body.From, input.Body.Conflict)}, nil
	})
}

func registerMessages(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "Delivered messages, oldest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MessageList `json:"body"`
	}, error) {
		return &struct {
			Body MessageList `json:"body"`
		}{Body: MessageList{Items: orEmpty(e.Bus.History())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "publish-message",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Publish a message",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body PublishMessageRequest `json:"body"`
	}) (*struct {
		Body MessageRef `json:"body"`
	}, error) {
		b := input.Body
		if b.From == "" {
			return nil, badRequest("from_agent is required", "from_agent")
		}
		msg := domain.Message{
			ID:               b.ID,
			FromAgent:        b.From,
			ToAgent:          b.To,
			Type:             domain.MessageType(b.Type),
			Priority:         domain.PriorityNormal,
			Subject:          b.Subject,
			Payload:          b.Payload,
			RequiresDecision: b.RequiresDecision,
			RelatedTaskID:    b.RelatedTaskID,
		}
		if b.Priority != nil {
			msg.Priority = domain.MessagePriority(*b.Priority)
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()[:8]
		}
		if !e.Bus.Publish(ctx, msg) {
			return nil, newAPIError(http.StatusServiceUnavailable, "queue_full", "message was not queued", map[string]any{"id": msg.ID})
		}
		return &struct {
			Body MessageRef `json:"body"`
		}{Body: MessageRef{ID: msg.ID, Queued: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "consume-message",
		Method:      http.MethodPost,
		Path:        "/messages/consume",
		Summary:     "Take the most urgent message for an agent",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Agent     string `query:"agent" required:"true"`
		TimeoutMS int    `query:"timeout_ms" minimum:"0" maximum:"60000"`
	}) (*struct {
		Body ConsumeResponse `json:"body"`
	}, error) {
		msg, err := e.Bus.Consume(ctx, input.Agent, time.Duration(input.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConsumeResponse `json:"body"`
		}{Body: ConsumeResponse{Message: msg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-message",
		Method:      http.MethodGet,
		Path:        "/messages/{id}",
		Summary:     "Get a message with its replies",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		msg, err := e.Bus.Message(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reply-message",
		Method:        http.MethodPost,
		Path:          "/messages/{id}/replies",
		Summary:       "Reply to a message",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ReplyRequest `json:"body"`
	}) (*struct {
		Body MessageRef `json:"body"`
	}, error) {
		if input.Body.From == "" {
			return nil, badRequest("from_agent is required", "from_agent")
		}
		id, err := e.Bus.Reply(ctx, input.ID, input.Body.From, input.Body.Payload, input.Body.IsDecision)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageRef `json:"body"`
		}{Body: MessageRef{ID: id, Queued: true}}, nil
	})
}

func registerDecisions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/decisions",
		Summary:     "List recorded decisions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DecisionList `json:"body"`
	}, error) {
		return &struct {
			Body DecisionList `json:"body"`
		}{Body: DecisionList{Items: orEmpty(e.Bus.Decisions())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-decision",
		Method:        http.MethodPost,
		Path:          "/decisions",
		Summary:       "Record the decision taken on a message",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Decision `json:"body"`
	}, error) {
		b := input.Body
		d, err := e.Bus.RecordDecision(ctx, b.MessageID, b.Approver, b.Choice, b.Rationale, b.Impact)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Decision `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/decisions/{message_id}",
		Summary:     "Get the decision for a message",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MessageID string `path:"message_id"`
	}) (*struct {
		Body domain.Decision `json:"body"`
	}, error) {
		d, err := e.Bus.Decision(input.MessageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Decision `json:"body"`
		}{Body: d}, nil
	})
}

func registerPipeline(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-pipeline",
		Method:      http.MethodPost,
		Path:        "/pipeline/runs",
		Summary:     "Run the full agent pipeline for a mission",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RunPipelineRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		b := input.Body
		if strings.TrimSpace(b.MissionID) == "" {
			return nil, badRequest("mission_id is required", "mission_id")
		}
		req := pipeline.Request{MissionID: b.MissionID, Task: b.Task, Params: map[string]string{}}
		if b.ReportInterval != "" {
			d, err := time.ParseDuration(b.ReportInterval)
			if err != nil || d < 0 {
				return nil, badRequest("invalid report_interval", "report_interval")
			}
			req.ReportInterval = d
		}
		for k, v := range b.Params {
			req.Params[k] = v
		}
		for who, reason := range b.Blocks {
			role, err := roster.ParseRole(who)
			if err != nil {
				return nil, handleError(err)
			}
			req.Params[roster.BlockParam(role)] = reason
		}
		snap, err := e.Run(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline-run",
		Method:      http.MethodGet,
		Path:        "/pipeline/runs/{mission_id}",
		Summary:     "Progress of the latest run for a mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		snap, ok := e.Pipeline.Progress(input.MissionID)
		if !ok {
			return nil, handleError(domain.NotFoundError{Kind: "run", ID: input.MissionID})
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(snap)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Stream   string `query:"stream" enum:"missions,consultations,agents,pipeline"`
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		ActorID  string `query:"actor_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		if e.DB == nil {
			records, err := e.Tail(input.Stream, limit)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body EventsResponse `json:"body"`
			}{Body: EventsResponse{Source: "jsonl", Items: []domain.Event{}, Records: orEmpty(records)}}, nil
		}
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilter{
			Stream:   input.Stream,
			Type:     input.Type,
			EntityID: input.EntityID,
			ActorID:  input.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventsResponse{Source: "sqlite", Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
