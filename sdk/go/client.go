package agentlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Agentline HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  2 * time.Minute,
	}
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID       string   `json:"mission_id"`
	Name     string   `json:"name"`
	Owner    string   `json:"owner"`
	Status   string   `json:"status"`
	Phase    string   `json:"phase"`
	Blockers []string `json:"blockers"`
}

// StageResult is one pipeline stage of a run.
type StageResult struct {
	Stage   string   `json:"stage"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Outputs []string `json:"outputs"`
}

// Run is a pipeline snapshot with its rendered report.
type Run struct {
	MissionID string         `json:"mission_id"`
	Elapsed   string         `json:"elapsed"`
	Label     string         `json:"label"`
	Final     bool           `json:"final"`
	Success   bool           `json:"success"`
	Stages    []StageResult  `json:"stages"`
	Counts    map[string]int `json:"counts"`
	Report    string         `json:"report"`
}

// RunRequest starts a pipeline run. Blocks maps a role or agent id to the
// reason its validation gate should block.
type RunRequest struct {
	MissionID      string            `json:"mission_id"`
	Task           string            `json:"task,omitempty"`
	ReportInterval string            `json:"report_interval,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
	Blocks         map[string]string `json:"blocks,omitempty"`
}

// Consultation is the answer to a consultation.
type Consultation struct {
	RequestID  string  `json:"request_id"`
	FromAgent  string  `json:"from_agent"`
	ToAgent    string  `json:"to_agent"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// Message represents a bus message (partial).
type Message struct {
	ID        string         `json:"id"`
	FromAgent string         `json:"from_agent"`
	ToAgent   string         `json:"to_agent,omitempty"`
	Type      string         `json:"message_type"`
	Priority  int            `json:"priority"`
	Subject   string         `json:"subject,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Status    string         `json:"status,omitempty"`
}

// Event represents a stored event.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Stream   string `json:"stream"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

// EventsPage wraps event listings. Records holds raw log records when the
// server has no event database.
type EventsPage struct {
	Source     string           `json:"source"`
	Items      []Event          `json:"items"`
	Records    []map[string]any `json:"records"`
	NextCursor string           `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health returns nil when the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// CreateMission registers a mission. Repeating an identical create is a no-op.
func (c *Client) CreateMission(ctx context.Context, id, name string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", map[string]any{"mission_id": id, "name": name}, &resp)
	return resp, err
}

// Mission fetches a mission by id.
func (c *Client) Mission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RunPipeline runs the full pipeline and waits for the final snapshot.
func (c *Client) RunPipeline(ctx context.Context, req RunRequest) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "pipeline/runs", req, &resp)
	return resp, err
}

// PipelineRun returns the latest run for a mission.
func (c *Client) PipelineRun(ctx context.Context, missionID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "pipeline/runs/"+url.PathEscape(missionID), nil, &resp)
	return resp, err
}

// Consult asks one agent a question on behalf of another.
func (c *Client) Consult(ctx context.Context, from, to, question string) (Consultation, error) {
	var resp Consultation
	body := map[string]any{"from_agent": from, "to_agent": to, "question": question}
	err := c.do(ctx, http.MethodPost, "consultations", body, &resp)
	return resp, err
}

// Publish queues a message and returns its id.
func (c *Client) Publish(ctx context.Context, msg Message) (string, error) {
	body := map[string]any{
		"from_agent":   msg.FromAgent,
		"to_agent":     msg.ToAgent,
		"message_type": msg.Type,
		"subject":      msg.Subject,
	}
	if msg.Priority > 0 {
		body["priority"] = msg.Priority
	}
	if msg.Payload != nil {
		body["payload"] = msg.Payload
	}
	if msg.ID != "" {
		body["id"] = msg.ID
	}
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "messages", body, &resp)
	return resp.ID, err
}

// Consume takes the next message for agent, waiting up to timeout. It
// returns nil when nothing arrived.
func (c *Client) Consume(ctx context.Context, agent string, timeout time.Duration) (*Message, error) {
	q := url.Values{}
	q.Set("agent", agent)
	if timeout > 0 {
		q.Set("timeout_ms", fmt.Sprint(timeout.Milliseconds()))
	}
	var resp struct {
		Message *Message `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "messages/consume?"+q.Encode(), nil, &resp)
	return resp.Message, err
}

// Events returns a page of events, newest first.
func (c *Client) Events(ctx context.Context, stream string, limit int, cursor string) (EventsPage, error) {
	q := url.Values{}
	if stream != "" {
		q.Set("stream", stream)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
