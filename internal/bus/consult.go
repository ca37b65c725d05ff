package bus

import (
	"context"
	"errors"
	"fmt"

	"agentline/internal/domain"
	"agentline/internal/events"
)

const (
	EventRequest  = "REQUEST"
	EventResponse = "RESPONSE"
)

type ConsultOptions struct {
	Context  string
	Priority domain.ConsultationPriority
	Type     domain.ConsultationType
}

// Respond registers fn as the responder for agent. A nil fn restores the
// default acknowledgement.
func (b *Bus) Respond(agent string, fn Responder) {
	b.cmu.Lock()
	defer b.cmu.Unlock()
	if fn == nil {
		delete(b.responders, agent)
		return
	}
	b.responders[agent] = fn
}

// Consult asks one agent a question and waits for its answer. A
// self-consultation, or one whose reverse pair is still in flight, fails
// with domain.ConsultationLoopError.
func (b *Bus) Consult(ctx context.Context, from, to, question string, opts ConsultOptions) (domain.ConsultationResponse, error) {
	if opts.Priority == "" {
		opts.Priority = domain.ConsultMedium
	}
	if opts.Type == "" {
		opts.Type = domain.ConsultClarification
	}
	req := domain.ConsultationRequest{
		RequestID: shortID(),
		FromAgent: from,
		ToAgent:   to,
		Question:  question,
		Context:   opts.Context,
		Priority:  opts.Priority,
		Type:      opts.Type,
		Timestamp: b.now().UTC(),
	}

	p := pair{from: from, to: to}
	b.cmu.Lock()
	if from == to || b.inFlight[pair{from: to, to: from}] > 0 {
		b.cmu.Unlock()
		return domain.ConsultationResponse{}, domain.ConsultationLoopError{From: from, To: to}
	}
	b.inFlight[p]++
	fn := b.responders[to]
	b.cmu.Unlock()

	b.append(ctx, requestRecord(req))
	answer, err := b.resolve(ctx, fn, req)

	b.cmu.Lock()
	if b.inFlight[p]--; b.inFlight[p] <= 0 {
		delete(b.inFlight, p)
	}
	b.cmu.Unlock()

	if err != nil {
		return domain.ConsultationResponse{}, fmt.Errorf("consult %s -> %s: %w", from, to, err)
	}
	resp := domain.ConsultationResponse{
		RequestID:  req.RequestID,
		FromAgent:  to,
		ToAgent:    from,
		Answer:     answer,
		Confidence: 0.9,
		Sources:    []string{fmt.Sprintf("Agent %s knowledge base", to)},
		Timestamp:  b.now().UTC(),
	}
	b.append(ctx, responseRecord(resp))
	return resp, nil
}

func (b *Bus) resolve(ctx context.Context, fn Responder, req domain.ConsultationRequest) (answer string, err error) {
	if fn == nil {
		return defaultAnswer(req), nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("responder for %s panicked: %v", req.ToAgent, r)
		}
	}()
	return fn(ctx, req)
}

func defaultAnswer(req domain.ConsultationRequest) string {
	q := []rune(req.Question)
	if len(q) > 80 {
		q = q[:80]
	}
	return fmt.Sprintf("[%s] Consultation received. Type: %s. Question: '%s'. Agent will process and update mission output accordingly.",
		req.ToAgent, req.Type, string(q))
}

// Broadcast consults each target in turn and returns the answers that came
// back. Loop errors and responder failures skip the target.
func (b *Bus) Broadcast(ctx context.Context, from, question string, targets []string, opts ConsultOptions) []domain.ConsultationResponse {
	out := make([]domain.ConsultationResponse, 0, len(targets))
	for _, to := range targets {
		resp, err := b.Consult(ctx, from, to, question, opts)
		if err != nil {
			if errors.Is(err, domain.ErrConsultationLoop) {
				b.log.Warn("skipped circular consultation", "from", from, "to", to, "err", err)
			} else {
				b.log.Error("broadcast consultation failed", "from", from, "to", to, "err", err)
			}
			continue
		}
		out = append(out, resp)
	}
	return out
}

// Escalate routes a conflict to the dispatcher. It never fails and skips the
// loop check.
func (b *Bus) Escalate(ctx context.Context, from, conflict string) domain.ConsultationResponse {
	req := domain.ConsultationRequest{
		RequestID: shortID(),
		FromAgent: from,
		ToAgent:   b.dispatcher,
		Question:  "ESCALATION: " + conflict,
		Priority:  domain.ConsultUrgent,
		Type:      domain.ConsultEscalation,
		Timestamp: b.now().UTC(),
	}
	b.append(ctx, requestRecord(req))
	resp := domain.ConsultationResponse{
		RequestID: req.RequestID,
		FromAgent: b.dispatcher,
		ToAgent:   from,
		Answer: fmt.Sprintf("[Dispatcher] Conflict received from %s. Roadmap re-evaluation initiated. All dependent agents set to BLOCKED.",
			from),
		Confidence: 1.0,
		Sources:    []string{b.dispatcher + " escalation protocol"},
		Timestamp:  b.now().UTC(),
	}
	b.append(ctx, responseRecord(resp))
	b.log.Warn("conflict escalated", "from", from, "to", b.dispatcher, "conflict", conflict)
	return resp
}

func requestRecord(req domain.ConsultationRequest) events.Record {
	return events.Record{
		Stream:    events.StreamConsultations,
		Type:      EventRequest,
		EntityID:  req.RequestID,
		ActorID:   req.FromAgent,
		Timestamp: req.Timestamp,
		Payload:   events.PayloadOf(req),
	}
}

func responseRecord(resp domain.ConsultationResponse) events.Record {
	return events.Record{
		Stream:    events.StreamConsultations,
		Type:      EventResponse,
		EntityID:  resp.RequestID,
		ActorID:   resp.FromAgent,
		Timestamp: resp.Timestamp,
		Payload:   events.PayloadOf(resp),
	}
}
