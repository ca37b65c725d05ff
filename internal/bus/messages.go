package bus

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"agentline/internal/domain"
	"agentline/internal/events"
)

const (
	EventMessage  = "MESSAGE"
	EventDecision = "DECISION"

	statusPending   = "pending"
	statusDelivered = "delivered"
)

type subscription struct {
	msgType domain.MessageType
	agent   string
	fn      func(domain.Message)
}

// Publish queues msg for its addressee, or for any consumer when ToAgent is
// empty. An unset priority is NORMAL and an unset type is update. It returns
// false without side effects when the bus already holds its capacity of
// undelivered messages, or when the type or priority is unknown.
func (b *Bus) Publish(ctx context.Context, msg domain.Message) bool {
	if msg.Priority == 0 {
		msg.Priority = domain.PriorityNormal
	}
	if msg.Type == "" {
		msg.Type = domain.MessageUpdate
	}
	if !msg.Type.Valid() || !msg.Priority.Valid() {
		b.log.Warn("message dropped, invalid", "id", msg.ID, "type", msg.Type, "priority", msg.Priority)
		return false
	}
	if msg.ID == "" {
		msg.ID = shortID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now().UTC()
	}
	msg.Status = statusPending
	msg.Payload = maps.Clone(msg.Payload)
	msg.Replies = nil

	b.mu.Lock()
	if b.queued >= b.capacity {
		b.mu.Unlock()
		b.log.Warn("message dropped, queue full", "id", msg.ID, "from", msg.FromAgent, "capacity", b.capacity)
		return false
	}
	if _, dup := b.messages[msg.ID]; dup {
		b.mu.Unlock()
		b.log.Warn("message dropped, duplicate id", "id", msg.ID)
		return false
	}
	m := &msg
	b.messages[m.ID] = m
	if m.Broadcast() {
		b.broadcast.push(m)
	} else {
		q, ok := b.direct[m.ToAgent]
		if !ok {
			q = &msgHeap{}
			b.direct[m.ToAgent] = q
		}
		q.push(m)
	}
	b.queued++
	close(b.wake)
	b.wake = make(chan struct{})
	subs := b.matching(m)
	snapshot := copyMessage(m)
	b.mu.Unlock()

	to := snapshot.ToAgent
	if to == "" {
		to = "BROADCAST"
	}
	b.log.Info("message published", "id", snapshot.ID, "from", snapshot.FromAgent, "to", to, "type", snapshot.Type)
	b.append(ctx, events.Record{
		Stream:    events.StreamConsultations,
		Type:      EventMessage,
		EntityID:  snapshot.ID,
		ActorID:   snapshot.FromAgent,
		Timestamp: snapshot.CreatedAt,
		Payload:   events.PayloadOf(snapshot),
	})
	for _, fn := range subs {
		b.notify(fn, snapshot)
	}
	return true
}

func (b *Bus) matching(m *domain.Message) []func(domain.Message) {
	var out []func(domain.Message)
	for _, id := range slices.Sorted(maps.Keys(b.subs)) {
		s := b.subs[id]
		if s.msgType != m.Type {
			continue
		}
		if s.agent != "" && s.agent != m.ToAgent {
			continue
		}
		out = append(out, s.fn)
	}
	return out
}

func (b *Bus) notify(fn func(domain.Message), m domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscription callback failed", "message", m.ID, "panic", r)
		}
	}()
	fn(copyMessage(&m))
}

// Consume returns the most urgent message addressed to agent or broadcast to
// everyone. It waits up to timeout and returns nil, nil when nothing arrived.
// A broadcast is handed to exactly one consumer.
func (b *Bus) Consume(ctx context.Context, agent string, timeout time.Duration) (*domain.Message, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		b.mu.Lock()
		if m := b.popLocked(agent); m != nil {
			out := copyMessage(m)
			b.mu.Unlock()
			return &out, nil
		}
		wake := b.wake
		b.mu.Unlock()

		if deadline == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

func (b *Bus) popLocked(agent string) *domain.Message {
	direct := b.direct[agent]
	d, bc := direct.peek(), b.broadcast.peek()
	var m *domain.Message
	switch {
	case d == nil && bc == nil:
		return nil
	case bc == nil || (d != nil && before(d, bc)):
		m = direct.pop()
		if direct.Len() == 0 {
			delete(b.direct, agent)
		}
	default:
		m = b.broadcast.pop()
	}
	b.queued--
	m.Status = statusDelivered
	b.markReplyLocked(m.ID)
	b.archiveLocked(m.ID)
	return m
}

// markReplyLocked keeps the copy held in the parent's replies in step with
// the delivered reply.
func (b *Bus) markReplyLocked(id string) {
	parentID, ok := b.replyOf[id]
	if !ok {
		return
	}
	delete(b.replyOf, id)
	parent, ok := b.messages[parentID]
	if !ok {
		return
	}
	for i := range parent.Replies {
		if parent.Replies[i].ID == id {
			parent.Replies[i].Status = statusDelivered
		}
	}
}

func (b *Bus) archiveLocked(id string) {
	b.history = append(b.history, id)
	for len(b.history) > b.historySize {
		evicted := b.history[0]
		b.history = b.history[1:]
		delete(b.messages, evicted)
	}
}

// Request sends a NORMAL request to one agent.
func (b *Bus) Request(ctx context.Context, from, to, subject string, payload map[string]any) (string, error) {
	return b.send(ctx, domain.Message{
		FromAgent: from,
		ToAgent:   to,
		Type:      domain.MessageRequest,
		Priority:  domain.PriorityNormal,
		Subject:   subject,
		Payload:   payload,
	})
}

// AskQuestion broadcasts a HIGH question, usually for the orchestrator.
func (b *Bus) AskQuestion(ctx context.Context, from, subject string, payload map[string]any, requiresDecision bool) (string, error) {
	return b.send(ctx, domain.Message{
		FromAgent:        from,
		Type:             domain.MessageQuestion,
		Priority:         domain.PriorityHigh,
		Subject:          subject,
		Payload:          payload,
		RequiresDecision: requiresDecision,
	})
}

func (b *Bus) Alert(ctx context.Context, from, subject string, payload map[string]any, critical bool) (string, error) {
	prio := domain.PriorityHigh
	if critical {
		prio = domain.PriorityCritical
	}
	return b.send(ctx, domain.Message{
		FromAgent: from,
		Type:      domain.MessageAlert,
		Priority:  prio,
		Subject:   subject,
		Payload:   payload,
	})
}

func (b *Bus) Handoff(ctx context.Context, from, to, taskID string, handoffCtx map[string]any) (string, error) {
	return b.send(ctx, domain.Message{
		FromAgent:     from,
		ToAgent:       to,
		Type:          domain.MessageHandoff,
		Priority:      domain.PriorityHigh,
		Subject:       "Handoff task " + taskID,
		Payload:       map[string]any{"task_id": taskID, "context": handoffCtx},
		RelatedTaskID: taskID,
	})
}

// Reply answers messageID, addressing the original sender. The reply is
// also appended to the original's replies.
func (b *Bus) Reply(ctx context.Context, messageID, from string, payload map[string]any, isDecision bool) (string, error) {
	b.mu.Lock()
	orig, ok := b.messages[messageID]
	if !ok {
		b.mu.Unlock()
		return "", domain.NotFoundError{Kind: "message", ID: messageID}
	}
	to, subject := orig.FromAgent, orig.Subject
	b.mu.Unlock()

	typ := domain.MessageResponse
	if isDecision {
		typ = domain.MessageDecision
	}
	reply := domain.Message{
		ID:        shortID(),
		FromAgent: from,
		ToAgent:   to,
		Type:      typ,
		Priority:  domain.PriorityHigh,
		Subject:   "Re: " + subject,
		Payload:   payload,
		CreatedAt: b.now().UTC(),
	}
	if !b.Publish(ctx, reply) {
		return "", fmt.Errorf("reply to %s: %w", messageID, ErrQueueFull)
	}
	b.mu.Lock()
	if orig, ok := b.messages[messageID]; ok {
		// Evicted replies were delivered.
		reply.Status = statusDelivered
		if live, ok := b.messages[reply.ID]; ok {
			reply.Status = live.Status
		}
		if reply.Status == statusPending {
			b.replyOf[reply.ID] = messageID
		}
		orig.Replies = append(orig.Replies, reply)
	}
	b.mu.Unlock()
	return reply.ID, nil
}

func (b *Bus) send(ctx context.Context, msg domain.Message) (string, error) {
	msg.ID = shortID()
	if !b.Publish(ctx, msg) {
		return "", ErrQueueFull
	}
	return msg.ID, nil
}

// RecordDecision stores the decision taken on messageID. A message gets at
// most one decision.
func (b *Bus) RecordDecision(ctx context.Context, messageID, approver, choice, rationale string, impact map[string]any) (domain.Decision, error) {
	if messageID == "" {
		return domain.Decision{}, fmt.Errorf("message id is required")
	}
	b.mu.Lock()
	if _, ok := b.decisions[messageID]; ok {
		b.mu.Unlock()
		return domain.Decision{}, fmt.Errorf("decision for message %s: %w", messageID, domain.ErrAlreadyExists)
	}
	d := domain.Decision{
		ID:            shortID(),
		MessageID:     messageID,
		ApproverAgent: approver,
		Choice:        choice,
		Rationale:     rationale,
		Impact:        maps.Clone(impact),
		Timestamp:     b.now().UTC(),
	}
	b.decisions[messageID] = d
	b.decOrder = append(b.decOrder, messageID)
	b.mu.Unlock()

	b.log.Info("decision recorded", "id", d.ID, "message", messageID, "approver", approver, "choice", choice)
	b.append(ctx, events.Record{
		Stream:    events.StreamConsultations,
		Type:      EventDecision,
		EntityID:  messageID,
		ActorID:   approver,
		Timestamp: d.Timestamp,
		Payload:   events.PayloadOf(d),
	})
	return d, nil
}

// Decisions returns every recorded decision in recording order.
func (b *Bus) Decisions() []domain.Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Decision, 0, len(b.decOrder))
	for _, id := range b.decOrder {
		out = append(out, b.decisions[id])
	}
	return out
}

// Decision returns the decision recorded for messageID.
func (b *Bus) Decision(messageID string) (domain.Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.decisions[messageID]
	if !ok {
		return domain.Decision{}, domain.NotFoundError{Kind: "decision", ID: messageID}
	}
	return d, nil
}

// Message returns a queued or archived message.
func (b *Bus) Message(id string) (domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.messages[id]
	if !ok {
		return domain.Message{}, domain.NotFoundError{Kind: "message", ID: id}
	}
	return copyMessage(m), nil
}

// History returns archived messages, oldest first.
func (b *Bus) History() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Message, 0, len(b.history))
	for _, id := range b.history {
		if m, ok := b.messages[id]; ok {
			out = append(out, copyMessage(m))
		}
	}
	return out
}

// Subscribe calls fn for each published message of msgType, restricted to
// messages addressed to agent unless agent is empty. Callbacks run on the
// publishing goroutine.
func (b *Bus) Subscribe(msgType domain.MessageType, agent string, fn func(domain.Message)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscription{msgType: msgType, agent: agent, fn: fn}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func copyMessage(m *domain.Message) domain.Message {
	out := *m
	out.Payload = maps.Clone(m.Payload)
	if len(m.Replies) > 0 {
		out.Replies = make([]domain.Message, len(m.Replies))
		for i := range m.Replies {
			out.Replies[i] = copyMessage(&m.Replies[i])
		}
	}
	return out
}
