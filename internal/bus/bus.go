package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/events"
)

const (
	DefaultQueueSize   = 1000
	DefaultHistorySize = 500
	DefaultDispatcher  = "01/Chief-Dispatcher"
)

// ErrQueueFull is returned by the message constructors when Publish refuses
// a message.
var ErrQueueFull = errors.New("message queue full")

// Responder answers a consultation addressed to one agent.
type Responder func(ctx context.Context, req domain.ConsultationRequest) (string, error)

type Options struct {
	QueueSize   int
	HistorySize int
	// Dispatcher receives every escalation.
	Dispatcher string
	Sink       events.Sink
	Logger     *slog.Logger
	Now        func() time.Time
}

type pair struct{ from, to string }

// Bus carries synchronous consultations and asynchronous messages between
// agents.
type Bus struct {
	dispatcher string
	sink       events.Sink
	log        *slog.Logger
	now        func() time.Time

	// consultations
	cmu        sync.Mutex
	inFlight   map[pair]int
	responders map[string]Responder

	// messages
	mu          sync.Mutex
	capacity    int
	historySize int
	queued      int
	direct      map[string]*msgHeap
	broadcast   *msgHeap
	wake        chan struct{}
	messages    map[string]*domain.Message
	history     []string
	replyOf     map[string]string // pending reply id -> parent id
	decisions   map[string]domain.Decision
	decOrder    []string
	subs        map[int]subscription
	nextSub     int
}

func New(opts Options) *Bus {
	b := &Bus{
		dispatcher:  opts.Dispatcher,
		sink:        opts.Sink,
		log:         opts.Logger,
		now:         opts.Now,
		inFlight:    map[pair]int{},
		responders:  map[string]Responder{},
		capacity:    opts.QueueSize,
		historySize: opts.HistorySize,
		direct:      map[string]*msgHeap{},
		broadcast:   &msgHeap{},
		wake:        make(chan struct{}),
		messages:    map[string]*domain.Message{},
		replyOf:     map[string]string{},
		decisions:   map[string]domain.Decision{},
		subs:        map[int]subscription{},
	}
	if b.dispatcher == "" {
		b.dispatcher = DefaultDispatcher
	}
	if b.sink == nil {
		b.sink = events.Discard
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.capacity <= 0 {
		b.capacity = DefaultQueueSize
	}
	if b.historySize <= 0 {
		b.historySize = DefaultHistorySize
	}
	b.log = b.log.With("component", "bus")
	return b
}

// Dispatcher returns the agent id escalations are routed to.
func (b *Bus) Dispatcher() string { return b.dispatcher }

type Stats struct {
	Queued        int `json:"queued"`
	Capacity      int `json:"capacity"`
	Archived      int `json:"archived"`
	Messages      int `json:"messages"`
	Decisions     int `json:"decisions"`
	Subscriptions int `json:"subscriptions"`
	InFlight      int `json:"in_flight_pairs"`
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	st := Stats{
		Queued:        b.queued,
		Capacity:      b.capacity,
		Archived:      len(b.history),
		Messages:      len(b.messages),
		Decisions:     len(b.decisions),
		Subscriptions: len(b.subs),
	}
	b.mu.Unlock()
	b.cmu.Lock()
	st.InFlight = len(b.inFlight)
	b.cmu.Unlock()
	return st
}

func (b *Bus) append(ctx context.Context, rec events.Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = b.now().UTC()
	}
	if err := b.sink.Append(ctx, rec); err != nil {
		b.log.Error("append bus event", "event_type", rec.Type, "err", err)
	}
}

func shortID() string {
	return uuid.NewString()[:8]
}
