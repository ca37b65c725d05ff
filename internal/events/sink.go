package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	StreamMissions      = "missions"
	StreamConsultations = "consultations"
	StreamAgents        = "agents"
	StreamPipeline      = "pipeline"
)

// Streams lists every stream the engine writes to.
var Streams = []string{StreamMissions, StreamConsultations, StreamAgents, StreamPipeline}

type Payload map[string]any

// Record is one append-only entry. Payload carries the full entity state.
type Record struct {
	Stream    string
	Type      string
	EntityID  string
	ActorID   string
	Timestamp time.Time
	Payload   Payload
}

// Sink receives records in the order components emit them. Append must be
// safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

type discard struct{}

func (discard) Append(context.Context, Record) error { return nil }

// Discard drops every record.
var Discard Sink = discard{}

type multi []Sink

func (m multi) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Multi appends to every sink, continuing past failures.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, rec Record) error

func (f Func) Append(ctx context.Context, rec Record) error { return f(ctx, rec) }

// PayloadOf converts v to a Payload through its JSON form, so records carry
// the same field names the HTTP surface exposes.
func PayloadOf(v any) Payload {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{"error": err.Error()}
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{"value": string(data)}
	}
	return p
}
