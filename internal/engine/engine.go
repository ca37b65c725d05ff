package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"agentline/internal/agents"
	"agentline/internal/bus"
	"agentline/internal/config"
	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/mission"
	"agentline/internal/notify"
	"agentline/internal/pipeline"
	"agentline/internal/repo"
	"agentline/internal/roster"
)

type Options struct {
	Workspace string
	Config    *config.Config
	// DB is required when events.sqlite is enabled.
	DB       *sql.DB
	Logger   *slog.Logger
	Now      func() time.Time
	Notifier notify.Notifier
	Ticks    pipeline.TickSource
}

// Engine wires every component once and hands out the shared instances.
type Engine struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	JSONL     *events.JSONL
	Sink      events.Sink
	Missions  *mission.Registry
	Bus       *bus.Bus
	Agents    *agents.Directory
	Roster    *roster.Roster
	Notifier  notify.Notifier
	Pipeline  *pipeline.Orchestrator
	Log       *slog.Logger
	Now       func() time.Time
}

func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{Workspace: opts.Workspace, Config: cfg, DB: opts.DB, Log: log, Now: now}

	var sinks []events.Sink
	if cfg.Events.JSONL {
		e.JSONL = events.NewJSONL(cfg.LogPath(opts.Workspace))
		e.JSONL.Now = now
		sinks = append(sinks, e.JSONL)
	}
	if cfg.Events.SQLite {
		if opts.DB == nil {
			return nil, errors.New("events.sqlite is enabled but no database is open")
		}
		e.Repo = repo.Repo{DB: opts.DB}
		sinks = append(sinks, events.Writer{DB: opts.DB, Now: now})
	}
	e.Sink = events.Multi(sinks...)

	e.Missions = mission.New(mission.Options{
		Sink:                e.Sink,
		Logger:              log,
		Now:                 now,
		PhasePolicy:         mission.PhasePolicy(cfg.Missions.PhasePolicy),
		RetrospectivePolicy: mission.RetrospectivePolicy(cfg.Missions.RetrospectivePolicy),
	})
	e.Bus = bus.New(bus.Options{
		QueueSize:   cfg.Bus.QueueSize,
		HistorySize: cfg.Bus.HistorySize,
		Dispatcher:  cfg.Bus.Dispatcher,
		Sink:        e.Sink,
		Logger:      log,
		Now:         now,
	})
	e.Agents = agents.New(agents.Options{
		MaxAgents:          cfg.Agents.MaxAgents,
		DefaultTokenBudget: cfg.Agents.DefaultTokenBudget,
		Sink:               e.Sink,
		Logger:             log,
		Now:                now,
	})
	if err := roster.Enroll(ctx, e.Agents); err != nil {
		return nil, err
	}

	e.Notifier = opts.Notifier
	if e.Notifier == nil {
		n, err := notifierFor(cfg, log)
		if err != nil {
			return nil, err
		}
		e.Notifier = n
	}

	e.Roster = roster.Default(roster.Deps{Bus: e.Bus, Directory: e.Agents, Logger: log})
	p, err := pipeline.New(pipeline.Options{
		Roster:        e.Roster,
		Missions:      e.Missions,
		Notifier:      e.Notifier,
		Bus:           e.Bus,
		Sink:          e.Sink,
		Logger:        log,
		Now:           now,
		Ticks:         opts.Ticks,
		ParallelLimit: cfg.Pipeline.ParallelLimit,
	})
	if err != nil {
		return nil, err
	}
	e.Pipeline = p
	return e, nil
}

// notifierFor logs every notification and posts to the configured
// webhooks, filtered by notify.min_level.
func notifierFor(cfg *config.Config, log *slog.Logger) (notify.Notifier, error) {
	level, err := notify.ParseLevel(cfg.Notify.MinLevel)
	if err != nil {
		return nil, err
	}
	targets := []notify.Notifier{notify.Log{Logger: log}}
	for _, hook := range cfg.Notify.Webhooks {
		if hook.Active() {
			targets = append(targets, notify.NewWebhook(cfg.Notify.Webhooks, log))
			break
		}
	}
	return notify.Filter(level, notify.Multi(targets...)), nil
}

// Run executes the pipeline. A zero report interval uses
// pipeline.report_interval from the config.
func (e *Engine) Run(ctx context.Context, req pipeline.Request) (pipeline.Snapshot, error) {
	if req.ReportInterval == 0 {
		d, err := e.Config.ReportInterval()
		if err != nil {
			return pipeline.Snapshot{}, err
		}
		req.ReportInterval = d
	}
	return e.Pipeline.Execute(ctx, req)
}

// WebhookDispatcher forwards stored events to the configured webhooks. It
// needs the SQLite event store.
func (e *Engine) WebhookDispatcher() (*notify.Dispatcher, error) {
	if e.DB == nil || !e.Config.Events.SQLite {
		return nil, errors.New("webhook event delivery needs events.sqlite")
	}
	return notify.NewDispatcher(e.Repo, e.Config.Notify.Webhooks, e.Log), nil
}

type Stats struct {
	Missions       map[domain.MissionStatus]int `json:"missions"`
	ActiveMissions int                          `json:"active_missions"`
	Bus            bus.Stats                    `json:"bus"`
	Agents         agents.Stats                 `json:"agents"`
}

func (e *Engine) Stats(ctx context.Context) Stats {
	st := Stats{Missions: map[domain.MissionStatus]int{}, Bus: e.Bus.Stats(), Agents: e.Agents.Stats()}
	for _, m := range e.Missions.List(ctx) {
		st.Missions[m.Status]++
		if m.Status.Active() {
			st.ActiveMissions++
		}
	}
	return st
}

func recordTime(rec map[string]any) time.Time {
	s, _ := rec["timestamp"].(string)
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Tail returns the last n JSON Lines records of stream, or of every stream
// merged by timestamp when stream is empty. Each record gains a "stream"
// key.
func (e *Engine) Tail(stream string, n int) ([]map[string]any, error) {
	if e.JSONL == nil {
		return nil, errors.New("events.jsonl is disabled")
	}
	streams := events.Streams
	if stream != "" {
		if !slices.Contains(events.Streams, stream) {
			return nil, domain.NotFoundError{Kind: "stream", ID: stream}
		}
		streams = []string{stream}
	}
	var out []map[string]any
	for _, s := range streams {
		recs, err := events.ReadJSONL(e.JSONL.Path(s))
		if err != nil {
			return nil, fmt.Errorf("read %s log: %w", s, err)
		}
		for _, r := range recs {
			r["stream"] = s
		}
		out = append(out, recs...)
	}
	slices.SortStableFunc(out, func(a, b map[string]any) int {
		return recordTime(a).Compare(recordTime(b))
	})
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}
