package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentline/internal/bus"
	"agentline/internal/mission"
	"agentline/internal/notify"
)

// ConflictHandler is called when a gate stage blocks. It may escalate or
// notify; it never stops the run.
type ConflictHandler interface {
	HandleConflict(ctx context.Context, reason, missionID, severity string) error
}

// ConflictFunc adapts a function to ConflictHandler.
type ConflictFunc func(ctx context.Context, reason, missionID, severity string) error

func (f ConflictFunc) HandleConflict(ctx context.Context, reason, missionID, severity string) error {
	return f(ctx, reason, missionID, severity)
}

// Escalation escalates the conflict over the bus, blocks the mission and
// sends an ESCALATION notification. From defaults to the bus dispatcher.
type Escalation struct {
	Bus      *bus.Bus
	Missions *mission.Registry
	Notifier notify.Notifier
	From     string
	Logger   *slog.Logger
}

func (e Escalation) HandleConflict(ctx context.Context, reason, missionID, severity string) error {
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	from := e.From
	if from == "" && e.Bus != nil {
		from = e.Bus.Dispatcher()
	}
	var errs []error
	answer := ""
	if e.Bus != nil {
		resp := e.Bus.Escalate(ctx, from, fmt.Sprintf("[%s] %s: %s", severity, missionID, reason))
		answer = resp.Answer
	}
	if e.Missions != nil {
		if _, err := e.Missions.Block(ctx, missionID, reason, from); err != nil {
			errs = append(errs, fmt.Errorf("block mission %s: %w", missionID, err))
		}
	}
	if e.Notifier != nil {
		err := e.Notifier.Notify(ctx, notify.Notification{
			AgentID:   from,
			AgentName: "Dispatcher",
			Event:     "conflict",
			Status:    "ESCALATION",
			Summary:   reason,
			MissionID: missionID,
			Data:      map[string]any{"severity": severity, "answer": answer},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify conflict: %w", err))
		}
	}
	log.Warn("conflict handled", "mission", missionID, "severity", severity, "reason", reason)
	return errors.Join(errs...)
}
