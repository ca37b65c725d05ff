package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Notification is one status report about an agent or a pipeline run.
type Notification struct {
	AgentID   string         `json:"agent_id"`
	AgentName string         `json:"agent_name"`
	Event     string         `json:"event"`
	Status    string         `json:"status"`
	Summary   string         `json:"summary"`
	Outputs   []string       `json:"outputs,omitempty"`
	MissionID string         `json:"mission_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

type Level string

const (
	LevelAll       Level = "ALL"
	LevelImportant Level = "IMPORTANT"
	LevelCritical  Level = "CRITICAL"
)

var levelStatuses = map[Level]map[string]bool{
	LevelAll: {
		"COMPLETE": true, "BLOCKED": true, "IN_PROGRESS": true, "DEPLOYMENT": true,
		"ESCALATION": true, "SECURITY": true, "QA": true, "ADR": true, "PRD": true,
		"ERROR": true, "PENDING": true,
	},
	LevelImportant: {"COMPLETE": true, "BLOCKED": true, "DEPLOYMENT": true, "ESCALATION": true, "ERROR": true},
	LevelCritical:  {"BLOCKED": true, "ESCALATION": true, "ERROR": true},
}

// ParseLevel accepts ALL, IMPORTANT or CRITICAL in any case.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if l == "" {
		return LevelAll, nil
	}
	if _, ok := levelStatuses[l]; !ok {
		return "", fmt.Errorf("unknown notification level %q", s)
	}
	return l, nil
}

// Allows reports whether a notification with status passes the level.
func (l Level) Allows(status string) bool {
	set, ok := levelStatuses[l]
	if !ok {
		set = levelStatuses[LevelAll]
	}
	return set[strings.ToUpper(status)]
}

type filter struct {
	level Level
	next  Notifier
}

// Filter drops notifications whose status is below level.
func Filter(level Level, next Notifier) Notifier {
	return filter{level: level, next: next}
}

func (f filter) Notify(ctx context.Context, n Notification) error {
	if !f.level.Allows(n.Status) {
		return nil
	}
	return f.next.Notify(ctx, n)
}

type multi []Notifier

// Multi delivers to every notifier and joins their errors.
func Multi(ns ...Notifier) Notifier {
	out := make(multi, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (m multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, target := range m {
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to a structured logger. It is the dry-run
// notifier used when no webhook is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"agent", n.AgentID,
		"event", n.Event,
		"status", n.Status,
		"summary", truncate(n.Summary, 200),
	}
	if n.MissionID != "" {
		attrs = append(attrs, "mission", n.MissionID)
	}
	if len(n.Outputs) > 0 {
		out := n.Outputs
		if len(out) > 4 {
			out = out[:4]
		}
		attrs = append(attrs, "outputs", out)
	}
	logger.InfoContext(ctx, "notification", attrs...)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
