package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentline/internal/notify"
	"agentline/internal/roster"
)

const (
	LabelStarted  = "pipeline started"
	LabelComplete = "pipeline complete"
	LabelBlocked  = "pipeline blocked"
)

// TickSource returns a channel that fires every interval and a function
// that stops it.
type TickSource func(interval time.Duration) (<-chan time.Time, func())

// Ticker is the TickSource backed by time.Ticker.
func Ticker(interval time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// Reporter publishes snapshots of one run: one when started, one per tick
// and a final one when stopped.
type Reporter struct {
	progress *Progress
	notifier notify.Notifier
	interval time.Duration
	ticks    TickSource
	log      *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReporter(p *Progress, n notify.Notifier, interval time.Duration, ticks TickSource, logger *slog.Logger) *Reporter {
	if n == nil {
		n = notify.Log{Logger: logger}
	}
	if ticks == nil {
		ticks = Ticker
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		progress: p,
		notifier: n,
		interval: interval,
		ticks:    ticks,
		log:      logger.With("component", "reporter", "mission", p.MissionID()),
		done:     make(chan struct{}),
	}
}

// Start sends the "started" snapshot and begins the periodic loop. A
// non-positive interval disables periodic reports.
func (r *Reporter) Start(ctx context.Context) {
	r.send(ctx, LabelStarted, false, false)
	if r.interval <= 0 {
		return
	}
	ch, stop := r.ticks(r.interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer stop()
		n := 0
		for {
			select {
			case <-r.done:
				return
			case <-ctx.Done():
				return
			case <-ch:
				n++
				r.send(ctx, "progress after "+FormatElapsed(time.Duration(n)*r.interval), false, false)
			}
		}
	}()
}

// Stop ends the loop and sends the final snapshot. Only the first call
// sends.
func (r *Reporter) Stop(ctx context.Context, success bool) {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		label := LabelComplete
		if !success {
			label = LabelBlocked
		}
		r.send(context.WithoutCancel(ctx), label, true, success)
	})
}

func (r *Reporter) send(ctx context.Context, label string, final, success bool) {
	snap := r.progress.Snapshot(label, final)
	snap.Success = success
	status := "IN_PROGRESS"
	if final {
		status = "COMPLETE"
		if !success {
			status = "BLOCKED"
		}
	}
	err := r.notifier.Notify(ctx, notify.Notification{
		AgentID:   roster.RoleReporter.AgentID(),
		AgentName: "Pipeline Reporter",
		Event:     "pipeline_report",
		Status:    status,
		Summary:   snap.Text(),
		MissionID: snap.MissionID,
		Data: map[string]any{
			"label":     label,
			"final":     final,
			"completed": snap.Completed(),
			"total":     snap.Total(),
			"percent":   snap.Percent(),
			"elapsed":   snap.Elapsed,
		},
	})
	if err != nil {
		r.log.Warn("report delivery failed", "label", label, "err", err)
	}
}
