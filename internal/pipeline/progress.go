package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"agentline/internal/domain"
)

const maxSummary = 120

// Progress tracks the stage table of one run. Every read takes the same
// lock as the writers, so a snapshot is never torn.
type Progress struct {
	mu        sync.RWMutex
	missionID string
	started   time.Time
	now       func() time.Time
	order     []string
	stages    map[string]*domain.StageResult
}

func NewProgress(missionID string, stages []string, now func() time.Time) *Progress {
	if now == nil {
		now = time.Now
	}
	p := &Progress{
		missionID: missionID,
		started:   now().UTC(),
		now:       now,
		order:     append([]string(nil), stages...),
		stages:    make(map[string]*domain.StageResult, len(stages)),
	}
	for _, name := range stages {
		p.stages[name] = &domain.StageResult{Stage: name, Status: domain.StagePending}
	}
	return p
}

func (p *Progress) MissionID() string { return p.missionID }

// Update moves stage to status. Allowed moves are PENDING to RUNNING or
// SKIPPED, and RUNNING to COMPLETE, BLOCKED or ERROR.
func (p *Progress) Update(stage string, status domain.StageStatus, summary string, outputs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.stages[stage]
	if !ok {
		return domain.NotFoundError{Kind: "stage", ID: stage}
	}
	if !allowed(r.Status, status) {
		return fmt.Errorf("stage %s: %s -> %s: %w", stage, r.Status, status, domain.ErrInvalidTransition)
	}
	now := p.now().UTC()
	r.Status = status
	r.Summary = clip(summary, maxSummary)
	if len(outputs) > 0 {
		r.Outputs = append([]string(nil), outputs...)
	}
	if status == domain.StageRunning {
		r.Started = &now
	}
	if status.Terminal() {
		r.Finished = &now
	}
	return nil
}

func allowed(from, to domain.StageStatus) bool {
	switch from {
	case domain.StagePending:
		return to == domain.StageRunning || to == domain.StageSkipped
	case domain.StageRunning:
		return to == domain.StageComplete || to == domain.StageBlocked || to == domain.StageError
	}
	return false
}

func (p *Progress) Get(stage string) (domain.StageResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.stages[stage]
	if !ok {
		return domain.StageResult{}, false
	}
	return copyResult(r), true
}

// Done reports whether every stage reached a terminal status.
func (p *Progress) Done() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.stages {
		if !r.Status.Terminal() {
			return false
		}
	}
	return true
}

func (p *Progress) Elapsed() time.Duration {
	return p.now().UTC().Sub(p.started)
}

// Snapshot copies the stage table under the read lock.
func (p *Progress) Snapshot(label string, final bool) Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Snapshot{
		MissionID: p.missionID,
		StartedAt: p.started,
		Label:     label,
		Final:     final,
		Counts:    map[domain.StageStatus]int{},
		Stages:    make([]domain.StageResult, 0, len(p.order)),
	}
	s.ElapsedMS = p.now().UTC().Sub(p.started).Milliseconds()
	s.Elapsed = FormatElapsed(time.Duration(s.ElapsedMS) * time.Millisecond)
	for _, name := range p.order {
		r := p.stages[name]
		s.Stages = append(s.Stages, copyResult(r))
		s.Counts[r.Status]++
	}
	return s
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	MissionID string                     `json:"mission_id"`
	StartedAt time.Time                  `json:"started_at" format:"date-time"`
	Elapsed   string                     `json:"elapsed"`
	ElapsedMS int64                      `json:"elapsed_ms"`
	Label     string                     `json:"label"`
	Final     bool                       `json:"final"`
	Success   bool                       `json:"success"`
	Stages    []domain.StageResult       `json:"stages"`
	Counts    map[domain.StageStatus]int `json:"counts"`
}

func (s Snapshot) Completed() int { return s.Counts[domain.StageComplete] }

func (s Snapshot) Total() int { return len(s.Stages) }

func (s Snapshot) Percent() int {
	if len(s.Stages) == 0 {
		return 0
	}
	return s.Completed() * 100 / len(s.Stages)
}

// Stage returns the result for name.
func (s Snapshot) Stage(name string) (domain.StageResult, bool) {
	for _, r := range s.Stages {
		if r.Stage == name {
			return r, true
		}
	}
	return domain.StageResult{}, false
}

// Text renders the snapshot as a plain-text report.
func (s Snapshot) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline report\nMission: %s\nElapsed: %s\n", s.MissionID, s.Elapsed)
	if s.Label != "" {
		fmt.Fprintf(&b, "%s\n", s.Label)
	}
	b.WriteString(strings.Repeat("-", 20) + "\n")
	for _, r := range s.Stages {
		fmt.Fprintf(&b, "[%s] %s", r.Status, r.Stage)
		switch {
		case r.Finished != nil:
			fmt.Fprintf(&b, " (%s)", r.Finished.Format("15:04:05 UTC"))
		case r.Started != nil:
			fmt.Fprintf(&b, " (%s)", r.Started.Format("15:04:05 UTC"))
		}
		b.WriteString("\n")
		if r.Summary != "" {
			fmt.Fprintf(&b, "   %s\n", clip(r.Summary, 60))
		}
	}
	b.WriteString(strings.Repeat("-", 20) + "\n")
	fmt.Fprintf(&b, "Progress: %d/%d stages complete (%d%%)", s.Completed(), s.Total(), s.Percent())
	return b.String()
}

// FormatElapsed renders d as minutes and seconds, e.g. "3m 07s".
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%dm %02ds", secs/60, secs%60)
}

func copyResult(r *domain.StageResult) domain.StageResult {
	out := *r
	out.Outputs = append([]string(nil), r.Outputs...)
	if r.Started != nil {
		t := *r.Started
		out.Started = &t
	}
	if r.Finished != nil {
		t := *r.Finished
		out.Finished = &t
	}
	return out
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
