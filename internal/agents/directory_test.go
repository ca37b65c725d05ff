package agents_test

import (
	"context"
	"errors"
	"testing"

	"agentline/internal/agents"
	"agentline/internal/domain"
)

func TestSpawnFromForbiddenParent(t *testing.T) {
	ctx := context.Background()
	d := agents.New(agents.Options{})
	dev, err := d.Spawn(ctx, agents.SpawnOptions{Role: domain.RoleDeveloper})
	if err != nil {
		t.Fatalf("spawn developer: %v", err)
	}
	if dev.Status != domain.AgentPending || dev.TokenBudget != agents.DefaultTokenBudget {
		t.Fatalf("unexpected defaults: %+v", dev)
	}
	before := d.Stats().Total
	_, err = d.Spawn(ctx, agents.SpawnOptions{Role: domain.RoleSpecialist, ParentID: dev.ID})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if d.Stats().Total != before {
		t.Fatalf("failed spawn changed the live set")
	}
	if _, err := d.Spawn(ctx, agents.SpawnOptions{ParentID: "ghost"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found parent, got %v", err)
	}
}

func TestSpawnCeilings(t *testing.T) {
	ctx := context.Background()
	d := agents.New(agents.Options{MaxAgents: 4})
	root, err := d.Spawn(ctx, agents.SpawnOptions{ID: "00/Orchestrator", Role: domain.RoleOrchestrator,
		Authority: &domain.AgentAuthority{CanSpawnAgents: true, MaxParallelAgents: 2}})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.Spawn(ctx, agents.SpawnOptions{Role: domain.RoleSpecialist, ParentID: root.ID}); err != nil {
			t.Fatalf("child %d: %v", i, err)
		}
	}
	if _, err := d.Spawn(ctx, agents.SpawnOptions{Role: domain.RoleSpecialist, ParentID: root.ID}); !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected per-parent limit, got %v", err)
	}
	if _, err := d.Spawn(ctx, agents.SpawnOptions{Role: domain.RoleSupport}); err != nil {
		t.Fatalf("fourth agent: %v", err)
	}
	if _, err := d.Spawn(ctx, agents.SpawnOptions{Role: domain.RoleSupport}); !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected global ceiling, got %v", err)
	}
	if _, err := d.Spawn(ctx, agents.SpawnOptions{ID: "00/Orchestrator"}); err == nil {
		t.Fatalf("duplicate id accepted")
	}
	st := d.Stats()
	if st.Total != 4 || st.Max != 4 || st.Capacity != 1.0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestConsumeTokensNeverExceedsBudget(t *testing.T) {
	ctx := context.Background()
	d := agents.New(agents.Options{})
	a, err := d.Spawn(ctx, agents.SpawnOptions{Role: domain.RoleDeveloper, TokenBudget: 100})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.ConsumeTokens(ctx, a.ID, 60); err != nil {
		t.Fatalf("consume 60: %v", err)
	}
	if _, err := d.ConsumeTokens(ctx, a.ID, 50); !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	got, _ := d.Get(ctx, a.ID)
	if got.TokenUsed != 60 {
		t.Fatalf("failed charge mutated usage: %d", got.TokenUsed)
	}
	if _, err := d.ConsumeTokens(ctx, a.ID, 40); err != nil {
		t.Fatalf("consume up to budget: %v", err)
	}
	if _, err := d.ConsumeTokens(ctx, a.ID, -1); err == nil {
		t.Fatalf("negative charge accepted")
	}
	if _, err := d.ConsumeTokens(ctx, "ghost", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAllocateAndRelease(t *testing.T) {
	ctx := context.Background()
	d := agents.New(agents.Options{})
	a, _ := d.Spawn(ctx, agents.SpawnOptions{Role: domain.RoleQA, TokenBudget: 10})
	if _, err := d.AllocateTask(ctx, a.ID, "T-1"); !errors.Is(err, domain.ErrAgentUnavailable) {
		t.Fatalf("pending agent should be unavailable, got %v", err)
	}
	if _, err := d.UpdateStatus(ctx, a.ID, domain.AgentIdle); err != nil {
		t.Fatal(err)
	}
	if got := d.FindAvailable(ctx, domain.RoleQA); len(got) != 1 {
		t.Fatalf("expected one available QA agent, got %d", len(got))
	}
	got, err := d.AllocateTask(ctx, a.ID, "T-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got.Status != domain.AgentWorking || got.AssignedTaskID != "T-1" {
		t.Fatalf("unexpected allocation: %+v", got)
	}
	if len(d.FindAvailable(ctx, "")) != 0 {
		t.Fatalf("working agent reported available")
	}
	if len(d.List(ctx, domain.AgentWorking)) != 1 {
		t.Fatalf("expected one working agent")
	}
	got, err = d.ReleaseTask(ctx, a.ID)
	if err != nil || got.Status != domain.AgentIdle || got.AssignedTaskID != "" {
		t.Fatalf("release: %+v %v", got, err)
	}
	if _, err := d.ConsumeTokens(ctx, a.ID, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := d.AllocateTask(ctx, a.ID, "T-2"); !errors.Is(err, domain.ErrAgentUnavailable) {
		t.Fatalf("exhausted agent should be unavailable, got %v", err)
	}
	if _, err := d.UpdateStatus(ctx, a.ID, "sleeping"); err == nil {
		t.Fatalf("unknown status accepted")
	}
}

func TestTerminateRemovesPermanently(t *testing.T) {
	ctx := context.Background()
	d := agents.New(agents.Options{})
	a, _ := d.Spawn(ctx, agents.SpawnOptions{Role: domain.RoleSupport})
	if err := d.Terminate(ctx, a.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := d.Get(ctx, a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("terminated agent still present")
	}
	if err := d.Terminate(ctx, a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second terminate: expected not found, got %v", err)
	}
	if len(d.List(ctx, "")) != 0 {
		t.Fatalf("list still contains terminated agent")
	}
}

func TestDefaultAuthority(t *testing.T) {
	if a := agents.DefaultAuthority(domain.RoleOrchestrator); !a.CanSpawnAgents || !a.CanOverrideDecisions {
		t.Fatalf("orchestrator authority: %+v", a)
	}
	if a := agents.DefaultAuthority(domain.RoleDeveloper); a.CanSpawnAgents || a.MaxParallelAgents != 4 {
		t.Fatalf("developer authority: %+v", a)
	}
}
