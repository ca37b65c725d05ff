package pipeline

import (
	"fmt"

	"agentline/internal/domain"
	"agentline/internal/roster"
)

// Stage is one step of a run. A stage with a single member runs it
// sequentially; several members run as a parallel group.
type Stage struct {
	Name string
	// Phase, when set, is entered as the stage begins, attributed to
	// PhaseAgent.
	Phase      domain.Phase
	PhaseAgent string
	Members    []roster.Role
	// Gate stages end BLOCKED when any member fails or reports blocked.
	Gate bool
	// SkipOnGateBlock stages are SKIPPED once a gate has blocked.
	SkipOnGateBlock bool
	// Report stages receive the run summary in their assignment.
	Report bool
}

func (s Stage) Parallel() bool { return len(s.Members) > 1 }

type Plan []Stage

// DefaultPlan is the seven-stage delivery pipeline: dispatch, research,
// design, development, validation gate, deployment and the final report.
func DefaultPlan() Plan {
	return Plan{
		{Name: "01-Dispatcher", Members: []roster.Role{roster.RoleDispatcher}},
		{Name: "02-PM + 03-Analyst", Phase: domain.PhaseResearch, PhaseAgent: roster.RoleDispatcher.AgentID(),
			Members: []roster.Role{roster.RoleProductManager, roster.RoleAnalyst}},
		{Name: "04-Architect", Phase: domain.PhaseDesign, PhaseAgent: roster.RoleProductManager.AgentID(),
			Members: []roster.Role{roster.RoleArchitect}},
		{Name: "05-Backend + 06-Frontend", Phase: domain.PhaseDevelopment, PhaseAgent: roster.RoleArchitect.AgentID(),
			Members: []roster.Role{roster.RoleBackend, roster.RoleFrontend}},
		{Name: "07-QA + 08-Security", Phase: domain.PhaseValidation, PhaseAgent: roster.RoleQA.AgentID(),
			Members: []roster.Role{roster.RoleQA, roster.RoleSecurity}, Gate: true},
		{Name: "09-DevOps", Phase: domain.PhaseDeployment, PhaseAgent: roster.RoleDevOps.AgentID(),
			Members: []roster.Role{roster.RoleDevOps}, SkipOnGateBlock: true},
		{Name: "10-Reporter", Phase: domain.PhaseReporting, PhaseAgent: roster.RoleDevOps.AgentID(),
			Members: []roster.Role{roster.RoleReporter}, Report: true},
	}
}

func (p Plan) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("plan has no stages")
	}
	seen := map[string]bool{}
	for i, st := range p {
		if st.Name == "" {
			return fmt.Errorf("stage %d: name is required", i+1)
		}
		if seen[st.Name] {
			return fmt.Errorf("stage %s: duplicate name", st.Name)
		}
		seen[st.Name] = true
		if len(st.Members) == 0 {
			return fmt.Errorf("stage %s: no members", st.Name)
		}
		for _, m := range st.Members {
			if !m.Valid() {
				return fmt.Errorf("stage %s: unknown role %q", st.Name, m)
			}
		}
		if st.Phase != "" && !st.Phase.Valid() {
			return fmt.Errorf("stage %s: unknown phase %q", st.Name, st.Phase)
		}
	}
	return nil
}

func (p Plan) Names() []string {
	out := make([]string, 0, len(p))
	for _, st := range p {
		out = append(out, st.Name)
	}
	return out
}
