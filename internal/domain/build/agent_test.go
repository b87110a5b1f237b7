package build

import "testing"

func TestAgentValidate(t *testing.T) {
	cases := []struct {
		name    string
		agent   Agent
		wantErr bool
	}{
		{name: "ok", agent: Agent{MaxBuilds: 4, CurrentBuilds: 2}},
		{name: "negative current", agent: Agent{MaxBuilds: 4, CurrentBuilds: -1}, wantErr: true},
		{name: "over capacity", agent: Agent{MaxBuilds: 2, CurrentBuilds: 3}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.agent.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAgentHasLabels(t *testing.T) {
	a := Agent{Labels: []string{"linux", "docker", "gpu"}}

	if !a.HasLabels([]string{"linux", "docker"}) {
		t.Fatalf("expected agent to satisfy subset of its labels")
	}
	if a.HasLabels([]string{"linux", "windows"}) {
		t.Fatalf("expected agent to not satisfy label it lacks")
	}
	if !a.HasLabels(nil) {
		t.Fatalf("expected agent to satisfy empty requirement")
	}
}

func TestAgentIsAvailable(t *testing.T) {
	online := Agent{Status: AgentOnline, MaxBuilds: 2, CurrentBuilds: 1}
	if !online.IsAvailable() {
		t.Fatalf("expected online agent under capacity to be available")
	}

	full := Agent{Status: AgentOnline, MaxBuilds: 2, CurrentBuilds: 2}
	if full.IsAvailable() {
		t.Fatalf("expected full agent to not be available")
	}

	draining := Agent{Status: AgentDraining, MaxBuilds: 2, CurrentBuilds: 0}
	if draining.IsAvailable() {
		t.Fatalf("expected draining agent to not be available")
	}
}
