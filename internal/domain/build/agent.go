package build

import (
	"time"

	"github.com/chengis/chengis/internal/cherrors"
)

// AgentStatus is an Agent's registration lifecycle state.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentDraining AgentStatus = "draining"
)

// SystemInfo carries the resource hints an agent reports at registration
// and on every heartbeat.
type SystemInfo struct {
	CPUCount int
	MemoryMB int
}

// Agent is a worker node that executes builds on behalf of the master.
type Agent struct {
	ID              string
	Name            string
	URL             string
	Labels          []string
	MaxBuilds       int
	CurrentBuilds   int
	Status          AgentStatus
	LastHeartbeatAt time.Time
	SystemInfo      SystemInfo
	Region          string
	OrgID           string // empty means shared across orgs
}

// Validate enforces the two Agent invariants from spec.md §3.
func (a Agent) Validate() error {
	if a.CurrentBuilds < 0 {
		return cherrors.New(cherrors.CodeValidation, "current_builds must be >= 0")
	}
	if a.CurrentBuilds > a.MaxBuilds {
		return cherrors.New(cherrors.CodeValidation, "current_builds must not exceed max_builds")
	}
	return nil
}

// HasLabels reports whether the agent carries every one of required.
func (a Agent) HasLabels(required []string) bool {
	set := make(map[string]struct{}, len(a.Labels))
	for _, l := range a.Labels {
		set[l] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// IsAvailable reports whether the agent can accept another build right now,
// ignoring label/resource matching.
func (a Agent) IsAvailable() bool {
	return a.Status == AgentOnline && a.CurrentBuilds < a.MaxBuilds
}
