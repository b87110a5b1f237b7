// Package agentregistry is the Agent Registry (spec.md §4.5): an in-memory,
// mutex-serialized set of build agents, optionally write-through to a
// persistent cache so state survives a master restart.
package agentregistry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/ports"
)

// Cache is the write-through side: every mutating call also writes to it,
// best-effort, so a fresh master process can hydrate from it on boot. A nil
// Cache makes the registry purely in-memory.
type Cache interface {
	Set(ctx context.Context, agentID string, data []byte) error
	Scan(ctx context.Context) (map[string][]byte, error)
	Delete(ctx context.Context, agentID string) error
}

// HealthConfig carries the heartbeat-timeout setting spec.md §4.5 names.
type HealthConfig struct {
	HeartbeatTimeout        time.Duration
	ResourceAwareScheduling bool
}

// Registry implements the Agent Registry.
type Registry struct {
	mu     sync.Mutex
	agents map[string]build.Agent
	cache  Cache
	cfg    HealthConfig
	logger ports.Logger
}

// NewRegistry constructs an empty Registry. cache may be nil.
func NewRegistry(cache Cache, cfg HealthConfig, logger ports.Logger) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	return &Registry{agents: make(map[string]build.Agent), cache: cache, cfg: cfg, logger: logger}
}

// Hydrate loads agent state from the cache, for use once at master boot.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	entries, err := r.cache.Scan(ctx)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "hydrate agent registry from cache", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, raw := range entries {
		var a build.Agent
		if jsonErr := json.Unmarshal(raw, &a); jsonErr == nil {
			r.agents[id] = a
		}
	}
	return nil
}

func (r *Registry) writeThrough(ctx context.Context, a build.Agent) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, a.ID, data); err != nil && r.logger != nil {
		r.logger.Warn(ctx, "agent registry cache write failed", "agent_id", a.ID, "error", err)
	}
}

// Register upserts an agent by id (attrs.ID must be pre-assigned by the
// caller; re-registration under the same id replaces its attributes while
// resetting status to online).
func (r *Registry) Register(ctx context.Context, attrs build.Agent) (build.Agent, error) {
	attrs.Status = build.AgentOnline
	attrs.LastHeartbeatAt = time.Now()
	if err := attrs.Validate(); err != nil {
		return build.Agent{}, err
	}
	r.mu.Lock()
	r.agents[attrs.ID] = attrs
	r.mu.Unlock()
	r.writeThrough(ctx, attrs)
	return attrs, nil
}

// Heartbeat refreshes an agent's last-seen time and optional counters,
// reporting whether the agent is known.
func (r *Registry) Heartbeat(ctx context.Context, id string, currentBuilds *int, sysInfo *build.SystemInfo) bool {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	a.LastHeartbeatAt = time.Now()
	if currentBuilds != nil {
		a.CurrentBuilds = *currentBuilds
	}
	if sysInfo != nil {
		a.SystemInfo = *sysInfo
	}
	if a.Status == build.AgentOffline {
		a.Status = build.AgentOnline
	}
	r.agents[id] = a
	r.mu.Unlock()
	r.writeThrough(ctx, a)
	return true
}

// IncrementBuilds bumps an agent's current build count, never past its max.
func (r *Registry) IncrementBuilds(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return cherrors.New(cherrors.CodeNotFound, "agent not found").WithContext(map[string]interface{}{"agent_id": id})
	}
	if a.CurrentBuilds < a.MaxBuilds {
		a.CurrentBuilds++
	}
	r.agents[id] = a
	r.mu.Unlock()
	r.writeThrough(ctx, a)
	return nil
}

// DecrementBuilds drops an agent's current build count, floored at zero.
func (r *Registry) DecrementBuilds(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return cherrors.New(cherrors.CodeNotFound, "agent not found").WithContext(map[string]interface{}{"agent_id": id})
	}
	if a.CurrentBuilds > 0 {
		a.CurrentBuilds--
	}
	r.agents[id] = a
	r.mu.Unlock()
	r.writeThrough(ctx, a)
	return nil
}

// ResourceHints floors a candidate agent's available resources for matching.
type ResourceHints struct {
	MinCPU    int
	MinMemory int
}

// FindAvailableAgent selects the lowest-scored agent matching
// requiredLabels (and resource floors, when given), skipping draining,
// offline, or saturated agents. Scoring follows spec.md §4.5: load alone
// when resource-aware scheduling is off; load plus a same-region bonus and
// resource headroom when it's on.
func (r *Registry) FindAvailableAgent(requiredLabels []string, hints *ResourceHints, preferredRegion string) (build.Agent, bool) {
	return r.FindAvailableAgentAllowed(requiredLabels, hints, preferredRegion, nil)
}

// FindAvailableAgentAllowed is FindAvailableAgent with an extra filter:
// allow, when non-nil, is consulted per-candidate before scoring so a
// caller can exclude agents whose circuit breaker is open from the whole
// candidate set (spec.md §4.6 step 3's "circuit-breaker filter"), rather
// than picking the single lowest-scored agent first and only then
// discovering it's unusable.
func (r *Registry) FindAvailableAgentAllowed(requiredLabels []string, hints *ResourceHints, preferredRegion string, allow func(agentID string) bool) (build.Agent, bool) {
	r.mu.Lock()
	candidates := make([]build.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		candidates = append(candidates, a)
	}
	r.mu.Unlock()

	var matches []build.Agent
	for _, a := range candidates {
		if !a.IsAvailable() {
			continue
		}
		if !a.HasLabels(requiredLabels) {
			continue
		}
		if hints != nil {
			if a.SystemInfo.CPUCount < hints.MinCPU || a.SystemInfo.MemoryMB < hints.MinMemory {
				continue
			}
		}
		if allow != nil && !allow(a.ID) {
			continue
		}
		matches = append(matches, a)
	}
	if len(matches) == 0 {
		return build.Agent{}, false
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return r.score(matches[i], preferredRegion) < r.score(matches[j], preferredRegion)
	})
	return matches[0], true
}

func (r *Registry) score(a build.Agent, preferredRegion string) float64 {
	load := float64(a.CurrentBuilds)
	if !r.cfg.ResourceAwareScheduling {
		return load
	}
	score := load
	if preferredRegion != "" && a.Region == preferredRegion {
		score -= 1
	}
	if a.MaxBuilds > 0 {
		headroom := float64(a.MaxBuilds-a.CurrentBuilds) / float64(a.MaxBuilds)
		score -= headroom
	}
	return score
}

// CheckAgentHealth ages out agents whose last heartbeat exceeds the
// configured timeout, returning the number of online→offline transitions.
func (r *Registry) CheckAgentHealth(ctx context.Context) int {
	now := time.Now()
	transitioned := 0
	r.mu.Lock()
	var changed []build.Agent
	for id, a := range r.agents {
		if a.Status == build.AgentOnline && now.Sub(a.LastHeartbeatAt) > r.cfg.HeartbeatTimeout {
			a.Status = build.AgentOffline
			r.agents[id] = a
			changed = append(changed, a)
			transitioned++
		}
	}
	r.mu.Unlock()
	for _, a := range changed {
		r.writeThrough(ctx, a)
	}
	return transitioned
}

// OfflineAgentIDs returns every agent currently marked offline, for the
// Orphan Monitor to sweep.
func (r *Registry) OfflineAgentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, a := range r.agents {
		if a.Status == build.AgentOffline {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetAgentDraining marks an agent so it is never selected again, while
// leaving its in-flight builds to complete.
func (r *Registry) SetAgentDraining(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return cherrors.New(cherrors.CodeNotFound, "agent not found").WithContext(map[string]interface{}{"agent_id": id})
	}
	a.Status = build.AgentDraining
	r.agents[id] = a
	r.mu.Unlock()
	r.writeThrough(ctx, a)
	return nil
}

// Deregister removes an agent entirely.
func (r *Registry) Deregister(ctx context.Context, id string) {
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()
	if r.cache != nil {
		if err := r.cache.Delete(ctx, id); err != nil && r.logger != nil {
			r.logger.Warn(ctx, "agent registry cache delete failed", "agent_id", id, "error", err)
		}
	}
}

// ListAgents returns a snapshot of every known agent.
func (r *Registry) ListAgents() []build.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]build.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary is the registry_summary() shape spec.md §4.5 names for admin/CLI
// surfaces.
type Summary struct {
	Total    int
	Online   int
	Offline  int
	Draining int
}

// RegistrySummary aggregates agent counts by status.
func (r *Registry) RegistrySummary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Summary
	s.Total = len(r.agents)
	for _, a := range r.agents {
		switch a.Status {
		case build.AgentOnline:
			s.Online++
		case build.AgentOffline:
			s.Offline++
		case build.AgentDraining:
			s.Draining++
		}
	}
	return s
}
