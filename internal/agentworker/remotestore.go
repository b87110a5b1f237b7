package agentworker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/eventbus"
	"github.com/chengis/chengis/internal/ports"
)

// RemoteBuildStore implements ports.BuildStore for a build running on an
// agent: the agent has no direct database access (spec.md §1's storage
// ownership stays with the master), so every write is forwarded over HTTP
// to the master's agent-reporting endpoints instead.
type RemoteBuildStore struct {
	masterURL    string
	sharedSecret string
	client       *http.Client
}

// NewRemoteBuildStore constructs a RemoteBuildStore pointed at masterURL
// (scheme://host:port, no trailing slash).
func NewRemoteBuildStore(masterURL, sharedSecret string) *RemoteBuildStore {
	return &RemoteBuildStore{masterURL: masterURL, sharedSecret: sharedSecret, client: &http.Client{Timeout: 10 * time.Second}}
}

// CreateBuild is a no-op on the agent: the master already persisted the
// build before dispatching it, so there is nothing new to create here.
func (s *RemoteBuildStore) CreateBuild(ctx context.Context, b build.Build) error { return nil }

// UpdateBuild forwards b's current state to the master.
func (s *RemoteBuildStore) UpdateBuild(ctx context.Context, b build.Build) error {
	return postJSON(ctx, s.client, s.masterURL+"/api/agents/builds/"+b.ID+"/report", s.sharedSecret, b)
}

// GetBuild fetches the build's current state from the master.
func (s *RemoteBuildStore) GetBuild(ctx context.Context, buildID string) (build.Build, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.masterURL+"/api/builds/"+buildID+"/", nil)
	if err != nil {
		return build.Build{}, cherrors.Wrap(cherrors.CodeInternal, "build get-build request", err)
	}
	if s.sharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+s.sharedSecret)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return build.Build{}, cherrors.Wrap(cherrors.CodeInternal, "fetch build from master", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return build.Build{}, cherrors.New(cherrors.CodeNotFound, fmt.Sprintf("master returned %d: %s", resp.StatusCode, body))
	}
	var b build.Build
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return build.Build{}, cherrors.Wrap(cherrors.CodeInternal, "decode build", err)
	}
	return b, nil
}

// RecordStageRun forwards run to the master.
func (s *RemoteBuildStore) RecordStageRun(ctx context.Context, run build.StageRun) error {
	return postJSON(ctx, s.client, s.masterURL+"/api/agents/builds/"+run.BuildID+"/stage-runs", s.sharedSecret, run)
}

// RecordStepRun forwards run to the master.
func (s *RemoteBuildStore) RecordStepRun(ctx context.Context, run build.StepRun) error {
	return postJSON(ctx, s.client, s.masterURL+"/api/agents/builds/"+run.BuildID+"/step-runs", s.sharedSecret, run)
}

// EventStore implements eventbus.Store by forwarding each published event to
// the master instead of appending to a local durable log: the agent is not
// the system of record for a build's event stream, the master is (its
// transport.handleBuildEventsStream serves the durable replay everyone
// reads from).
type EventStore struct {
	masterURL    string
	sharedSecret string
	client       *http.Client
}

// NewEventStore constructs an EventStore pointed at masterURL.
func NewEventStore(masterURL, sharedSecret string) *EventStore {
	return &EventStore{masterURL: masterURL, sharedSecret: sharedSecret, client: &http.Client{Timeout: 10 * time.Second}}
}

// Append implements eventbus.Store.
func (s *EventStore) Append(ctx context.Context, event build.BuildEvent) error {
	return postJSON(ctx, s.client, s.masterURL+"/api/agents/builds/"+event.BuildID+"/events", s.sharedSecret, event)
}

// Replay implements eventbus.Store. The agent never serves a replay itself
// (clients stream from the master), so this always reports no history.
func (s *EventStore) Replay(ctx context.Context, buildID string, sinceID int64, limit int) ([]build.BuildEvent, error) {
	return nil, nil
}

var (
	_ ports.BuildStore = (*RemoteBuildStore)(nil)
	_ eventbus.Store   = (*EventStore)(nil)
)
