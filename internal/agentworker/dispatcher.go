// Package agentworker is the agent-side process (spec.md §4.5, §4.6's
// remote dispatch path): the HTTP surface an agent exposes to receive
// builds, the heartbeat client that keeps it visible to the master's Agent
// Registry, and the collaborators that let a build running on an agent
// report its state back to the master it has no direct store access to.
// go-chi/chi/v5 wiring matches internal/transport's own router/middleware
// shape, and the bounded execution pool reuses internal/worker.Pool's
// errgroup-based submission model.
package agentworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/ports"
)

// HTTPDispatcher is the master-side ports.AgentDispatcher implementation: it
// POSTs a build payload to the target agent's own HTTP surface. Grounded on
// internal/notify.WebhookNotifier's plain net/http POST shape, generalized
// from fire-and-forget notification to a call whose response status
// determines dispatch success.
type HTTPDispatcher struct {
	client       *http.Client
	sharedSecret string
}

// NewHTTPDispatcher constructs an HTTPDispatcher. A zero timeout defaults to
// 10 seconds.
func NewHTTPDispatcher(sharedSecret string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{client: &http.Client{Timeout: timeout}, sharedSecret: sharedSecret}
}

// Dispatch implements ports.AgentDispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, agent build.Agent, buildID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.URL+"/builds", bytes.NewReader(payload))
	if err != nil {
		return cherrors.Wrap(cherrors.CodeDispatchError, "build dispatch request", err).WithContext(map[string]interface{}{"agent_id": agent.ID, "build_id": buildID})
	}
	req.Header.Set("Content-Type", "application/json")
	if d.sharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+d.sharedSecret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeDispatchError, "build dispatch call", err).WithContext(map[string]interface{}{"agent_id": agent.ID, "build_id": buildID})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return cherrors.New(cherrors.CodeDispatchError, fmt.Sprintf("agent %s rejected build: %d %s", agent.ID, resp.StatusCode, body)).
			WithContext(map[string]interface{}{"agent_id": agent.ID, "build_id": buildID, "status": resp.StatusCode})
	}
	return nil
}

var _ ports.AgentDispatcher = (*HTTPDispatcher)(nil)

func postJSON(ctx context.Context, client *http.Client, url, sharedSecret string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "marshal agent report body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "build agent report request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+sharedSecret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "send agent report", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return cherrors.New(cherrors.CodeInternal, fmt.Sprintf("master rejected report: %d %s", resp.StatusCode, respBody))
	}
	return nil
}
