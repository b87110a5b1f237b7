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
)

// RegisterInput mirrors transport.registerRequest's wire shape.
type RegisterInput struct {
	Name       string           `json:"name"`
	URL        string           `json:"url"`
	Labels     []string         `json:"labels"`
	MaxBuilds  int              `json:"max_builds"`
	Region     string           `json:"region"`
	OrgID      string           `json:"org_id"`
	SystemInfo build.SystemInfo `json:"system_info"`
}

// Register performs the agent's one-time registration call against the
// master (spec.md §4.5 step 1), returning the agent record the master
// assigned (its minted ID in particular, which every subsequent heartbeat
// and report call must use).
func Register(ctx context.Context, masterURL, sharedSecret string, self RegisterInput) (build.Agent, error) {
	data, err := json.Marshal(self)
	if err != nil {
		return build.Agent{}, cherrors.Wrap(cherrors.CodeInternal, "marshal agent registration", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, masterURL+"/api/agents/register", bytes.NewReader(data))
	if err != nil {
		return build.Agent{}, cherrors.Wrap(cherrors.CodeInternal, "build registration request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+sharedSecret)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return build.Agent{}, cherrors.Wrap(cherrors.CodeAgentUnavailable, "register with master", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return build.Agent{}, cherrors.New(cherrors.CodeAgentUnavailable, fmt.Sprintf("master rejected registration: %d %s", resp.StatusCode, body))
	}

	var agent build.Agent
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		return build.Agent{}, cherrors.Wrap(cherrors.CodeInternal, "decode registration response", err)
	}
	return agent, nil
}
