package agentworker

import (
	"context"
	"net/http"
	"time"

	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/ports"
	"github.com/chengis/chengis/internal/worker"
)

// heartbeatRequest mirrors transport.heartbeatRequest's wire shape.
type heartbeatRequest struct {
	CurrentBuilds *int              `json:"current_builds,omitempty"`
	SystemInfo    *build.SystemInfo `json:"system_info,omitempty"`
}

// HeartbeatSender keeps an agent visible in the master's Agent Registry
// (spec.md §4.5's liveness contract) by POSTing on a fixed interval, using
// internal/worker.Loop for the periodic-worker shape every other background
// loop in this repository shares.
type HeartbeatSender struct {
	masterURL    string
	agentID      string
	sharedSecret string
	client       *http.Client
	logger       ports.Logger
	snapshot     func() (currentBuilds int, info build.SystemInfo)

	loop *worker.Loop
}

// NewHeartbeatSender constructs a HeartbeatSender. snapshot is polled on
// every tick to report the agent's current load and system info.
func NewHeartbeatSender(masterURL, agentID, sharedSecret string, interval time.Duration, logger ports.Logger, snapshot func() (int, build.SystemInfo)) *HeartbeatSender {
	h := &HeartbeatSender{
		masterURL:    masterURL,
		agentID:      agentID,
		sharedSecret: sharedSecret,
		client:       &http.Client{Timeout: 5 * time.Second},
		logger:       logger,
		snapshot:     snapshot,
	}
	h.loop = worker.NewLoop(interval, h.beat)
	return h
}

// Start begins sending heartbeats.
func (h *HeartbeatSender) Start(ctx context.Context) { h.loop.Start(ctx) }

// Stop ends the heartbeat loop.
func (h *HeartbeatSender) Stop() { h.loop.Stop() }

func (h *HeartbeatSender) beat(ctx context.Context) {
	current, info := h.snapshot()
	req := heartbeatRequest{CurrentBuilds: &current, SystemInfo: &info}
	if err := postJSON(ctx, h.client, h.masterURL+"/api/agents/"+h.agentID+"/heartbeat", h.sharedSecret, req); err != nil && h.logger != nil {
		h.logger.Warn(ctx, "heartbeat failed", "agent_id", h.agentID, "error", err)
	}
}
