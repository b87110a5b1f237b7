// Package transport is the master's HTTP surface (spec.md §1's thin
// edge/collaborator surface, §4.5's agent registration/heartbeat, §4.1's
// live event stream): a go-chi router wiring each endpoint straight to its
// owning internal collaborator, with no business logic of its own, using
// the standard chi.NewRouter()/router.Use(cors.Handler(...)) construction.
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/chengis/chengis/internal/agentregistry"
	"github.com/chengis/chengis/internal/approval"
	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/eventbus"
	"github.com/chengis/chengis/internal/orchestrator"
	"github.com/chengis/chengis/internal/ports"
)

// MasterServer wires every collaborator the master's HTTP API fronts.
type MasterServer struct {
	agents  *agentregistry.Registry
	bus     *eventbus.Bus
	builds  ports.BuildStore
	service *orchestrator.Service
	gates   *approval.Gates
	logger  ports.Logger

	sharedSecret string // agent registration/heartbeat bearer token, empty disables auth
}

// Option configures a MasterServer.
type Option func(*MasterServer)

// WithSharedSecret requires agent-facing endpoints to carry a
// "Bearer <secret>" Authorization header matching secret.
func WithSharedSecret(secret string) Option { return func(s *MasterServer) { s.sharedSecret = secret } }

// WithApprovalGates wires the approve/reject stage endpoints (spec.md
// §4.1 step 2) to gates. Without it those endpoints return 501, since a
// master built only for local dispatch has no stage ever waiting on one.
func WithApprovalGates(gates *approval.Gates) Option { return func(s *MasterServer) { s.gates = gates } }

// NewMasterServer constructs a MasterServer.
func NewMasterServer(agents *agentregistry.Registry, bus *eventbus.Bus, builds ports.BuildStore, service *orchestrator.Service, logger ports.Logger, opts ...Option) *MasterServer {
	s := &MasterServer{agents: agents, bus: bus, builds: builds, service: service, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi.Router exposing every master endpoint from
// spec.md §1/§4.5/§4.1.
func (s *MasterServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/agents", func(r chi.Router) {
		r.Use(s.requireAgentAuth)
		r.Post("/register", s.handleAgentRegister)
		r.Post("/{id}/heartbeat", s.handleAgentHeartbeat)
	})

	// Agent-initiated build reporting (spec.md §4.6's remote-dispatch path
	// reporting back to the master that triggered it): an agent running a
	// build has no direct access to the master's stores/bus, so it reports
	// state transitions and events over this same auth boundary.
	r.Route("/api/agents/builds/{id}", func(r chi.Router) {
		r.Use(s.requireAgentAuth)
		r.Post("/report", s.handleAgentBuildReport)
		r.Post("/stage-runs", s.handleAgentStageRun)
		r.Post("/step-runs", s.handleAgentStepRun)
		r.Post("/events", s.handleAgentBuildEvent)
	})

	r.Route("/api/builds/{id}", func(r chi.Router) {
		r.Get("/", s.handleBuildGet)
		r.Get("/events", s.handleBuildEventsStream)
		r.Get("/events/replay", s.handleBuildEventsReplay)
		r.Post("/cancel", s.handleBuildCancel)
		r.Post("/stages/{stage}/approve", s.handleStageApprove)
	})

	r.Post("/jobs/{name}/trigger", s.handleJobTrigger)

	return r
}

func (s *MasterServer) requireAgentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sharedSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.sharedSecret {
			writeError(w, http.StatusUnauthorized, cherrors.New(cherrors.CodeValidation, "missing or invalid agent credentials"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *MasterServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Name      string           `json:"name"`
	URL       string           `json:"url"`
	Labels    []string         `json:"labels"`
	MaxBuilds int              `json:"max_builds"`
	Region    string           `json:"region"`
	OrgID     string           `json:"org_id"`
	SystemInfo build.SystemInfo `json:"system_info"`
}

func (s *MasterServer) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, cherrors.Wrap(cherrors.CodeValidation, "decode register request", err))
		return
	}

	agent, err := s.agents.Register(r.Context(), build.Agent{
		ID:         uuid.NewString(),
		Name:       req.Name,
		URL:        req.URL,
		Labels:     req.Labels,
		MaxBuilds:  req.MaxBuilds,
		Region:     req.Region,
		OrgID:      req.OrgID,
		SystemInfo: req.SystemInfo,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

type heartbeatRequest struct {
	CurrentBuilds *int             `json:"current_builds,omitempty"`
	SystemInfo    *build.SystemInfo `json:"system_info,omitempty"`
}

func (s *MasterServer) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, cherrors.Wrap(cherrors.CodeValidation, "decode heartbeat request", err))
			return
		}
	}
	if ok := s.agents.Heartbeat(r.Context(), id, req.CurrentBuilds, req.SystemInfo); !ok {
		writeError(w, http.StatusNotFound, cherrors.New(cherrors.CodeNotFound, "unknown agent"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *MasterServer) handleBuildGet(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	b, err := s.builds.GetBuild(r.Context(), buildID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *MasterServer) handleAgentBuildReport(w http.ResponseWriter, r *http.Request) {
	var b build.Build
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, cherrors.Wrap(cherrors.CodeValidation, "decode build report", err))
		return
	}
	if err := s.builds.UpdateBuild(r.Context(), b); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *MasterServer) handleAgentStageRun(w http.ResponseWriter, r *http.Request) {
	var run build.StageRun
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		writeError(w, http.StatusBadRequest, cherrors.Wrap(cherrors.CodeValidation, "decode stage run", err))
		return
	}
	if err := s.builds.RecordStageRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *MasterServer) handleAgentStepRun(w http.ResponseWriter, r *http.Request) {
	var run build.StepRun
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		writeError(w, http.StatusBadRequest, cherrors.Wrap(cherrors.CodeValidation, "decode step run", err))
		return
	}
	if err := s.builds.RecordStepRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *MasterServer) handleAgentBuildEvent(w http.ResponseWriter, r *http.Request) {
	var evt build.BuildEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, cherrors.Wrap(cherrors.CodeValidation, "decode build event", err))
		return
	}
	if err := s.bus.Publish(r.Context(), evt); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *MasterServer) handleBuildEventsReplay(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	sinceID, _ := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 500
	}
	events, err := s.bus.Replay(r.Context(), buildID, sinceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *MasterServer) handleBuildCancel(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	if ok := s.service.CancelBuild(buildID); !ok {
		writeError(w, http.StatusNotFound, cherrors.New(cherrors.CodeNotFound, "build is not running locally on this master"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type triggerRequest struct {
	Bindings        map[string]string `json:"bindings"`
	RepoURL         string            `json:"repo_url"`
	Branch          string            `json:"branch"`
	RequiredLabels  []string          `json:"required_labels"`
	PreferredRegion string            `json:"preferred_region"`
}

func (s *MasterServer) handleJobTrigger(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "name")
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, cherrors.Wrap(cherrors.CodeValidation, "decode trigger request", err))
			return
		}
	}

	b, err := s.service.TriggerBuild(r.Context(), orchestrator.TriggerInput{
		JobID:           jobID,
		Bindings:        req.Bindings,
		Trigger:         build.TriggerAPI,
		RepoURL:         req.RepoURL,
		Branch:          req.Branch,
		RequiredLabels:  req.RequiredLabels,
		PreferredRegion: req.PreferredRegion,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(r.Context(), "job trigger failed", "job_id", jobID, "error", err)
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

type approveRequest struct {
	User    string `json:"user"`
	Approve bool   `json:"approve"`
	Comment string `json:"comment"`
}

// handleStageApprove resolves one reviewer's decision on a gate stage
// (spec.md §4.1 step 2's human-in-the-loop approval). A build running on
// this process is the only one that can ever be waiting on gates.Await, so
// a build dispatched to a remote agent or long finished simply has nothing
// to resolve; that isn't distinguishable from "no such gate" at this layer,
// so both report 404.
func (s *MasterServer) handleStageApprove(w http.ResponseWriter, r *http.Request) {
	if s.gates == nil {
		writeError(w, http.StatusNotImplemented, cherrors.New(cherrors.CodeInternal, "approval gates are not enabled on this master"))
		return
	}
	buildID := chi.URLParam(r, "id")
	stageName := chi.URLParam(r, "stage")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, cherrors.Wrap(cherrors.CodeValidation, "decode approval response", err))
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, cherrors.New(cherrors.CodeValidation, "user is required"))
		return
	}

	status, err := s.gates.Resolve(buildID, stageName, build.ApprovalResponse{
		User:      req.User,
		Approve:   req.Approve,
		Comment:   req.Comment,
		DecidedAt: time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(cherrors.CodeOf(err))})
}
