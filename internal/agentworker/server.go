package agentworker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/eventbus"
	"github.com/chengis/chengis/internal/pipelinefile"
	"github.com/chengis/chengis/internal/ports"
	"github.com/chengis/chengis/internal/runner"
	"github.com/chengis/chengis/internal/worker"
)

// Payload mirrors internal/orchestrator.Payload's wire shape. Duplicated
// rather than imported to keep the agent process decoupled from the
// master's orchestration package; the two are kept in lockstep by the
// handshake both sides make over this same JSON body.
type Payload struct {
	Build   build.Build
	Job     build.Job
	RepoURL string
	Branch  string
}

// Server is the agent's own HTTP surface (spec.md §4.5, §4.6 step 4): it
// receives dispatched builds, runs each on the bounded local worker pool,
// and reports state back to the master since it owns no storage of its own.
type Server struct {
	agentID      string
	masterURL    string
	sharedSecret string

	pool       *worker.Pool
	newRunner  func() *runner.Runner
	logger     ports.Logger
}

// NewServer constructs a Server. newRunner builds a fresh *runner.Runner per
// build (each wired to an EventStore/RemoteBuildStore scoped to that
// build's reporting, via NewBuildRunner below) rather than sharing one
// Runner, since runner.Runner carries no per-build state that would make
// sharing unsafe, but a factory keeps this package's wiring in one place.
func NewServer(agentID, masterURL, sharedSecret string, pool *worker.Pool, newRunner func() *runner.Runner, logger ports.Logger) *Server {
	return &Server{agentID: agentID, masterURL: masterURL, sharedSecret: sharedSecret, pool: pool, newRunner: newRunner, logger: logger}
}

// NewBuildRunner constructs the *runner.Runner a Server should hand to
// NewServer: its bus and build store both forward to masterURL, since this
// process never persists build state itself. executor and resolver are the
// same Pipeline Executor and manifest resolver cmd/chengis-master wires for
// local dispatch, passed in rather than rebuilt here since assembling the
// Step Executor Registry is the binary's job, not this package's.
func NewBuildRunner(masterURL, sharedSecret string, executor ports.PipelineExecutor, jobs ports.JobStore, resolver *pipelinefile.Resolver, logger ports.Logger, opts ...runner.Option) *runner.Runner {
	store := NewEventStore(masterURL, sharedSecret)
	bus := eventbus.New(store, logger, 0)
	builds := NewRemoteBuildStore(masterURL, sharedSecret)
	full := append([]runner.Option{runner.WithLogger(logger)}, opts...)
	return runner.NewRunner(executor, bus, jobs, builds, resolver, full...)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sharedSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.sharedSecret {
			writeErr(w, http.StatusUnauthorized, cherrors.New(cherrors.CodeValidation, "missing or invalid master credentials"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router builds the agent's chi.Router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/builds", s.handleBuild)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONBody(w, http.StatusOK, map[string]string{"status": "ok", "agent_id": s.agentID})
}

// handleBuild accepts a dispatched build and submits it to the bounded
// local pool (spec.md §4.6's "runs locally on that agent, same lifecycle").
// The HTTP response returns as soon as the build is accepted into the pool,
// not when it finishes: a build's actual outcome streams back to the master
// through the Runner's event bus and build-store reporting as it runs.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var p Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, http.StatusBadRequest, cherrors.Wrap(cherrors.CodeValidation, "decode dispatched build", err))
		return
	}

	rn := s.newRunner()
	b, job, repoURL, branch := p.Build, p.Job, p.RepoURL, p.Branch

	// Submit's wait-for-a-free-slot step is bounded by the request's
	// context, but the build itself must outlive this HTTP request, so its
	// actual execution runs on an independent background context.
	runCtx := context.Background()
	err := s.pool.Submit(r.Context(), b.ID, func(context.Context) error {
		_, _, runErr := rn.Run(runCtx, b, job, repoURL, branch)
		return runErr
	})
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, cherrors.Wrap(cherrors.CodeAgentUnavailable, "accept build into local pool", err))
		return
	}

	writeJSONBody(w, http.StatusAccepted, map[string]string{"status": "accepted", "build_id": b.ID})
}

func writeJSONBody(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSONBody(w, status, map[string]string{"error": err.Error(), "code": string(cherrors.CodeOf(err))})
}
