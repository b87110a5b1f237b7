package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chengis/chengis/internal/agentworker"
	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/domain/pipeline"
	"github.com/chengis/chengis/internal/engine"
	"github.com/chengis/chengis/internal/pipelinefile"
	"github.com/chengis/chengis/internal/ports"
	"github.com/chengis/chengis/internal/runner"
	"github.com/chengis/chengis/internal/stepexec"
	"github.com/chengis/chengis/internal/worker"
)

type agentOptions struct {
	masterURL    string
	name         string
	listenAddr   string
	advertiseURL string
	labels       string
	region       string
	orgID        string
	maxBuilds    int
	sharedSecret string
}

func newServeCmd(logger ports.Logger) *cobra.Command {
	opts := agentOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register with a master and run dispatched builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.masterURL) == "" {
				return cherrors.New(cherrors.CodeValidation, "--master-url is required")
			}
			if strings.TrimSpace(opts.advertiseURL) == "" {
				return cherrors.New(cherrors.CodeValidation, "--advertise-url is required (the URL the master can reach this agent on)")
			}
			return runAgent(cmd.Context(), logger, opts)
		},
	}

	cmd.Flags().StringVar(&opts.masterURL, "master-url", "", "base URL of the master to register with")
	cmd.Flags().StringVar(&opts.name, "name", "", "agent display name (defaults to hostname)")
	cmd.Flags().StringVar(&opts.listenAddr, "listen", ":8081", "HTTP listen address")
	cmd.Flags().StringVar(&opts.advertiseURL, "advertise-url", "", "URL the master should dispatch builds to")
	cmd.Flags().StringVar(&opts.labels, "labels", "", "comma-separated labels this agent satisfies")
	cmd.Flags().StringVar(&opts.region, "region", "", "agent's region, for region-affine dispatch")
	cmd.Flags().StringVar(&opts.orgID, "org", "", "org this agent is scoped to (empty: shared across orgs)")
	cmd.Flags().IntVar(&opts.maxBuilds, "max-builds", 4, "maximum concurrent builds this agent accepts")
	cmd.Flags().StringVar(&opts.sharedSecret, "shared-secret", os.Getenv("CHENGIS_DISTRIBUTED_AUTH_TOKEN"), "bearer token shared with the master")

	return cmd
}

func runAgent(ctx context.Context, logger ports.Logger, opts agentOptions) error {
	name := opts.name
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "agent"
		}
	}
	var labels []string
	for _, l := range strings.Split(opts.labels, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}

	systemInfo := build.SystemInfo{CPUCount: runtime.NumCPU(), MemoryMB: memoryMB()}

	agent, err := agentworker.Register(ctx, opts.masterURL, opts.sharedSecret, agentworker.RegisterInput{
		Name:       name,
		URL:        opts.advertiseURL,
		Labels:     labels,
		MaxBuilds:  opts.maxBuilds,
		Region:     opts.region,
		OrgID:      opts.orgID,
		SystemInfo: systemInfo,
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "registered with master", "agent_id", agent.ID, "master_url", opts.masterURL)

	registry := stepexec.NewRegistry()
	stepTimeout := 10 * time.Minute
	mustRegister(registry, pipeline.StepTypeShell, stepexec.NewShellExecutor(stepTimeout))
	mustRegister(registry, pipeline.StepTypeDocker, stepexec.NewDockerExecutor(stepTimeout, nil))
	mustRegister(registry, pipeline.StepTypeDockerCompose, stepexec.NewDockerComposeExecutor(stepTimeout, nil))
	mustRegister(registry, pipeline.StepTypeTerraform, stepexec.NewTerraformExecutor(stepTimeout, nil))
	mustRegister(registry, pipeline.StepTypePulumi, stepexec.NewPulumiExecutor(stepTimeout, nil))
	mustRegister(registry, pipeline.StepTypeCloudFormation, stepexec.NewCloudFormationExecutor(stepTimeout, nil))

	exec := engine.NewEngine(registry, engine.WithLogger(logger.With("component", "engine")))
	resolver := pipelinefile.NewResolver(logger.With("component", "pipelinefile"))

	pool := worker.NewPool(opts.maxBuilds, logger.With("component", "worker_pool"))

	newRunner := func() *runner.Runner {
		return agentworker.NewBuildRunner(opts.masterURL, opts.sharedSecret, exec, noJobStore{}, resolver, logger.With("component", "runner"))
	}

	server := agentworker.NewServer(agent.ID, opts.masterURL, opts.sharedSecret, pool, newRunner, logger.With("component", "agent_server"))

	heartbeat := agentworker.NewHeartbeatSender(opts.masterURL, agent.ID, opts.sharedSecret, 30*time.Second, logger.With("component", "heartbeat"),
		func() (int, build.SystemInfo) { return pool.Active(), build.SystemInfo{CPUCount: runtime.NumCPU(), MemoryMB: memoryMB()} },
	)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	httpServer := &http.Server{Addr: opts.listenAddr, Handler: server.Router()}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "agent listening", "addr", opts.listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-sigCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("agent http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "http server shutdown did not complete cleanly", "error", err)
	}
	pool.Wait()
	return nil
}

func mustRegister(registry *stepexec.Registry, kind pipeline.StepType, executor ports.StepExecutor) {
	if err := registry.Register(kind, executor); err != nil {
		panic(err) // only happens for a nil executor, which never occurs here
	}
}

func memoryMB() int {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int(m.Sys / (1024 * 1024))
}

// noJobStore stands in for ports.JobStore where an agent's Runner requires
// one: Runner.Run takes the dispatched build's build.Job directly (the
// master embeds it in the dispatch Payload), so an agent never needs to
// resolve a job by id itself.
type noJobStore struct{}

func (noJobStore) GetJob(context.Context, string) (build.Job, error) {
	return build.Job{}, cherrors.New(cherrors.CodeInternal, "agent process does not resolve jobs by id")
}

func (noJobStore) NextBuildNumber(context.Context, string) (int, error) {
	return 0, cherrors.New(cherrors.CodeInternal, "agent process does not mint build numbers")
}
