package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/chengis/chengis/internal/agentregistry"
	"github.com/chengis/chengis/internal/agentworker"
	"github.com/chengis/chengis/internal/approval"
	"github.com/chengis/chengis/internal/artifact"
	"github.com/chengis/chengis/internal/breaker"
	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/dispatcher"
	"github.com/chengis/chengis/internal/domain/pipeline"
	"github.com/chengis/chengis/internal/engine"
	"github.com/chengis/chengis/internal/eventbus"
	"github.com/chengis/chengis/internal/leader"
	"github.com/chengis/chengis/internal/metrics"
	"github.com/chengis/chengis/internal/notify"
	"github.com/chengis/chengis/internal/orchestrator"
	"github.com/chengis/chengis/internal/orphanmonitor"
	"github.com/chengis/chengis/internal/pipelinefile"
	"github.com/chengis/chengis/internal/policy"
	"github.com/chengis/chengis/internal/ports"
	"github.com/chengis/chengis/internal/queue"
	"github.com/chengis/chengis/internal/queueprocessor"
	"github.com/chengis/chengis/internal/runner"
	"github.com/chengis/chengis/internal/scm"
	"github.com/chengis/chengis/internal/secrets"
	"github.com/chengis/chengis/internal/store/devstore"
	"github.com/chengis/chengis/internal/store/pgstore"
	"github.com/chengis/chengis/internal/stepexec"
	"github.com/chengis/chengis/internal/sysconfig"
	"github.com/chengis/chengis/internal/transport"
	"github.com/chengis/chengis/internal/worker"
)

const leaderLockID = "chengis-master"

// coreStore is every storage-layer contract the master wiring needs, both
// dialects (internal/store/devstore, internal/store/pgstore) satisfy this
// without either package knowing about the other.
type coreStore interface {
	ports.JobStore
	ports.BuildStore
	ports.QueueStore
	ports.LeaderStore
	eventbus.Store
	orphanmonitor.BuildLookup
}

// masterApp bundles every long-lived collaborator so Run can start them and,
// through closer, stop them in the right order.
type masterApp struct {
	cfg    sysconfig.Config
	logger ports.Logger

	httpServer *http.Server
	closer     func()

	leaderLoop *leader.Loop
}

func buildMasterApp(ctx context.Context, cfg sysconfig.Config, listenAddr string, logger ports.Logger) (*masterApp, error) {
	var store coreStore
	var closeStore func()

	switch cfg.Database.Type {
	case "production":
		if cfg.Database.DSN == "" {
			return nil, cherrors.New(cherrors.CodeValidation, "database.dsn is required for database.type: production")
		}
		pg, err := pgstore.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, cherrors.Wrap(cherrors.CodeStorageContention, "open production store", err)
		}
		store = pg
		closeStore = pg.Close
	default:
		path := cfg.Database.DSN
		if path == "" {
			path = "chengis-dev.json"
		}
		dev, err := devstore.Open(path)
		if err != nil {
			return nil, cherrors.Wrap(cherrors.CodeStorageContention, "open development store", err)
		}
		store = dev
		closeStore = func() {}
	}

	bus := eventbus.New(store, logger.With("component", "eventbus"), 0)

	var cache agentregistry.Cache
	var redisClient *redis.Client
	if cfg.Distributed.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Distributed.RedisAddr})
		cache = agentregistry.NewRedisCache(redisClient, 2*time.Duration(cfg.Distributed.HeartbeatTimeoutMS)*time.Millisecond)
	}
	agents := agentregistry.NewRegistry(cache, agentregistry.HealthConfig{
		HeartbeatTimeout:        time.Duration(cfg.Distributed.HeartbeatTimeoutMS) * time.Millisecond,
		ResourceAwareScheduling: cfg.FeatureFlags.ResourceAwareScheduling,
	}, logger.With("component", "agent_registry"))
	if cache != nil {
		if err := agents.Hydrate(ctx); err != nil {
			logger.Warn(ctx, "agent registry cache hydrate failed", "error", err)
		}
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: uint32(cfg.Distributed.Dispatch.CircuitBreakerThreshold),
		ResetTimeout:     time.Duration(cfg.Distributed.Dispatch.CircuitBreakerResetMS) * time.Millisecond,
	}, logger.With("component", "breaker"))

	q := queue.NewQueue(store, queue.Config{MaxDequeueAttempts: cfg.Distributed.Dispatch.MaxRetries}, logger.With("component", "queue"))

	agentTx := agentworker.NewHTTPDispatcher(cfg.Distributed.AuthToken, 10*time.Second)

	disp := dispatcher.NewDispatcher(dispatcher.Config{
		DistributedEnabled:  cfg.Distributed.Enabled,
		DistributedDispatch: cfg.FeatureFlags.DistributedDispatch,
		QueueEnabled:        cfg.Distributed.Dispatch.QueueEnabled,
		FallbackLocal:       cfg.Distributed.Dispatch.FallbackLocal,
		MaxRetries:          cfg.Distributed.Dispatch.MaxRetries,
	}, agents, breakers, q, agentTx, logger.With("component", "dispatcher"))

	policyEngine, err := loadPolicyEngine()
	if err != nil {
		return nil, err
	}

	stepTimeout := durationEnv("CHENGIS_STEP_TIMEOUT", 10*time.Minute)
	registry := stepexec.NewRegistry()
	mustRegister(registry, pipeline.StepTypeShell, stepexec.NewShellExecutor(stepTimeout))
	mustRegister(registry, pipeline.StepTypeDocker, stepexec.NewDockerExecutor(stepTimeout, policyEngine))
	mustRegister(registry, pipeline.StepTypeDockerCompose, stepexec.NewDockerComposeExecutor(stepTimeout, policyEngine))
	mustRegister(registry, pipeline.StepTypeTerraform, stepexec.NewTerraformExecutor(stepTimeout, policyEngine))
	mustRegister(registry, pipeline.StepTypePulumi, stepexec.NewPulumiExecutor(stepTimeout, policyEngine))
	mustRegister(registry, pipeline.StepTypeCloudFormation, stepexec.NewCloudFormationExecutor(stepTimeout, policyEngine))

	gates := approval.NewGates(logger.With("component", "approval"))

	postHookGrace := durationEnv("CHENGIS_POST_HOOK_GRACE", 20*time.Second)
	exec := engine.NewEngine(registry,
		engine.WithPolicyEngine(policyEngine),
		engine.WithApprovalWaiter(gates),
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithMatrixCap(cfg.Matrix.MaxCombinations),
		engine.WithPostHookGrace(postHookGrace),
	)

	resolver := pipelinefile.NewResolver(logger.With("component", "pipelinefile"))

	secretBackend, err := buildSecretBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	r := runner.NewRunner(exec, bus, store, store, resolver,
		runner.WithSCMCheckout(scm.NewGitCheckout(1)),
		runner.WithSecretBackend(secretBackend),
		runner.WithArtifactHandler(artifact.NewFilesystemHandler()),
		runner.WithNotifier(notify.NewWebhookNotifier(10*time.Second)),
		runner.WithLogger(logger.With("component", "runner")),
	)

	pool := worker.NewPool(intEnv("CHENGIS_WORKER_CONCURRENCY", 4), logger.With("component", "worker_pool"))

	service := orchestrator.NewService(store, store, disp, r, pool, logger.With("component", "orchestrator"))

	collector := metrics.New(prometheus.DefaultRegisterer)

	processor := queueprocessor.NewProcessor(q, agents, breakers, agentTx, collector, logger.With("component", "queue_processor"), 0)
	monitor := orphanmonitor.NewMonitor(agents, q, store, store, bus, logger.With("component", "orphan_monitor"), 0, durationEnv("CHENGIS_DISPATCH_TIMEOUT", 30*time.Second))

	var leaderStore ports.LeaderStore = store
	elector := leader.NewElector(leaderStore, logger.With("component", "leader"))
	loop := leader.StartLeaderLoop(elector, leaderLockID,
		func(ctx context.Context) {
			logger.Info(ctx, "acquired leadership, starting singleton loops")
			processor.Start(ctx)
			monitor.Start(ctx)
		},
		func(ctx context.Context) {
			logger.Info(ctx, "lost leadership, stopping singleton loops")
			processor.Stop()
			monitor.Stop()
		},
		0,
	)

	masterServer := transport.NewMasterServer(agents, bus, store, service, logger.With("component", "transport"),
		transport.WithSharedSecret(cfg.Distributed.AuthToken),
		transport.WithApprovalGates(gates),
	)
	router := masterServer.Router()
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: listenAddr, Handler: router}

	closer := func() {
		loop.Stop()
		closeStore()
		if redisClient != nil {
			redisClient.Close()
		}
	}

	return &masterApp{cfg: cfg, logger: logger, httpServer: httpServer, closer: closer, leaderLoop: loop}, nil
}

func mustRegister(registry *stepexec.Registry, kind pipeline.StepType, executor ports.StepExecutor) {
	if err := registry.Register(kind, executor); err != nil {
		panic(err) // only happens for a nil executor, which never occurs here
	}
}

func loadPolicyEngine() (ports.PolicyEngine, error) {
	path := os.Getenv("CHENGIS_POLICY_FILE")
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, cherrors.Wrap(cherrors.CodeValidation, "read policy file", err)
	}
	var rules policy.Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, cherrors.Wrap(cherrors.CodeValidation, "parse policy file", err)
	}
	eng, err := policy.NewStaticEngine(rules)
	if err != nil {
		return nil, err
	}
	return eng, nil
}

func buildSecretBackend(ctx context.Context, cfg sysconfig.Config) (ports.SecretBackend, error) {
	switch cfg.Secrets.Backend {
	case "aws-sm":
		return secrets.NewAWSSecretsManagerBackend(ctx, "chengis/global", "chengis/job/")
	default:
		return secrets.NewLocalBackend(), nil
	}
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
