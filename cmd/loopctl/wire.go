package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/valueforge/orchestrator/internal/config"
	"github.com/valueforge/orchestrator/pkg/agent"
	"github.com/valueforge/orchestrator/pkg/agent/anthropicrt"
	"github.com/valueforge/orchestrator/pkg/agent/bedrockrt"
	"github.com/valueforge/orchestrator/pkg/agent/breaker"
	"github.com/valueforge/orchestrator/pkg/agent/httprt"
	"github.com/valueforge/orchestrator/pkg/audit"
	"github.com/valueforge/orchestrator/pkg/decision"
	"github.com/valueforge/orchestrator/pkg/dispatcher"
	"github.com/valueforge/orchestrator/pkg/epicloop"
	"github.com/valueforge/orchestrator/pkg/gitsafety"
	"github.com/valueforge/orchestrator/pkg/guardrails"
	"github.com/valueforge/orchestrator/pkg/humanloop"
	"github.com/valueforge/orchestrator/pkg/lock"
	"github.com/valueforge/orchestrator/pkg/loop"
	"github.com/valueforge/orchestrator/pkg/loopstate"
	"github.com/valueforge/orchestrator/pkg/monitor"
	"github.com/valueforge/orchestrator/pkg/preloop"
	"github.com/valueforge/orchestrator/pkg/prompt"
	"github.com/valueforge/orchestrator/pkg/render"
	"github.com/valueforge/orchestrator/pkg/telemetry"
	"github.com/valueforge/orchestrator/pkg/telemetry/httpserver"
	"github.com/valueforge/orchestrator/pkg/telemetry/metrics"
	"github.com/valueforge/orchestrator/pkg/telemetry/trace"
)

// app is every long-lived component the composition root builds once
// per process and hands to the driver(s). Closing it stops the
// telemetry server, waits for the audit store's final drain and closes
// the prompt watcher; the sprint lock is released separately.
type app struct {
	cfg   *config.Config
	log   logr.Logger
	state *loopstate.LoopState
	store *loopstate.Store
	lk    lock.Locker

	runtime    agent.Runtime
	dispatcher *dispatcher.Dispatcher
	prompts    *prompt.Loader
	git        *gitsafety.Layer
	human      *humanloop.Gate
	roles      map[agent.Role]agent.RoleConfig
	decision   decision.Config
	monitorCfg monitor.Config
	telemetry  loop.Telemetry

	auditStore   *audit.Store
	telemetrySrv *struct{ stop func(context.Context) error }
	promptWatch  *prompt.Watcher
}

func newLogger(cfg config.LoggingConfig) (logr.Logger, *zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Level == "debug" {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	if cfg.Format == "console" {
		zc.Encoding = "console"
	}
	zl, err := zc.Build()
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return zapr.NewLogger(zl), zl, nil
}

func buildRuntime(ctx context.Context, cfg config.RuntimeConfig) (agent.Runtime, error) {
	switch cfg.Provider {
	case config.RuntimeProviderAnthropic:
		return anthropicrt.New(anthropicrt.Config{
			APIKey:    cfg.APIKey,
			MaxTokens: int64(cfg.MaxTokens),
		}), nil
	case config.RuntimeProviderBedrock:
		// Endpoint carries the AWS region for Bedrock; there is no
		// separate endpoint override for this provider.
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Endpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config for bedrock runtime: %w", err)
		}
		return bedrockrt.New(bedrockrt.Config{
			Client:    bedrockruntime.NewFromConfig(awsCfg),
			ModelID:   cfg.Model,
			MaxTokens: int32(cfg.MaxTokens),
		}), nil
	case config.RuntimeProviderHTTP:
		return httprt.New(httprt.Config{
			Endpoint: cfg.Endpoint,
			Model:    cfg.Model,
			Timeout:  cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported runtime provider: %s", cfg.Provider)
	}
}

func buildLock(cfg config.LockConfig) (lock.Locker, error) {
	switch cfg.Kind {
	case config.LockKindFile:
		return lock.NewFileLock(cfg.Path), nil
	case config.LockKindRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return lock.NewRedisLock(client, cfg.RedisKey, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported lock kind: %s", cfg.Kind)
	}
}

func buildHumanGate(cfg config.HumanLoopConfig, log logr.Logger) *humanloop.Gate {
	var notifier humanloop.Notifier
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		notifier = humanloop.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel)
	}
	return humanloop.New(os.Stdout, notifier, log)
}

// buildAudit opens the optional Postgres mirror (via lib/pq or
// jackc/pgx/v5's stdlib adapter, selected by cfg.Driver) and runs its
// migrations. When auditing is disabled it returns a nil *audit.Store,
// which close skips.
func buildAudit(ctx context.Context, cfg config.AuditConfig, log logr.Logger) (*audit.Store, *sql.DB, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := audit.Migrate(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	repo := audit.NewRepository(db, cfg.Driver, log)
	store := audit.NewStore(repo, log)
	go store.Run(ctx)
	return store, db, nil
}

func buildTelemetry(cfg config.TelemetryConfig) (loop.Telemetry, func(context.Context) error) {
	reg := metrics.NewMetrics()
	lt := telemetry.New(reg)
	if !cfg.Enabled {
		return lt, func(context.Context) error { return nil }
	}

	srv := httpserver.New(httpserver.Config{Addr: cfg.Addr, AllowedOrigins: cfg.AllowedOrigins})
	go func() {
		_ = httpserver.Serve(context.Background(), srv)
	}()
	return lt, srv.Shutdown
}

// build assembles every component from cfg, loading (or creating)
// the sprint's state file along the way.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	log, _, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	if _, err := trace.NewProvider("loopctl"); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	runtime, err := buildRuntime(ctx, cfg.Runtime)
	if err != nil {
		return nil, err
	}
	wrapped := breaker.New(runtime, breaker.Config{
		MaxConsecutiveFailures: cfg.Breaker.MaxConsecutiveFailures,
		OpenTimeout:            cfg.Breaker.OpenTimeout,
		MaxRetries:             cfg.Breaker.MaxRetries,
		InitialBackoff:         cfg.Breaker.InitialBackoff,
	})

	lk, err := buildLock(cfg.Lock)
	if err != nil {
		return nil, err
	}

	store := loopstate.NewStore(cfg.Storage.StatePath, log)
	var state *loopstate.LoopState
	if store.Exists() {
		state, err = store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sprint state: %w", err)
		}
	} else {
		state = loopstate.New(cfg.Loop.SprintID)
	}

	lt, stopTelemetry := buildTelemetry(cfg.Telemetry)

	auditStore, _, err := buildAudit(ctx, cfg.Audit, log)
	if err != nil {
		return nil, err
	}

	promptWatch, err := prompt.WatchDir(cfg.Loop.PromptsDir, log)
	if err != nil {
		log.Error(err, "prompt directory watch disabled", "dir", cfg.Loop.PromptsDir)
	}

	return &app{
		cfg:        cfg,
		log:        log,
		state:      state,
		store:      store,
		lk:         lk,
		runtime:    wrapped,
		dispatcher: dispatcher.New(log, guardrails.Config{
			SimilarityThreshold: cfg.Guardrails.SimilarityThreshold,
			MaxMidLoopTasks:     cfg.Guardrails.MaxMidLoopTasks,
			MaxDescriptionChars: cfg.Guardrails.MaxDescriptionChars,
			MaxExpectedFiles:    cfg.Guardrails.MaxExpectedFiles,
		}, nil),
		prompts:    prompt.NewLoader(cfg.Loop.PromptsDir),
		git:        gitsafety.New(cfg.Loop.RepoRoot, cfg.Loop.SprintDir, log),
		human:      buildHumanGate(cfg.HumanLoop, log),
		roles:      agent.DefaultRoleConfigs(),
		decision: decision.Config{
			MaxNoProgress:              cfg.Decision.MaxNoProgress,
			MaxCourseCorrections:       cfg.Decision.MaxCourseCorrections,
			GenerateVerificationsAfter: cfg.Decision.GenerateVerificationsAfter,
			MaxFixAttempts:             cfg.Decision.MaxFixAttempts,
			CriticalEvalInterval:       cfg.Decision.CriticalEvalInterval,
			VRCShipReadyThreshold:      cfg.Decision.VRCShipReadyThreshold,
			ServicesHealthy:            func() bool { return true },
		},
		monitorCfg: monitor.Config{
			VelocityAlpha:        cfg.Monitor.VelocityAlpha,
			MonolithLines:        cfg.Monitor.MonolithLines,
			LongFunctionLines:    cfg.Monitor.LongFunctionLines,
			RapidGrowthPct:       cfg.Monitor.RapidGrowthPct,
			ConcentrationPct:     cfg.Monitor.ConcentrationPct,
			DuplicateMinLines:    cfg.Monitor.DuplicateMinLines,
			MaxDuplicateTasks:    cfg.Monitor.MaxDuplicateTasks,
			LowTestRatioFloor:    cfg.Monitor.LowTestRatioFloor,
			MinIterations:        cfg.Monitor.MinIterations,
			ChurnYellowCount:     cfg.Monitor.ChurnYellowCount,
			ChurnRedCount:        cfg.Monitor.ChurnRedCount,
			ErrorRecurrenceRed:   cfg.Monitor.ErrorRecurrenceRed,
			BudgetNearExhaustion: cfg.Monitor.BudgetNearExhaustion,
		},
		telemetry:    lt,
		auditStore:   auditStore,
		telemetrySrv: &struct{ stop func(context.Context) error }{stop: stopTelemetry},
		promptWatch:  promptWatch,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if a.telemetrySrv != nil {
		_ = a.telemetrySrv.stop(ctx)
	}
	if a.auditStore != nil {
		<-a.auditStore.Done()
	}
	if a.promptWatch != nil {
		_ = a.promptWatch.Close()
	}
}

func (a *app) newPreLoop(epicID string) *preloop.Driver {
	plCfg := preloop.DefaultConfig(a.cfg.Loop.RepoRoot)
	plCfg.EpicID = epicID
	return preloop.New(preloop.Dependencies{
		Runtime:    a.runtime,
		Dispatcher: a.dispatcher,
		Prompts:    a.prompts,
		Git:        a.git,
		HumanGate:  a.human,
		Roles:      a.roles,
		Log:        a.log,
	}, plCfg)
}

func (a *app) newLoop(epicID string) *loop.Driver {
	return loop.New(loop.Dependencies{
		Runtime:    a.runtime,
		Dispatcher: a.dispatcher,
		Store:      a.store,
		Lock:       a.lk,
		Prompts:    a.prompts,
		Renderer:   render.New(a.cfg.Loop.SprintDir),
		HumanGate:  a.human,
		Telemetry:  a.telemetry,
		Log:        a.log,
		Decision:   a.decision,
		Monitor:    a.monitorCfg,
		Roles:      a.roles,
	}, loop.Config{
		MaxIterations: a.cfg.Loop.MaxIterations,
		TokenBudget:   a.cfg.Loop.TokenBudget,
		RepoRoot:      a.cfg.Loop.RepoRoot,
	})
}

func (a *app) newEpicLoop() *epicloop.Driver {
	return epicloop.New(epicloop.Dependencies{
		Runtime:    a.runtime,
		Dispatcher: a.dispatcher,
		Prompts:    a.prompts,
		Git:        a.git,
		HumanGate:  a.human,
		Roles:      a.roles,
		Log:        a.log,
		NewPreLoop: a.newPreLoop,
		NewLoop:    a.newLoop,
	}, epicloop.Config{BoundaryTimeout: a.cfg.Loop.BoundaryTimeout})
}
