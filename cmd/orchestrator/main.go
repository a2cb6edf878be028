// File: cmd/orchestrator/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"content-pipeline/internal/config"
	"content-pipeline/internal/domain/ports/adapter"
	"content-pipeline/internal/domain/ports/repository"
	aiAdapters "content-pipeline/internal/infra/adapters/ai"
	tele "content-pipeline/internal/infra/adapters/telegram"
	"content-pipeline/internal/infra/api"
	apiv1 "content-pipeline/internal/infra/api/apiv1"
	"content-pipeline/internal/infra/artifacts"
	"content-pipeline/internal/infra/db/memory"
	pg "content-pipeline/internal/infra/db/postgres"
	"content-pipeline/internal/infra/events"
	"content-pipeline/internal/infra/logging"
	"content-pipeline/internal/infra/metrics"
	red "content-pipeline/internal/infra/redis"
	"content-pipeline/internal/infra/sched"
	"content-pipeline/internal/infra/stages"
	"content-pipeline/internal/infra/worker"
	"content-pipeline/internal/usecase"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

type stores struct {
	jobs      repository.JobRepository
	events    repository.EventRepository
	artifacts repository.ArtifactRepository
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, verbose secrets)")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		// no logger yet
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Str("path", *cfgPath).Msg("config")
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	g, gctx := errgroup.WithContext(ctx)

	// ---- Storage ----
	var st stores
	switch cfg.Database.Driver {
	case "memory":
		mem := memory.New()
		st = stores{jobs: mem, events: mem, artifacts: mem}
		logger.Warn().Msg("using in-memory ledger; state is lost on exit")
	default:
		pool, err := pg.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres")
		}
		defer pool.Close()
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx, pool); err != nil {
				logger.Fatal().Err(err).Msg("migrate")
			}
		}
		tm := pg.NewTxManager(pool)
		st = stores{
			jobs:      pg.NewJobRepo(pool, tm),
			events:    pg.NewEventRepo(pool, tm),
			artifacts: pg.NewArtifactRepo(pool, tm),
		}
		g.Go(func() error { pg.ReportPoolStats(gctx, pool, 15*time.Second); return nil })
	}

	// ---- Events: local hub, optionally relayed across processes ----
	hub := events.NewHub(cfg.Events.SubscriberBuffer, logger)
	var publisher adapter.EventPublisher = hub

	// ---- Redis ----
	var (
		locker  red.Locker
		limiter api.Limiter
	)
	if cfg.Redis.Enabled {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer redisClient.Close()
		locker = red.NewLocker(redisClient)
		limiter = red.NewRateLimiter(redisClient)
		relay := red.NewEventRelay(redisClient, hub, logger)
		publisher = relay
		g.Go(func() error { return relay.Run(gctx) })
	}
	jobs := events.NewPublishingJobs(st.jobs, publisher)
	eventLog := events.NewPublishingEvents(st.events, publisher)

	// ---- Artifact store ----
	store, err := artifacts.New(cfg.Artifacts.Root)
	if err != nil {
		logger.Fatal().Err(err).Msg("artifact store")
	}

	// ---- Text generation ----
	gens, err := buildGenerators(ctx, cfg.AI, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ai providers")
	}
	registry, err := stages.Build(cfg.Stages, stages.Deps{
		Generators:   gens,
		TestGen:      gens["noop"],
		Counter:      aiAdapters.NewTiktokenCounter(),
		Snapshots:    store,
		Provider:     cfg.AI.Provider,
		DefaultModel: cfg.AI.DefaultModel,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("stages")
	}
	logger.Info().Strs("stages", registry.Names()).Str("provider", cfg.AI.Provider).Msg("stage registry ready")

	// ---- Operator notifications ----
	var notifier adapter.OperatorNotifier
	if cfg.Notify.Telegram.Token != "" {
		notifier, err = tele.NewGateNotifier(cfg.Notify.Telegram)
		if err != nil {
			logger.Fatal().Err(err).Msg("telegram")
		}
	} else {
		notifier = tele.NewNoopNotifier(*logger)
	}
	pool := worker.NewPool(cfg.Worker.NotifyWorkers, cfg.Worker.NotifyQueue, logger)
	pool.Start(gctx)
	defer pool.Stop()

	// ---- Orchestrator ----
	slot := worker.NewSlot(locker, cfg.Redis.TTL, logger)
	runner := worker.NewRunner(worker.RunnerDeps{
		Jobs:             jobs,
		Artifacts:        st.artifacts,
		Stages:           registry,
		Workspace:        store,
		Slot:             slot,
		Notifier:         notifier,
		Pool:             pool,
		PollInterval:     cfg.Worker.PollInterval,
		MaxStageDuration: cfg.Worker.MaxStageDuration,
		RecoveryPolicy:   cfg.Worker.RecoveryPolicy,
	}, logger)
	recovery := worker.NewRecovery(jobs, st.events, slot, cfg.Worker.RecoveryPolicy, logger)

	jobUC := usecase.NewJobUseCase(jobs, eventLog, st.artifacts, hub, usecase.JobDefaults{
		Plan:  registry.Names(),
		Gates: cfg.Gates,
	}, runner, logger)

	// Recovery must settle abandoned jobs before the runner claims any.
	if _, err := recovery.Run(ctx); err != nil && !errors.Is(err, worker.ErrSlotBusy) {
		logger.Fatal().Err(err).Msg("startup recovery")
	}
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return sched.NewGateWatcher(cfg.Worker.GateCheckInterval, jobUC, logger).Run(gctx) })
	if cfg.Worker.ReconcileInterval > 0 {
		g.Go(func() error {
			return sched.NewReconcileWorker(cfg.Worker.ReconcileInterval, recovery, logger).Run(gctx)
		})
	}

	// ---- HTTP ----
	auth := api.NewAuthenticator(cfg.Server.APIToken, cfg.Server.JWTSecret, logger)
	handler := apiv1.NewRouter(apiv1.RouterDeps{
		Server:         apiv1.NewServer(jobUC, cfg.Events.Heartbeat, logger),
		Auth:           auth,
		Limiter:        limiter,
		RateLimit:      cfg.Server.RateLimit.Requests,
		RateWindow:     cfg.Server.RateLimit.Window,
		RequestTimeout: cfg.Server.RequestTimeout,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Metrics:        promhttp.Handler(),
	}, logger)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("version", version).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ---- Graceful shutdown ----
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown requested")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("orchestrator stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("bye")
}

// buildGenerators returns every configured text provider by name, each
// metered and capped, plus "auto" which routes by model name. "noop" is
// always present; it also serves jobs submitted in testing mode.
func buildGenerators(ctx context.Context, cfg config.AIConfig, logger *zerolog.Logger) (map[string]adapter.TextGenerator, error) {
	raw := map[string]adapter.TextGenerator{
		"noop": aiAdapters.NewNoopGenerator(*logger),
	}
	if cfg.OpenAIKey != "" || cfg.OpenAIBaseURL != "" {
		g, err := aiAdapters.NewOpenAIGenerator(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.DefaultModel)
		if err != nil {
			return nil, err
		}
		raw["openai"] = g
		logger.Info().Str("base", cfg.OpenAIBaseURL).Str("key", logging.Redact(cfg.OpenAIKey, false)).Msg("AI provider: OpenAI")
	}
	if cfg.GeminiKey != "" {
		g, err := aiAdapters.NewGeminiGenerator(ctx, cfg.GeminiKey, cfg.GeminiURL, cfg.DefaultModel)
		if err != nil {
			return nil, err
		}
		raw["gemini"] = g
		logger.Info().Str("base", cfg.GeminiURL).Msg("AI provider: Gemini")
	}

	gens := make(map[string]adapter.TextGenerator, len(raw)+1)
	for name, g := range raw {
		gens[name] = aiAdapters.NewLimited(aiAdapters.NewObserved(name, g), cfg.ConcurrentLimit)
	}
	def := "noop"
	for _, p := range []string{"gemini", "openai"} {
		if _, ok := gens[p]; ok {
			def = p
		}
	}
	gens["auto"] = aiAdapters.NewMultiGenerator(def, cloneGenerators(gens), cfg.Models)
	return gens, nil
}

func cloneGenerators(in map[string]adapter.TextGenerator) map[string]adapter.TextGenerator {
	out := make(map[string]adapter.TextGenerator, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
