// Package app wires the claim pipeline's components together and drives
// the process lifecycle, grounded on the teacher's Run(ctx, cfg) shape:
// build every dependency once at startup, dispatch on cfg.Mode, and shut
// down cleanly on context cancellation.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/sbsmw/claimproc/internal/config"
	"github.com/sbsmw/claimproc/internal/httpserver"
	"github.com/sbsmw/claimproc/internal/platform"
	"github.com/sbsmw/claimproc/internal/ratelimit"
	"github.com/sbsmw/claimproc/internal/telemetry"
	"github.com/sbsmw/claimproc/internal/version"
	"github.com/sbsmw/claimproc/pkg/cache"
	"github.com/sbsmw/claimproc/pkg/catalogue"
	"github.com/sbsmw/claimproc/pkg/gateway"
	"github.com/sbsmw/claimproc/pkg/normalize"
	"github.com/sbsmw/claimproc/pkg/orchestrator"
	"github.com/sbsmw/claimproc/pkg/pricing"
	"github.com/sbsmw/claimproc/pkg/signer"
	"github.com/sbsmw/claimproc/pkg/submission"
)

// Run builds every dependency from cfg and drives the process in either
// "api" or "worker" mode until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting claimproc", "mode", cfg.Mode, "version", version.String())

	shutdownTracer, err := telemetry.InitTracer(ctx, "claimproc", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBPoolMin, cfg.DBPoolMax)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	store := catalogue.NewStore(pool)
	normalizer := buildNormalizer(cfg, store, rdb, logger)
	pricer := pricing.NewResolver(store)
	signerSvc := signer.New(signer.NewCachedCertStore(store, cfg.SignerCertCacheMax, cfg.CacheTTLTier), signer.EnvKeyStore{}, 2048)

	txnlog := orchestrator.NewTxnLog(pool)
	gatewayCli := gateway.New(gatewayConfig(cfg), gateway.EnvTokenSource{Ref: cfg.NPHIESTokenRef}, txnlog)

	orch := orchestrator.New(pool, txnlog, cfg.PipelineInflightMax, orchestratorDeadlines(cfg), normalizer, pricer, signerSvc, gatewayCli)

	switch cfg.Mode {
	case "worker":
		return runWorker(ctx, cfg, logger, txnlog, rdb)
	default:
		return runAPI(ctx, cfg, logger, pool, rdb, metricsReg, orch)
	}
}

// buildNormalizer wires the Normalizer's cache-then-DB-then-AI chain. The
// AI suggestion capability is only dialed out to when ai.enabled is true;
// otherwise the Normalizer degrades to db-or-not-found, per §4.4.2.
func buildNormalizer(cfg *config.Config, store *catalogue.Store, rdb *redis.Client, logger *slog.Logger) *normalize.Normalizer {
	local := cache.NewLocal(cfg.CacheLocalMax)
	shared := cache.NewShared(rdb, logger, cfg.CacheSharedBudget)
	tiered := cache.NewTiered(local, shared)

	var ai normalize.AISuggester = normalize.NoopAISuggester{}
	if cfg.AIEnabled {
		ai = normalize.NewHTTPAISuggester(cfg.AIBaseURL, resolveEnvRef(cfg.AITokenRef), cfg.AITimeout)
	}

	return normalize.New(store, tiered, ai, normalize.Config{
		TTLDB:           cfg.CacheTTLSBS,
		TTLAI:           cfg.CacheTTLAI,
		BreakerFailures: cfg.AIBreakerFailures,
		BreakerWindow:   cfg.AIBreakerWindow,
		BreakerCooldown: cfg.AIBreakerCooldown,
	})
}

// resolveEnvRef reads the environment variable named by ref, accepting
// either "env:NAME" or a bare "NAME". Unlike gateway.EnvTokenSource it
// resolves once at startup: the AI suggester is a lower-stakes, best
// effort capability (§4.4.2) that does not need per-call token rotation.
func resolveEnvRef(ref string) string {
	name := strings.TrimPrefix(ref, "env:")
	return os.Getenv(name)
}

// gatewayConfig maps the flat env-driven config into gateway.Config.
func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		BaseURL:         cfg.NPHIESBaseURL,
		TokenRef:        cfg.NPHIESTokenRef,
		ConnectTimeout:  cfg.NPHIESConnectTimeout,
		RequestTimeout:  cfg.NPHIESRequestTimeout,
		RetriesMax:      cfg.NPHIESRetriesMax,
		BackoffBase:     cfg.NPHIESBackoffBase,
		BackoffCap:      cfg.NPHIESBackoffCap,
		BreakerWindow:   cfg.NPHIESBreakerWindow,
		BreakerFailRate: cfg.NPHIESBreakerFailRate,
		BreakerCooldown: cfg.NPHIESBreakerCooldown,
	}
}

func orchestratorDeadlines(cfg *config.Config) orchestrator.Deadlines {
	return orchestrator.Deadlines{
		Normalize: cfg.StageDeadlineNormalize,
		Price:     cfg.StageDeadlinePrice,
		Sign:      cfg.StageDeadlineSign,
		Submit:    cfg.StageDeadlineSubmit,
		Abandon:   cfg.StageAbandonGrace,
	}
}

// runAPI serves the Submission API until ctx is cancelled, then drains
// in-flight requests within a bounded grace period — the teacher's runAPI
// shutdown shape (ListenAndServe in a goroutine, select on ctx.Done() vs a
// serve-error channel, bounded Shutdown), generalized to also close the
// rate limiters' background sweep goroutines.
func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, orch *orchestrator.Orchestrator) error {
	srv := httpserver.NewServer(cfg, logger, pool, rdb, metricsReg)

	claimLimiter := ratelimit.New(cfg.RateLimitWindow, cfg.APIRPMClaim, cfg.RateLimitTrackedMax, cfg.RateLimitCleanup)
	defer claimLimiter.Close()
	statusLimiter := ratelimit.New(cfg.RateLimitWindow, cfg.APIRPMStatus, cfg.RateLimitTrackedMax, cfg.RateLimitCleanup)
	defer statusLimiter.Close()

	submissionHandler := submission.NewHandler(logger, orch, claimLimiter, statusLimiter)
	srv.APIRouter.Mount("/", submissionHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs the Reconciler sweep loop until ctx is cancelled — the
// background half of the pipeline (§4.8 "Reconciliation"), mirroring the
// teacher's runWorker (one long-lived Engine.Run(ctx) call).
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, txnlog *orchestrator.TxnLog, rdb *redis.Client) error {
	logger.Info("worker started")
	reconciler := orchestrator.NewReconciler(txnlog, rdb, logger, cfg.ReconcileInterval, cfg.ReconcileStuckAfter)
	return reconciler.Run(ctx)
}
