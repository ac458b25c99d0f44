package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/topfeed/topfeed/internal/config"
	"github.com/topfeed/topfeed/internal/db"
	dbRedis "github.com/topfeed/topfeed/internal/db/redis"
	"github.com/topfeed/topfeed/internal/domain"
	logpkg "github.com/topfeed/topfeed/internal/logger"
	"github.com/topfeed/topfeed/internal/metrics"
	eventrepo "github.com/topfeed/topfeed/internal/repository/event"
	itemrepo "github.com/topfeed/topfeed/internal/repository/item"
	profilerepo "github.com/topfeed/topfeed/internal/repository/profile"
	rolloutrepo "github.com/topfeed/topfeed/internal/repository/rollout"
	chiTransport "github.com/topfeed/topfeed/internal/transport/chi"
	openaiEmb "github.com/topfeed/topfeed/internal/transport/openai"
	cataloguc "github.com/topfeed/topfeed/internal/usecase/catalog"
	diversifyuc "github.com/topfeed/topfeed/internal/usecase/diversify"
	embeddinguc "github.com/topfeed/topfeed/internal/usecase/embedding"
	eventsuc "github.com/topfeed/topfeed/internal/usecase/events"
	explainuc "github.com/topfeed/topfeed/internal/usecase/explain"
	feeduc "github.com/topfeed/topfeed/internal/usecase/feed"
	healthuc "github.com/topfeed/topfeed/internal/usecase/health"
	profileuc "github.com/topfeed/topfeed/internal/usecase/profile"
	rerankuc "github.com/topfeed/topfeed/internal/usecase/rerank"
	retrievaluc "github.com/topfeed/topfeed/internal/usecase/retrieval"
	rolloutuc "github.com/topfeed/topfeed/internal/usecase/rollout"
	uservectoruc "github.com/topfeed/topfeed/internal/usecase/uservector"
	"github.com/topfeed/topfeed/internal/version"
)

const defaultVectorDim = 256

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting topfeed API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	// rueidis speaks RESP to both valkey and redis; one store serves either.
	var store db.Store
	switch cfg.Database.Driver {
	case "valkey", "redis":
		store, err = dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Password: cfg.Database.Password,
		})
	default:
		logger.Fatal("Unknown database driver", zap.String("driver", cfg.Database.Driver))
	}
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Register metrics explicitly (no init())
	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterFeedMetrics()

	// Embedder chain — composition root
	vecCfg := cfg.Embedding.Vectorizer
	vectorDim := vecCfg.Dimensions
	if vectorDim == 0 {
		vectorDim = defaultVectorDim
	}

	var embedder domain.BatchEmbedder
	var embHealth healthuc.EmbeddingChecker
	if vecCfg.Provider != "" {
		provCfg := cfg.Embedding.Providers[vecCfg.Provider]

		var budget *embeddinguc.BudgetTracker
		budgetCfg := provCfg.Budget
		if budgetCfg.DailyTokenLimit > 0 || budgetCfg.MonthlyTokenLimit > 0 {
			action := embeddinguc.BudgetActionWarn
			if budgetCfg.Action == "reject" {
				action = embeddinguc.BudgetActionReject
			}
			budget = embeddinguc.NewBudgetTracker(
				vecCfg.Provider, budgetCfg.DailyTokenLimit, budgetCfg.MonthlyTokenLimit, action, logger,
			)
			// Connect persistence — loads current counters from the store.
			budget.WithStore(ctx, store)
		}

		// Pass nil interface (not typed nil pointer!) if budget is not configured.
		// Go gotcha: (*BudgetTracker)(nil) wrapped in BudgetChecker != nil.
		var budgetChecker embeddinguc.BudgetChecker
		if budget != nil {
			budgetChecker = budget
		}

		base := openaiEmb.NewEmbedder(&openaiEmb.Config{
			APIKey:     provCfg.APIKey,
			BaseURL:    provCfg.BaseURL,
			Model:      vecCfg.Model,
			Dimensions: vecCfg.Dimensions,
			Provider:   vecCfg.Provider,
			Logger:     logger,
		})
		embHealth = base

		instrumented := embeddinguc.NewInstrumentedEmbedder(
			base, vecCfg.Provider, vecCfg.Model, budgetChecker, logger,
		)
		embedder = instrumented
		if vecCfg.Instruction != "" {
			embedder = domain.NewInstructionEmbedder(instrumented, vecCfg.Instruction)
		}

		logger.Info("Embedder created",
			zap.String("provider", vecCfg.Provider),
			zap.String("model", vecCfg.Model),
			zap.Int("dimensions", vectorDim),
		)
	} else {
		logger.Warn("No embedding provider configured; serving from stored vectors only")
	}

	// Repositories
	itemRepo := itemrepo.New(store)
	if err := itemRepo.EnsureIndex(ctx, vectorDim, itemrepo.HNSWConfig{
		M:           cfg.Index.HNSWM,
		EFConstruct: cfg.Index.HNSWEFConstruct,
	}); err != nil {
		logger.Fatal("Failed to ensure item index", zap.Error(err))
	}
	eventRepo := eventrepo.New(store)
	profileRepo := profilerepo.New(store)
	rolloutRepo := rolloutrepo.New(store)

	// Use case services
	vectorsSvc := uservectoruc.New(eventRepo, itemRepo, uservectoruc.Config{
		HistoryK:     cfg.Feed.HistoryK,
		HalfLifeDays: cfg.Feed.HalfLifeDays,
	})
	retrievalSvc := retrievaluc.New(itemRepo, eventRepo, eventRepo, profileRepo, itemRepo, retrievaluc.Config{
		CandidatePoolN:   cfg.Feed.CandidatePoolN,
		ExploreRatio:     cfg.Feed.ExploreRatio,
		ExcludeRecentM:   cfg.Feed.ExcludeRecentM,
		MaxExploreNodes:  cfg.Feed.MaxExploreNodes,
		FreshWindowHours: cfg.Feed.FreshWindowHours,
		FreshRatio:       cfg.Feed.FreshRatio,
	})
	rerankSvc := rerankuc.New(rerankuc.Config{
		ModelPath:  cfg.Reranker.ModelPath,
		ConfigPath: cfg.Reranker.ConfigPath,
		Logger:     logger,
	})
	diversifySvc := diversifyuc.New(profileRepo, diversifyuc.Config{
		MaxCategories:    cfg.Feed.MaxCategories,
		MaxSubcategories: cfg.Feed.MaxSubcategories,
	})
	rolloutSvc := rolloutuc.New(rolloutRepo, eventRepo, rolloutuc.Config{
		Defaults: domain.RolloutConfig{
			CanaryEnabled:       cfg.Rollout.CanaryEnabled,
			CanaryPercent:       cfg.Rollout.CanaryPercent,
			ControlModelVersion: cfg.Rollout.ControlModelVersion,
			CanaryModelVersion:  cfg.Rollout.CanaryModelVersion,
			CanaryAutoDisable:   cfg.Rollout.CanaryAutoDisable,
		},
		WindowMinutes:         cfg.Rollout.WindowMinutes,
		CTRDropThreshold:      cfg.Rollout.CTRDropThreshold,
		NoveltySpikeThreshold: cfg.Rollout.NoveltySpikeThreshold,
	})
	profileSvc := profileuc.New(eventRepo, profileRepo, profileuc.Config{
		WindowHours:  cfg.Profile.WindowHours,
		HalfLifeDays: cfg.Profile.HalfLifeDays,
	})
	explainSvc := explainuc.New(profileRepo)
	eventsSvc := eventsuc.New(eventRepo, itemRepo)
	catalogSvc := cataloguc.New(itemRepo)
	feedSvc := feeduc.New(
		rolloutSvc, vectorsSvc, retrievalSvc, rerankSvc, diversifySvc, explainSvc,
		feeduc.Config{
			DefaultTopN:         cfg.Feed.DefaultTopN,
			DefaultExploreLevel: cfg.Feed.DefaultExploreLevel,
		},
		logger,
	)
	healthSvc := healthuc.New(store, embHealth)

	if n, err := catalogSvc.Count(ctx); err == nil {
		logger.Info("Item catalog loaded", zap.Int("items", n))
	}

	server := chiTransport.NewServer(feedSvc, eventsSvc, catalogSvc, profileSvc, rolloutSvc, healthSvc, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	// Background jobs
	if !cfg.Jobs.DisableSchedule {
		sched := startJobs(cfg.Jobs, profileSvc, rolloutSvc, eventRepo, itemRepo, embedder, logger)
		defer sched.Stop()
	}

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// startJobs schedules the maintenance loops: incremental profile updates,
// the canary guardrail sweep, embedding backfill and event-log trimming.
// SkipIfStillRunning keeps each job single-flight; the profile updater in
// particular must stay a single writer because of its watermark.
func startJobs(
	jobsCfg config.JobsConfig,
	profiles *profileuc.Service,
	rollouts *rolloutuc.Service,
	events *eventrepo.Repo,
	items *itemrepo.Repo,
	embedder domain.BatchEmbedder,
	logger *zap.Logger,
) *cron.Cron {
	cronLog := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	sched := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLog),
		cron.Recover(cronLog),
	))

	mustAdd := func(name, spec string, job func()) {
		if _, err := sched.AddFunc(spec, job); err != nil {
			logger.Fatal("Invalid cron spec", zap.String("job", name), zap.String("spec", spec), zap.Error(err))
		}
	}

	mustAdd("profile_update", jobsCfg.TopUpdateCron, func() {
		report, err := profiles.UpdateIncremental(context.Background())
		if err != nil {
			logger.Error("Profile update failed", zap.Error(err))
			return
		}
		logger.Info("Profiles updated",
			zap.Int("users", report.UsersProcessed),
			zap.Int("nodes", report.NodesWritten),
		)
	})

	mustAdd("guardrail", jobsCfg.GuardrailCron, func() {
		report, err := rollouts.CheckGuardrail(context.Background(), rolloutuc.GuardrailParams{})
		if err != nil {
			logger.Error("Guardrail check failed", zap.Error(err))
			return
		}
		outcome := "pass"
		switch {
		case report.AutoDisabled:
			outcome = "auto_disabled"
		case report.RollbackRecommended:
			outcome = "rollback"
		}
		metrics.GuardrailChecksTotal.WithLabelValues(outcome).Inc()
		if outcome != "pass" {
			logger.Warn("Guardrail breached",
				zap.String("outcome", outcome),
				zap.Float64("ctr_drop", report.CTRDrop),
			)
		}
	})

	if embedder != nil {
		backfill := embeddinguc.NewBackfill(items, embedder, jobsCfg.BackfillBatch, logger)
		mustAdd("embedding_backfill", jobsCfg.BackfillCron, func() {
			n, err := backfill.Run(context.Background())
			if err != nil {
				logger.Error("Embedding backfill failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("Embeddings backfilled", zap.Int("items", n))
			}
		})
	}

	mustAdd("event_trim", jobsCfg.EventTrimCron, func() {
		if err := events.TrimEvents(context.Background(), jobsCfg.EventKeep); err != nil {
			logger.Error("Event trim failed", zap.Error(err))
		}
	})

	sched.Start()
	logger.Info("Background jobs scheduled",
		zap.String("profile_update", jobsCfg.TopUpdateCron),
		zap.String("guardrail", jobsCfg.GuardrailCron),
		zap.String("event_trim", jobsCfg.EventTrimCron),
	)
	return sched
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.WithContext(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
