// Command rapport is the main entry point for the Rapport chat-coach server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/rapportlabs/rapport/internal/adapter"
	"github.com/rapportlabs/rapport/internal/audit"
	"github.com/rapportlabs/rapport/internal/cache"
	"github.com/rapportlabs/rapport/internal/config"
	"github.com/rapportlabs/rapport/internal/observe"
	"github.com/rapportlabs/rapport/internal/orchestrator"
	"github.com/rapportlabs/rapport/internal/predict"
	"github.com/rapportlabs/rapport/internal/profile"
	"github.com/rapportlabs/rapport/internal/prompt"
	"github.com/rapportlabs/rapport/internal/promptreg"
	"github.com/rapportlabs/rapport/internal/screenshot"
	"github.com/rapportlabs/rapport/internal/server"
	"github.com/rapportlabs/rapport/internal/stages"
	"github.com/rapportlabs/rapport/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "rapport: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "rapport: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("rapport starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "rapport"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Database-backed sinks (optional) ──────────────────────────────────────
	var (
		profileStore profile.Store
		auditSink    audit.Sink
	)
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("failed to create database pool", "err", err)
			return 1
		}
		defer pool.Close()

		pstore := profile.NewPostgresStore(pool)
		if err := pstore.Migrate(ctx); err != nil {
			slog.Error("profile schema migration failed", "err", err)
			return 1
		}
		profileStore = pstore

		psink := audit.NewPostgresSink(pool)
		if err := psink.Migrate(ctx); err != nil {
			slog.Error("audit schema migration failed", "err", err)
			return 1
		}
		auditSink = psink
		slog.Info("database connected", "profiles", "postgres", "audit", "postgres")
	} else {
		slog.Info("no database configured — profiles in memory, audit to log")
	}
	auditor := audit.NewLogger(auditSink)

	// ── Session cache ─────────────────────────────────────────────────────────
	var backend cache.Backend
	if cfg.Cache.Backend == config.CacheRedis {
		backend = cache.NewRedis(cache.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TTL:      time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		})
	}
	sessionCache := cache.New(backend)
	sessionCache.Start(ctx)
	defer sessionCache.Stop(context.Background())

	// ── LLM adapter ───────────────────────────────────────────────────────────
	llm := adapter.New(cfg.LLM,
		adapter.WithBilling(audit.NewBillingBridge(auditor)),
		adapter.WithMetrics(metrics),
		adapter.WithTimeout(time.Duration(cfg.Pipeline.TimeoutSeconds)*time.Second),
	)

	// ── Prompt layer ──────────────────────────────────────────────────────────
	reg, err := promptreg.Open(cfg.Prompt.Dir)
	if err != nil {
		slog.Error("failed to open prompt registry", "err", err, "dir", cfg.Prompt.Dir)
		return 1
	}
	asm, err := prompt.New(reg, cfg.Prompt)
	if err != nil {
		slog.Error("failed to build prompt assembler", "err", err)
		return 1
	}

	// ── Pipeline stages ───────────────────────────────────────────────────────
	profiles := profile.NewFacade(profileStore)
	failOpen := true
	if cfg.Pipeline.IntimacyFailOpen != nil {
		failOpen = *cfg.Pipeline.IntimacyFailOpen
	}

	var capture *orchestrator.CaptureLog
	if cfg.Pipeline.LogFailedJSONReplies {
		capture, err = orchestrator.NewCaptureLog(cfg.Pipeline.FailedRepliesDir)
		if err != nil {
			slog.Error("failed to open failed-replies capture", "err", err)
			return 1
		}
	}

	prober := screenshot.NewDimensionProber(sessionCache, 10*time.Second)
	orch := orchestrator.New(cfg.Pipeline, orchestrator.Deps{
		ContextBuilder: stages.NewContextBuilder(llm, asm),
		SceneAnalyzer:  stages.NewSceneAnalyzer(llm, asm),
		Planner:        stages.NewStrategyPlanner(llm, asm),
		Persona:        stages.NewPersonaInferencer(llm, asm, profiles),
		Generator:      stages.NewReplyGenerator(llm, asm),
		Checker:        stages.NewIntimacyChecker(llm, asm, failOpen),
		Multimodal:     llm,
		Assembler:      asm,
		Audit:          auditor,
		Prober:         prober,
		Capture:        capture,
		Metrics:        metrics,
	})

	// ── Request coordinator ───────────────────────────────────────────────────
	parser := screenshot.NewClient(cfg.Screenshot.BaseURL,
		time.Duration(cfg.Screenshot.TimeoutSeconds)*time.Second)
	coordinator := predict.New(orch, parser, prober, llm, sessionCache, metrics, predict.Options{
		SupportedLanguages: cfg.Server.SupportedLanguages,
		UseMergeStep:       cfg.Pipeline.UseMergeStep,
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	windows := server.NewWindows()
	if err := registerWindows(windows); err != nil {
		slog.Warn("failed to register rolling gauges", "err", err)
	}

	readiness := []server.ReadinessCheck{
		{Name: "llm", Check: func(context.Context) error {
			if !llm.Available(types.QualityNormal) {
				return errors.New("no provider configured")
			}
			return nil
		}},
	}

	srv := server.New(cfg.Server, coordinator, metrics, windows, readiness...)

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	auditor.Flush()
	slog.Info("goodbye")
	return 0
}

// registerWindows exposes the rolling latency windows as observable gauges.
func registerWindows(w *server.Windows) error {
	mp := otel.GetMeterProvider()
	if err := observe.RegisterWindowGauges(mp, "rapport.request_duration", w.Request); err != nil {
		return err
	}
	return observe.RegisterWindowGauges(mp, "rapport.reply_generation", w.Reply)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Rapport — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printLine("Default LLM", cfg.LLM.DefaultProvider+" / "+cfg.LLM.DefaultModel)
	printLine("Providers", fmt.Sprintf("%d configured", len(cfg.LLM.Providers)))
	printLine("Routing", routingSummary(cfg.LLM))
	printLine("Cache", string(cfg.Cache.Backend))
	if cfg.Database.URL != "" {
		printLine("Database", "postgres")
	} else {
		printLine("Database", "(disabled)")
	}
	if cfg.Pipeline.UseMergeStep {
		printLine("Pipeline", "merge step")
	} else {
		printLine("Pipeline", "classic")
	}
	if cfg.Server.ListenAddr != "" {
		printLine("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func routingSummary(cfg config.LLMConfig) string {
	if cfg.DisableQualityRouting {
		return "disabled"
	}
	return fmt.Sprintf("%d tiers", len(cfg.Routing))
}

func printLine(kind, value string) {
	if value == "" || value == " / " {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
