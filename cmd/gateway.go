package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
	"github.com/nextlevelbuilder/turnbot/internal/catalog"
	"github.com/nextlevelbuilder/turnbot/internal/config"
	"github.com/nextlevelbuilder/turnbot/internal/gateway"
	"github.com/nextlevelbuilder/turnbot/internal/generation"
	"github.com/nextlevelbuilder/turnbot/internal/maintenance"
	"github.com/nextlevelbuilder/turnbot/internal/messenger"
	"github.com/nextlevelbuilder/turnbot/internal/pipeline"
	"github.com/nextlevelbuilder/turnbot/internal/store"
	"github.com/nextlevelbuilder/turnbot/internal/store/mem"
	"github.com/nextlevelbuilder/turnbot/internal/store/pg"
	redisstore "github.com/nextlevelbuilder/turnbot/internal/store/redis"
	"github.com/nextlevelbuilder/turnbot/internal/store/sqlite"
)

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	if snap.Gateway.VerifyToken == "" {
		slog.Warn("TURNBOT_VERIFY_TOKEN not set; webhook verification handshake will be rejected")
	}
	if snap.Messenger.PageAccessToken == "" {
		slog.Warn("TURNBOT_PAGE_ACCESS_TOKEN not set; outbound sends will fail")
	}
	if snap.Generation.APIKey == "" {
		slog.Error("TURNBOT_OPENAI_API_KEY is not set")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, closeStores, err := openStores(ctx, snap.Database)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	cat, err := catalog.Load(config.ExpandHome(snap.Catalog.ProductsPath))
	if err != nil {
		slog.Error("failed to load product catalog", "error", err, "path", snap.Catalog.ProductsPath)
		os.Exit(1)
	}

	events := bus.NewBroadcaster()
	tracer := otel.Tracer("turnbot")

	gen := generation.NewOpenAI(generation.OpenAIConfig{
		APIKey:          snap.Generation.APIKey,
		Model:           snap.Generation.Model,
		Temperature:     snap.Generation.Temperature,
		MaxOutputTokens: snap.Generation.MaxOutputTokens,
		SystemPrompt:    snap.Generation.SystemPrompt,
	})

	sender := messenger.NewClient(messenger.ClientConfig{
		GraphAPIVersion: snap.Messenger.GraphAPIVersion,
		PageAccessToken: snap.Messenger.PageAccessToken,
		SendRatePerSec:  snap.Messenger.SendRatePerSec,
		SendBurst:       snap.Messenger.SendBurst,
		ChunkMaxChars:   snap.Messenger.ChunkMaxChars,
	}, cat)

	gate := pipeline.NewGate(stores.Flags)
	breaker := pipeline.NewBreaker(stores.Breaker, snap.Limits.BreakerWindow(), snap.Limits.BreakerThreshold)
	limiter := pipeline.NewRateLimiter(stores.Rates, snap.Limits.HourlyLimit, snap.Limits.DailyLimit)

	proc := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Gate:              gate,
		Breaker:           breaker,
		Turns:             stores.Turns,
		Locks:             stores.Locks,
		Conversations:     stores.Conversations,
		Generator:         gen,
		Sender:            sender,
		LockLease:         snap.Pipeline.LockLease(),
		GenerationTimeout: snap.Pipeline.GenerationTimeout(),
		HistoryLimit:      snap.Pipeline.HistoryLimit,
		Events:            events,
		Tracer:            tracer,
	})

	debouncer := pipeline.NewDebouncer(snap.Pipeline.DebounceWindow(), func(conversationID string) {
		if err := proc.Drain(ctx, conversationID, time.Now()); err != nil {
			slog.Error("drain failed", "conversation", conversationID, "error", err)
		}
	})
	defer debouncer.Stop()

	ledger := pipeline.NewLedger(stores.Dedup, snap.Pipeline.DedupRetention())
	pipe := pipeline.New(pipeline.Config{
		Ledger:      ledger,
		Gate:        gate,
		RateLimiter: limiter,
		Breaker:     breaker,
		Accumulator: pipeline.NewAccumulator(stores.Turns),
		Debouncer:   debouncer,
		Events:      events,
		Tracer:      tracer,
	})

	server := gateway.NewServer(gateway.Deps{
		Config:      cfg,
		Pipeline:    pipe,
		Flags:       stores.Flags,
		Breaker:     breaker,
		RateLimiter: limiter,
		Events:      events,
	})

	sweeper := maintenance.New(stores, snap.Maintenance.SweepSchedule,
		snap.Pipeline.DedupRetention(), 24*time.Hour)
	go sweeper.Run(ctx)

	// Hot-reload config edits: pipeline tunables are pushed into the live
	// stages, and the catalog reloads alongside so product updates land
	// without a restart. Listener address and database mode still need a
	// restart.
	stopWatch, err := config.Watch(cfgPath, cfg, func(next config.Config) {
		ledger.SetRetention(next.Pipeline.DedupRetention())
		limiter.SetLimits(next.Limits.HourlyLimit, next.Limits.DailyLimit)
		breaker.SetTripPolicy(next.Limits.BreakerWindow(), next.Limits.BreakerThreshold)
		debouncer.SetWindow(next.Pipeline.DebounceWindow())
		proc.SetTuning(next.Pipeline.LockLease(), next.Pipeline.GenerationTimeout(), next.Pipeline.HistoryLimit)
		slog.Info("config reloaded", "path", cfgPath,
			"debounce_ms", next.Pipeline.DebounceMs,
			"hourly_limit", next.Limits.HourlyLimit,
			"daily_limit", next.Limits.DailyLimit)
		if err := cat.Reload(config.ExpandHome(next.Catalog.ProductsPath)); err != nil {
			slog.Warn("catalog reload failed", "error", err)
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		// Flush pending debounce windows before the server stops taking
		// traffic, so accepted messages are not stranded until restart.
		debouncer.Stop()
		cancel()
	}()

	slog.Info("turnbot gateway starting",
		"version", Version,
		"addr", snap.Gateway.Host,
		"port", snap.Gateway.Port,
		"db_mode", snap.Database.Mode,
		"model", snap.Generation.Model,
		"products", cat.Len(),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// openStores picks the backend from the database mode. The returned closer
// is a no-op for the in-memory backend.
func openStores(ctx context.Context, dbCfg config.DatabaseConfig) (*store.Stores, func(), error) {
	switch dbCfg.Mode {
	case "", "memory":
		return mem.New().Stores(), func() {}, nil
	case "sqlite":
		s, err := sqlite.Open(config.ExpandHome(dbCfg.SQLitePath))
		if err != nil {
			return nil, nil, err
		}
		return s.Stores(), func() { s.Close() }, nil
	case "postgres":
		db, err := pg.OpenDB(dbCfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		s := pg.New(db)
		return s.Stores(), func() { s.Close() }, nil
	case "redis":
		s, err := redisstore.Open(ctx, dbCfg.RedisAddr, dbCfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return s.Stores(), func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database mode %q", dbCfg.Mode)
	}
}
