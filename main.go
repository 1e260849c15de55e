// Command rusty-rika runs the osu! score bot: the submission pipeline, its IRC relay, the
// background ranking scraper and an HTTP server.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs migrations.
//   - Wires the osu! API client, beatmap cache, performance calculator and submitter.
//   - Starts the IRC relay and the scraper when configured.
//   - Exposes /healthz, /readyz, /status, /metrics and the admin endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/o-dasher/rusty-rika/beatmap"
	"github.com/o-dasher/rusty-rika/chat"
	"github.com/o-dasher/rusty-rika/config"
	"github.com/o-dasher/rusty-rika/db"
	"github.com/o-dasher/rusty-rika/idlock"
	"github.com/o-dasher/rusty-rika/osuapi"
	"github.com/o-dasher/rusty-rika/ppcalc"
	"github.com/o-dasher/rusty-rika/recommend"
	"github.com/o-dasher/rusty-rika/scraper"
	"github.com/o-dasher/rusty-rika/server"
	"github.com/o-dasher/rusty-rika/submit"
	"github.com/o-dasher/rusty-rika/telemetry"
)

func setupLogging(cfg *config.Config) {
	// Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxMB,
			MaxBackups: cfg.LogFileMaxBackups,
			Compress:   true,
		})
	}

	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format), slog.String("file", cfg.LogFile))
}

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("rusty-rika", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first, idempotent statement list as fallback.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reportPoolMetrics(ctx, database)

	if err := cfg.ValidateOsuReady(); err != nil {
		slog.Warn("osu api credentials missing; submissions will fail until configured", slog.Any("err", err))
	}
	api := osuapi.NewClient(ctx, osuapi.Config{
		ClientID:          cfg.OsuClientID,
		ClientSecret:      cfg.OsuClientSecret,
		TokenURL:          cfg.OsuTokenURL,
		BaseURL:           cfg.OsuAPIURL,
		ScoreType:         cfg.OsuScoreType,
		RequestsPerMinute: cfg.OsuRequestsPerMinute,
	})

	var store beatmap.Store
	if cfg.BeatmapBucketURL != "" {
		bs, err := beatmap.OpenBlobStore(ctx, cfg.BeatmapBucketURL)
		if err != nil {
			slog.Error("failed to open beatmap bucket", slog.String("url", cfg.BeatmapBucketURL), slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := bs.Close(); err != nil {
				slog.Warn("failed to close beatmap bucket", slog.Any("err", err))
			}
		}()
		store = bs
	}
	beatmaps, err := beatmap.NewCache(cfg.BeatmapCacheSize, beatmap.NewHTTPFetcher(cfg.BeatmapURL), store)
	if err != nil {
		slog.Error("failed to create beatmap cache", slog.Any("err", err))
		os.Exit(1)
	}

	scores := &db.ScoreStore{DB: database}
	submitter := submit.New(idlock.New(), api, scores, beatmaps, ppcalc.NewHTTPCalculator(cfg.PPCalcURL), submit.Options{
		FetchLimit:      cfg.SubmitFetchLimit,
		Retention:       cfg.SubmitRetention,
		ProgressBuffer:  cfg.SubmitProgressBuffer,
		ProgressMode:    submit.ProgressMode(cfg.SubmitProgressMode),
		CancelOnAbandon: cfg.SubmitCancelOnAbandon,
	})
	recommender := recommend.New(scores, cfg.RecommendRange)

	if err := cfg.ValidateChatReady(); err == nil {
		go chat.Start(ctx, chat.Config{
			Address:  cfg.IRCAddress,
			TLS:      cfg.IRCTLS,
			Username: cfg.IRCUsername,
			Password: cfg.IRCPassword,
			Channels: cfg.IRCChannels,
		}, &chat.Handler{
			Submitter:     submitter,
			Recommender:   recommender,
			Users:         api,
			ProgressEvery: cfg.IRCProgressEvery,
			MaxConcurrent: cfg.IRCMaxConcurrent,
		})
	} else {
		slog.Info("chat relay disabled", slog.Any("reason", err))
	}

	deps := server.Deps{
		DB:          database,
		Submitter:   submitter,
		Recommender: recommender,
		Users:       api,
		Beatmaps:    beatmaps,
	}
	if cfg.ScraperEnabled {
		sc := scraper.New(api, submitter, scraper.Config{
			Country:  cfg.ScraperCountry,
			MaxPage:  cfg.ScraperMaxPage,
			Interval: cfg.ScraperInterval,
		})
		deps.Scraper = sc
		go sc.Run(ctx)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, deps); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down, waiting for running submissions")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := submitter.Drain(drainCtx); err != nil {
		slog.Warn("submissions still running at exit; their transactions roll back",
			slog.Int("in_flight", submitter.Locks().Held()), slog.Any("err", err))
	}
}

func reportPoolMetrics(ctx context.Context, database *sql.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := database.Stats()
			telemetry.UpdateDatabasePoolMetrics(st.OpenConnections, st.InUse)
		}
	}
}
