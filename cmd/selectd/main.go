package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mapsel/spatial-select/internal/cache"
	"github.com/mapsel/spatial-select/internal/config"
	"github.com/mapsel/spatial-select/internal/events"
	"github.com/mapsel/spatial-select/internal/handler"
	"github.com/mapsel/spatial-select/internal/health"
	"github.com/mapsel/spatial-select/internal/hotness"
	"github.com/mapsel/spatial-select/internal/httpclient"
	"github.com/mapsel/spatial-select/internal/hub"
	"github.com/mapsel/spatial-select/internal/invalidate"
	"github.com/mapsel/spatial-select/internal/layer"
	"github.com/mapsel/spatial-select/internal/logger"
	"github.com/mapsel/spatial-select/internal/observability"
	"github.com/mapsel/spatial-select/internal/query"
	"github.com/mapsel/spatial-select/internal/server"
	"github.com/mapsel/spatial-select/internal/session"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	// overriding the registry path via flag
	layersFlag := flag.String("layers", "", "layer registry file")
	flag.Parse()

	cfg := config.FromEnv()
	if *layersFlag != "" {
		cfg.LayersFile = strings.TrimSpace(*layersFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "selectd",
	}, os.Stdout)

	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting selectd",
		"addr", cfg.Addr,
		"version", Version,
		"upstream", cfg.UpstreamURL,
		"layers_file", cfg.LayersFile)

	reg, err := layer.LoadFile(cfg.LayersFile)
	if err != nil {
		appLog.Error("failed to load layer registry", "err", err)
		return 1
	}

	client, err := layer.NewClient(appLog, httpclient.NewOutbound(2*cfg.QueryTimeout), cfg.UpstreamURL)
	if err != nil {
		appLog.Error("failed to initialize upstream client", "err", err)
		return 1
	}
	catalog := layer.NewCatalog(appLog, client)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store cache.Store
	switch cfg.Cache.Backend {
	case "redis":
		store, err = cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPrefix,
			cache.WithReadTimeout(cfg.Cache.OpTimeout))
		if err != nil {
			appLog.Error("redis cache unavailable", "err", err)
			return 1
		}
	default:
		store, err = cache.NewMemory(cfg.Cache.Size)
		if err != nil {
			appLog.Error("memory cache setup failed", "err", err)
			return 1
		}
	}
	defer func() { _ = store.Close() }()

	var hot *hotness.Model
	var heat query.Heat
	if cfg.Hotness.Enabled {
		hot = hotness.NewModel(cfg.Hotness.Res, cfg.Hotness.HalfLife, hotness.Policy{
			HotThreshold:  cfg.Hotness.HotThreshold,
			WarmThreshold: cfg.Hotness.WarmThreshold,
			Cold:          cfg.Hotness.TTLCold,
			Warm:          cfg.Hotness.TTLWarm,
			Hot:           cfg.Hotness.TTLHot,
		})
		heat = hot
	}

	orch := query.New(appLog, reg, client, store, heat, query.Config{
		QueryTimeout: cfg.QueryTimeout,
		PageSize:     cfg.PageSize,
		MaxRecords:   cfg.MaxRecords,
		BroadZoom:    cfg.BroadZoom,
		MidZoom:      cfg.MidZoom,
		ExpandFrac:   cfg.ExpandFrac,
		ExpandMeters: cfg.ExpandMeters,
		DefaultTTL:   cfg.Cache.TTLDefault,
		TTLOverrides: cfg.Cache.TTLOverrides,
	})

	h := hub.New(appLog)
	go h.Run(ctx)

	sessions := session.NewManager(appLog)

	var pub *events.Publisher
	if cfg.Events.Enabled {
		pub, err = events.NewPublisher(appLog, invalidate.ParseBrokers(cfg.Events.Brokers), cfg.Events.Topic, 0)
		if err != nil {
			appLog.Warn("selection telemetry unavailable", "err", err)
			pub = nil
		} else {
			defer pub.Close()
		}
	}

	var resetter invalidate.HotnessResetter
	if hot != nil {
		resetter = hot
	}
	inv := invalidate.New(appLog, invalidate.Config{
		Enabled: cfg.Invalidation.Enabled,
		Brokers: invalidate.ParseBrokers(cfg.Invalidation.Brokers),
		Topic:   cfg.Invalidation.Topic,
		GroupID: cfg.Invalidation.GroupID,
	}, store, catalog, resetter)
	if err := inv.Start(ctx); err != nil {
		appLog.Error("invalidation consumer failed", "err", err)
		return 1
	}
	defer inv.Stop()

	checks := []health.Check{
		{Name: "layers", Probe: func(context.Context) error {
			if len(reg.All()) == 0 {
				return errors.New("no layers loaded")
			}
			return nil
		}},
	}
	if p, ok := store.(interface{ Ping(ctx context.Context) error }); ok {
		checks = append(checks, health.Check{Name: "cache", Probe: p.Ping})
	}
	if cfg.Invalidation.Enabled {
		checks = append(checks, health.ConsumerCheck("invalidation", inv))
	}

	api := handler.NewAPI(appLog, reg, catalog, orch, pub)
	ws := handler.NewWSHandler(appLog, h, sessions, orch, pub, handler.WSConfig{
		DragThresholdPx: cfg.Interaction.DragThresholdPx,
		ClickGuard:      cfg.Interaction.ClickGuard,
	})

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		startMetricsListener(ctx, addr)
	}

	router := server.NewRouter(server.Deps{
		Logger: appLog,
		API:    api,
		WS:     ws,
		Checks: checks,
	})
	if err := server.Run(ctx, appLog, cfg.Addr, router); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// startMetricsListener serves the exposition on its own port for
// deployments that keep /metrics off the public listener.
func startMetricsListener(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("metrics: listening on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics: shutdown error: %v", err)
		}
	}()
}
