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
	"strings"
	"syscall"
	"time"

	"vigil/internal/app"
	"vigil/internal/archive"
	"vigil/internal/auth"
	"vigil/internal/config"
	"vigil/internal/connectivity"
	"vigil/internal/coordinator"
	"vigil/internal/events"
	"vigil/internal/export"
	"vigil/internal/geo"
	"vigil/internal/location"
	"vigil/internal/logger"
	"vigil/internal/media"
	"vigil/internal/metrics"
	"vigil/internal/rbac"
	"vigil/internal/scheduler"
	"vigil/internal/search"
	"vigil/internal/store"
	"vigil/internal/util"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, log); err != nil {
		log.Error("vigil exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx := context.Background()

	kv, err := openKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()
	log.Info("store ready", slog.String("backend", cfg.StoreBackend))

	mediaStore, err := openMediaStore(ctx, cfg)
	if err != nil {
		return err
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}

	var publisher events.Publisher = events.Nop{}
	if strings.TrimSpace(cfg.NatsURL) != "" {
		natsPublisher, err := events.Connect(cfg.NatsURL, log)
		if err != nil {
			log.Warn("event bus unavailable, continuing without events", slog.String("error", err.Error()))
		} else {
			defer natsPublisher.Close()
			publisher = natsPublisher
		}
	}

	var evidence *archive.Archive
	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		evidence = archive.New(cfg.ArchiveDir)
	}

	network := connectivity.NewMonitor(true)
	feed := location.NewFeed()
	tracker := location.NewTracker(feed, cfg.LocationTimeout, log)
	cron := scheduler.NewCron()
	meters := metrics.New()

	service := app.New(app.Options{
		Store:        store.New(kv, cfg.KeyPrefix, log),
		Sampler:      geo.NewSampler(nil),
		Clock:        cron.Now,
		Connectivity: network,
		Media:        media.NewIngester(media.NewSanitizer(cfg.MaxImageDimension), mediaStore),
		Search:       search.NewService(meiliClient, log),
		Archive:      evidence,
		Events:       publisher,
		Metrics:      meters,
		Logger:       log,
		Seed:         seedSettings(cfg.Seed),
	})
	if err := service.Bootstrap(ctx); err != nil {
		return err
	}

	coord := coordinator.New(service, coordinator.Options{
		Interval:     cfg.SyncInterval,
		AckDelay:     cfg.AckDelay,
		Scheduler:    cron,
		Connectivity: network,
		Locator:      tracker,
		Metrics:      meters,
		Logger:       log,
	})
	cron.Start()
	coord.Start()

	probeCtx, stopProbe := context.WithCancel(ctx)
	defer stopProbe()
	if strings.TrimSpace(cfg.ProbeURL) != "" {
		go connectivity.NewProber(cfg.ProbeURL, cfg.ProbeInterval, network, log).Run(probeCtx)
	}

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin:   cfg.CORSOrigin,
		TokenSecret:  cfg.APITokenSecret,
		Syncer:       coord,
		Connectivity: network,
		Location:     feed,
		Tracker:      tracker,
		Exporter:     export.NewService(service, nil),
		Metrics:      meters.Handler(),
		Logger:       log,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("vigil listening", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("server failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", slog.String("error", err.Error()))
	}
	stopProbe()
	coord.Stop()
	cron.Stop()
	return nil
}

func openKV(ctx context.Context, cfg config.Config) (store.KV, error) {
	switch cfg.StoreBackend {
	case "redis":
		kv, err := store.NewRedisKV(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return kv, nil
	case "postgres":
		kv, err := store.OpenPostgresKV(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres connection failed: %w", err)
		}
		return kv, nil
	case "memory":
		return store.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func openMediaStore(ctx context.Context, cfg config.Config) (media.ContentStore, error) {
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return media.NewMemoryStore(), nil
	}
	ms, err := media.NewMinioStore(ctx, media.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("media store: %w", err)
	}
	return ms, nil
}

func seedSettings(seed config.Seed) *store.Settings {
	var empty config.Seed
	if seed == empty {
		return nil
	}
	return &store.Settings{
		AuthorityContact: store.AuthorityContact{
			SMS:  seed.AuthorityContact.SMS,
			USSD: seed.AuthorityContact.USSD,
		},
		SafePolicy: store.SafePolicy{
			MinMeters:      seed.SafePolicy.MinMeters,
			MaxWaitMinutes: seed.SafePolicy.MaxWaitMinutes,
		},
	}
}

// issueToken prints a bearer token for the local API.
func issueToken(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	role := fs.String("role", string(rbac.RoleObserver), "observer or viewer")
	subject := fs.String("subject", "", "token subject, random when empty")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.APITokenSecret == "" {
		return errors.New("VIGIL_API_TOKEN_SECRET is not set")
	}
	if rbac.Normalize(*role) != rbac.Role(*role) {
		return fmt.Errorf("unknown role %q", *role)
	}
	if *subject == "" {
		*subject = util.NewID("dev")
	}
	token, err := auth.IssueToken([]byte(cfg.APITokenSecret), *subject, *role, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
