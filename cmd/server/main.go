package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sifan077/SafeLink/config"
	"github.com/sifan077/SafeLink/internal/app/cache"
	"github.com/sifan077/SafeLink/internal/app/keygen"
	appmodel "github.com/sifan077/SafeLink/internal/app/model"
	"github.com/sifan077/SafeLink/internal/app/phishing"
	apprepository "github.com/sifan077/SafeLink/internal/app/repository"
	appserver "github.com/sifan077/SafeLink/internal/app/server"
	"github.com/sifan077/SafeLink/internal/app/service"
	"github.com/sifan077/SafeLink/internal/http/middleware"
	"github.com/sifan077/SafeLink/internal/infra/logger"
	infraNATS "github.com/sifan077/SafeLink/internal/infra/nats"
	infraPostgres "github.com/sifan077/SafeLink/internal/infra/postgres"
	infraPrometheus "github.com/sifan077/SafeLink/internal/infra/prometheus"
	infraRedis "github.com/sifan077/SafeLink/internal/infra/redis"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	isDev := os.Getenv("APP_ENV") != "production"
	log := logger.MustInit(logger.Config{
		Service:     "safelink",
		Development: isDev,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	// Rebuild with the file sink and encoding from config.
	log = logger.MustInit(logger.Config{
		Service:     "safelink",
		Development: !cfg.IsProduction(),
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})

	log.Info("Configuration loaded successfully",
		zap.String("env", cfg.Server.Env),
		zap.String("postgres_host", cfg.Postgres.Host),
		zap.Int("postgres_port", cfg.Postgres.Port),
		zap.String("postgres_db", cfg.Postgres.Database),
		zap.String("redis_host", cfg.Redis.Host),
		zap.Int("redis_port", cfg.Redis.Port),
		zap.String("clicks_mode", cfg.Clicks.Mode),
	)

	gormDB, err := infraPostgres.NewGorm(cfg.Postgres, log.Named("gorm"))
	if err != nil {
		log.Fatal("Failed to open GORM connection", zap.Error(err))
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatal("Failed to access underlying SQL DB", zap.Error(err))
	}
	defer sqlDB.Close()

	blacklistDB, closeBlacklist, err := infraPostgres.OpenOrShare(cfg.BlacklistPostgres, gormDB, log.Named("gorm"))
	if err != nil {
		log.Fatal("Failed to open blacklist database", zap.Error(err))
	}
	defer func() { _ = closeBlacklist() }()
	principalDB, closePrincipals, err := infraPostgres.OpenOrShare(cfg.PrincipalPostgres, gormDB, log.Named("gorm"))
	if err != nil {
		log.Fatal("Failed to open principal database", zap.Error(err))
	}
	defer func() { _ = closePrincipals() }()

	if err := infraPostgres.AutoMigrate(ctx, gormDB, &appmodel.Link{}); err != nil {
		log.Fatal("Failed to run database migrations", zap.Error(err))
	}
	if err := infraPostgres.AutoMigrate(ctx, blacklistDB, &appmodel.BlacklistEntry{}); err != nil {
		log.Fatal("Failed to migrate blacklist table", zap.Error(err))
	}
	if err := infraPostgres.AutoMigrate(ctx, principalDB, &appmodel.Principal{}); err != nil {
		log.Fatal("Failed to migrate principal table", zap.Error(err))
	}
	if err := infraPostgres.EnsureChangeTrigger(ctx, gormDB); err != nil {
		log.Fatal("Failed to install change trigger", zap.Error(err))
	}

	pool, err := infraPostgres.NewPool(ctx, cfg.Postgres, log.Named("postgres"))
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Connected to Postgres successfully")

	redisClient, err := infraRedis.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	log.Info("Connected to Redis successfully")

	linkRepo := apprepository.NewLinkRepository(gormDB)
	blacklistRepo := apprepository.NewBlacklistRepository(blacklistDB)
	principalRepo := apprepository.NewPrincipalRepository(principalDB)

	// Background work shares one context so shutdown stops it together.
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	cacheManager := cache.NewManager(redisClient, linkRepo, cache.Options{Logger: log.Named("cache")})
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		err := cacheManager.Run(bgCtx, infraPostgres.NewNotifySource(pool, log.Named("notify")))
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Cache listener stopped", zap.Error(err))
		}
	}()

	keys := keygen.New(keygen.Options{
		KeyLength:    cfg.Shortener.KeyLength,
		SecretLength: cfg.Shortener.SecretSuffixLength,
		ExpectedKeys: cfg.Shortener.ExpectedKeys,
	})
	seeded := 0
	if err := linkRepo.EachKey(ctx, func(key string) {
		keys.Remember(key)
		seeded++
	}); err != nil {
		log.Warn("Failed to seed key filter", zap.Error(err))
	}
	log.Info("Key filter seeded", zap.Int("keys", seeded))

	feedOpts := phishing.Options{
		Sources:      cfg.Phishing.Feeds,
		StaleAfter:   cfg.Phishing.StaleAfter,
		FetchTimeout: cfg.Phishing.FetchTimeout,
		Logger:       log.Named("phishing"),
	}
	if cfg.Phishing.FlagExisting {
		feedOpts.OnRefresh = func(ctx context.Context, entries []string) {
			flagged, err := linkRepo.FlagDanger(ctx, entries)
			if err != nil {
				log.Warn("Failed to flag phishing links", zap.Error(err))
				return
			}
			if flagged > 0 {
				log.Info("Flagged existing links as dangerous", zap.Int64("links", flagged))
			}
		}
	}
	feed := phishing.NewFeed(feedOpts)
	if err := feed.Start(cfg.Phishing.CheckSpec); err != nil {
		log.Fatal("Failed to schedule phishing refresh", zap.Error(err))
	}
	defer feed.Stop()

	guard, err := service.NewReachabilityGuard(service.ReachabilityOptions{
		Enabled:       cfg.Probe.Enabled,
		Timeout:       cfg.Probe.Timeout,
		DNSTimeout:    cfg.Probe.DNSTimeout,
		PrivateRanges: cfg.Probe.PrivateRanges,
		Logger:        log.Named("probe"),
	})
	if err != nil {
		log.Fatal("Invalid probe configuration", zap.Error(err))
	}

	tasks := service.NewTaskRunner(cfg.Enrichment.Workers, cfg.Enrichment.QueueSize, log.Named("tasks"))
	authorizer := service.NewAuthorizer(principalRepo, service.AuthorizerOptions{
		PrivilegedRoles: cfg.Shortener.PrivilegedRoles,
		RequireOwner:    cfg.Shortener.RequireOwnerForManagement,
	})
	recorder := service.NewClickRecorder(cacheManager, linkRepo, log.Named("clicks"))

	var clicks service.ClickSink = service.NewAsyncClickSink(tasks, recorder, log.Named("clicks"))
	var consumer *service.ClickConsumer
	if cfg.Clicks.Mode == "jetstream" {
		natsConn, js, err := infraNATS.Connect(cfg.NATS, log.Named("nats"))
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsConn.Drain()
		log.Info("Connected to NATS successfully")

		consumer = service.NewClickConsumer(js, log.Named("clicks"), recorder)
		if err := consumer.Start(bgCtx); err != nil {
			log.Fatal("Failed to start click consumer", zap.Error(err))
		}
		clicks = service.NewClickPublisher(js, log.Named("clicks"))
	}

	admission := service.NewAdmissionService(service.AdmissionDeps{
		Logger:    log.Named("admission"),
		Links:     linkRepo,
		Blacklist: blacklistRepo,
		Phishing:  feed,
		Keys:      keys,
		Auth:      authorizer,
		Tasks:     tasks,
		Enricher: service.NewEnricher(linkRepo, service.EnricherOptions{
			Timeout:     cfg.Enrichment.Timeout,
			MaxBytes:    cfg.Enrichment.MaxBytes,
			Guard:       guard,
			DialControl: guard.DialControl,
			Logger:      log.Named("enrich"),
		}),
		MaxKeyAttempts: cfg.Shortener.MaxKeyAttempts,
		OwnerQuota:     cfg.Shortener.OwnerQuota,
	})
	linkService := service.NewLinkService(service.LinkServiceDeps{
		Logger:    log,
		Links:     linkRepo,
		Blacklist: blacklistRepo,
		Resolver:  cacheManager,
		Cache:     cacheManager,
		Guard:     guard,
		Feed:      feed,
		Auth:      authorizer,
	})

	if cfg.IsProduction() {
		promServer := infraPrometheus.NewServer(cfg.Prometheus)
		go func() {
			log.Info("Starting Prometheus metrics server",
				zap.Int("port", cfg.Prometheus.Port))
			if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Prometheus metrics server stopped unexpectedly", zap.Error(err))
			}
		}()
		defer func() {
			if err := promServer.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("Failed to close Prometheus server", zap.Error(err))
			}
		}()
	} else {
		log.Info("Skipping Prometheus metrics server in development mode")
	}

	server := appserver.New(appserver.Dependencies{
		Logger:    log.Named("http"),
		Redis:     redisClient,
		Admission: admission,
		Links:     linkService,
		Clicks:    clicks,
		Auth:      authorizer,
		Watcher:   service.NewUpdateWatcher(linkRepo, cfg.Notifier.PollInterval, cfg.Notifier.Timeout),
		BaseURL:   cfg.Server.BaseURL,
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		RateLimit: middleware.RateLimitConfig{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window,
			KeyPrefix:   "ratelimit",
		},
	})

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		serveErr <- server.Listen(cfg.Server.Addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serveErr:
		log.Error("Fiber server exited", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := tasks.Stop(shutdownCtx); err != nil {
		log.Warn("Deferred tasks abandoned", zap.Error(err))
	}
	cancelBackground()
	<-listenerDone
	if consumer != nil {
		select {
		case <-consumer.Done():
		case <-shutdownCtx.Done():
		}
	}
	log.Info("Shutdown complete")
}
