package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/feishu-ticket-bot/internal/api/http"
	"github.com/spec-kit/feishu-ticket-bot/internal/api/http/handlers"
	"github.com/spec-kit/feishu-ticket-bot/internal/auth"
	"github.com/spec-kit/feishu-ticket-bot/internal/cards"
	"github.com/spec-kit/feishu-ticket-bot/internal/catalog"
	"github.com/spec-kit/feishu-ticket-bot/internal/config"
	"github.com/spec-kit/feishu-ticket-bot/internal/events"
	"github.com/spec-kit/feishu-ticket-bot/internal/feishu"
	"github.com/spec-kit/feishu-ticket-bot/internal/observability"
	"github.com/spec-kit/feishu-ticket-bot/internal/persistence"
	"github.com/spec-kit/feishu-ticket-bot/internal/repository"
	"github.com/spec-kit/feishu-ticket-bot/internal/retry"
	"github.com/spec-kit/feishu-ticket-bot/internal/service"
	"github.com/spec-kit/feishu-ticket-bot/internal/support"
	"github.com/spec-kit/feishu-ticket-bot/internal/worker"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	catalogPath := pflag.String("catalog", "", "service/severity catalog YAML (overrides TICKET_CATALOG_PATH)")
	migrateOnly := pflag.Bool("migrate-only", false, "apply database migrations and exit")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *catalogPath != "" {
		cfg.Ticket.CatalogPath = *catalogPath
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics := observability.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if pg.Enabled() && (cfg.Postgres.RunMigrations || *migrateOnly) {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}
	if *migrateOnly {
		logger.Info("migrations complete")
		return
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	backoff := func(attempts int) retry.Policy {
		return retry.New(attempts, cfg.Retry.BaseDelay(), cfg.Retry.MaxDelay())
	}

	var (
		tickets  repository.TicketRepository
		history  repository.TicketHistoryRepository
		messages repository.TicketMessageRepository
	)
	if pg.Enabled() {
		pool := pg.PoolHandle()
		tickets = repository.NewTicketRepository(pool, backoff(cfg.Retry.StoreMaxAttempts))
		history = repository.NewTicketHistoryRepository(pool)
		messages = repository.NewTicketMessageRepository(pool)
	} else {
		logger.Warn("POSTGRES_DSN not provided; tickets are kept in memory")
		store := repository.NewMemoryStore()
		tickets, history, messages = store.Tickets(), store.History(), store.Messages()
	}

	var (
		drafts repository.DraftRepository
		dedup  repository.DeliveryDeduper
	)
	if redis.Enabled() {
		drafts = repository.NewRedisDraftRepository(redis.Client, cfg.Redis.KeyPrefix, cfg.Ticket.DraftTTL())
		dedup = repository.NewRedisDeduper(redis.Client, cfg.Redis.KeyPrefix, cfg.Ticket.DedupWindow())
	} else {
		cache, err := repository.NewBigCache(cfg.Ticket.DraftTTL())
		if err != nil {
			logger.Fatal("failed to init draft cache", zap.Error(err))
		}
		defer cache.Close() //nolint:errcheck
		dedupCache, err := repository.NewBigCache(cfg.Ticket.DedupWindow())
		if err != nil {
			logger.Fatal("failed to init dedup cache", zap.Error(err))
		}
		defer dedupCache.Close() //nolint:errcheck
		drafts = repository.NewCacheDraftRepository(cache, cfg.Ticket.DraftTTL(), time.Now)
		dedup = repository.NewCacheDeduper(dedupCache)
	}

	httpClient := &http.Client{Timeout: cfg.Feishu.HTTPTimeout()}
	tokenCache := feishu.NewTokenCache(
		feishu.NewTenantTokenFetcher(httpClient, cfg.Feishu.BaseURL, cfg.Feishu.AppID, cfg.Feishu.AppSecret, time.Now),
		cfg.Feishu.TokenMargin(), time.Now, logger, metrics)
	chat := feishu.NewClient(feishu.ClientDeps{
		BaseURL:         cfg.Feishu.BaseURL,
		HTTPClient:      httpClient,
		Tokens:          tokenCache,
		Policy:          backoff(cfg.Retry.FeishuMaxAttempts),
		GroupChatPolicy: backoff(cfg.Retry.GroupChatAttempts),
		Logger:          logger,
		Metrics:         metrics,
	})

	supportAPI, err := support.NewAWSClient(ctx, cfg.AWS)
	if err != nil {
		logger.Fatal("failed to init aws support client", zap.Error(err))
	}
	cases := support.NewGateway(support.Deps{
		API:     supportAPI,
		Config:  cfg.AWS,
		Policy:  backoff(cfg.Retry.SupportMaxAttempts),
		Logger:  logger,
		Metrics: metrics,
	})

	catalogStore, err := catalog.NewStore(cfg.Ticket.CatalogPath, logger)
	if err != nil {
		logger.Fatal("failed to load catalog", zap.String("path", cfg.Ticket.CatalogPath), zap.Error(err))
	}
	if err := catalogStore.Watch(ctx); err != nil {
		logger.Warn("catalog hot reload disabled", zap.Error(err))
	}

	tokens := auth.NewTokenManager(cfg.Ticket.CardTokenSecret, cfg.Ticket.DraftTTL(), time.Now)
	dispatcher := events.NewInMemoryDispatcher(logger)

	var publisher *events.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			logger.Fatal("failed to init kafka publisher", zap.Error(err))
		}
		defer publisher.Close() //nolint:errcheck
	}
	notifications := service.NewNotificationService(dispatcher, chat, catalogStore, logger)
	worker.StartNotificationWorker(dispatcher, notifications, publisher)

	bot := service.NewBot(service.Dependencies{
		Drafts:        drafts,
		Tickets:       tickets,
		History:       history,
		Messages:      messages,
		Chat:          chat,
		Cases:         cases,
		Cards:         cards.NewRenderer(tokens, catalogStore),
		Tokens:        tokens,
		Catalog:       catalogStore,
		Dispatcher:    dispatcher,
		Logger:        logger,
		Metrics:       metrics,
		FinalizeLease: cfg.Ticket.FinalizeLease(),
		MaxHistory:    cfg.Ticket.MaxHistoryRecords,
		Now:           time.Now,
	})

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: cfg.App.Env == "production",
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	verifier := feishu.NewEventVerifier(cfg.Feishu.VerificationToken, cfg.Feishu.EncryptKey)
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:  handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Webhook: handlers.NewWebhookHandler(verifier, bot, dedup, logger, metrics),
		Metrics: metrics,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
