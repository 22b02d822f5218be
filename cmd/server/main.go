package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/fanout"
	"github.com/mbeoliero/chatsync/internal/gateway"
	"github.com/mbeoliero/chatsync/internal/handler"
	"github.com/mbeoliero/chatsync/internal/metrics"
	"github.com/mbeoliero/chatsync/internal/notify"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/internal/router"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/internal/session"
	"github.com/mbeoliero/chatsync/internal/upload"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/idgen"
	"github.com/mbeoliero/chatsync/pkg/jwt"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.CtxError(ctx, "failed to load config: %v", err)
		panic(err)
	}

	log.CtxInfo(ctx, "config loaded: mode=%s, feed_driver=%s", cfg.Server.Mode, cfg.Feed.Driver)

	// Initialize Redis key prefix
	constant.InitRedisKeyPrefix(cfg.Redis.KeyPrefix)
	log.CtxInfo(ctx, "redis key prefix: %s", constant.GetRedisKeyPrefix())

	gen, err := idgen.NewSonyflakeGenerator(cfg.Server.MachineId)
	if err != nil {
		log.CtxError(ctx, "failed to create id generator: %v", err)
		panic(err)
	}
	idgen.SetDefault(gen)

	// Initialize repositories
	repos, err := repository.NewRepositories(cfg)
	if err != nil {
		log.CtxError(ctx, "failed to initialize repositories: %v", err)
		panic(err)
	}
	defer repos.Close()

	// Check database connection
	if err := repos.CheckConnection(ctx); err != nil {
		log.CtxError(ctx, "database connection check failed: %v", err)
		panic(err)
	}
	if err := repos.Migrate(ctx); err != nil {
		log.CtxError(ctx, "database migration failed: %v", err)
		panic(err)
	}
	log.CtxInfo(ctx, "database connection established")

	bus, err := changefeed.New(&cfg.Feed, repos.Redis)
	if err != nil {
		log.CtxError(ctx, "failed to create change feed: %v", err)
		panic(err)
	}
	defer bus.Close()

	staging, err := upload.Open(upload.Options{Dir: cfg.Staging.Dir, InMemory: cfg.Staging.InMemory, MaxBytes: cfg.Staging.MaxBytes})
	if err != nil {
		log.CtxError(ctx, "failed to open attachment staging: %v", err)
		panic(err)
	}
	defer staging.Close()
	storage := upload.NewLocalStorage(staging, "/files")

	collector := metrics.NewCollector()

	// Initialize services
	events := service.NewEventPublisher(bus)
	inbox := notify.NewAggregator(repos.Notification, notify.Options{Limit: cfg.Chat.NotificationPage})
	notifService := service.NewNotificationService(repos, inbox, events, cfg.Chat.NotificationPage)
	msgService := service.NewMessageService(repos, events, inbox, cfg.Chat)
	channelService := service.NewChannelService(repos, msgService, events, inbox, notifService)

	publisher, err := service.NewScheduledPublisher(repos, msgService, events, cfg.Chat.ScheduledCron)
	if err != nil {
		log.CtxError(ctx, "invalid scheduled publisher cron: %v", err)
		panic(err)
	}
	go publisher.Run(ctx)

	hub := session.NewHub(session.Deps{
		Messages:       msgService,
		Members:        repos.Member,
		Cursors:        repos.Cursors(),
		Notifications:  notifService,
		Inbox:          inbox,
		Events:         events,
		Source:         bus,
		Staging:        staging,
		Storage:        storage,
		Metrics:        collector,
		Backoff:        fanout.Backoff{Initial: cfg.Feed.BackoffInitial, Max: cfg.Feed.BackoffMax},
		FetchTimeout:   cfg.Feed.FetchTimeout,
		MaxTracked:     cfg.Chat.MaxTrackedUnread,
		TypingTTL:      cfg.Chat.TypingTTL,
		TypingInterval: cfg.Chat.TypingInterval,
	})

	// Initialize WebSocket server
	wsServer := gateway.NewWsServer(cfg, repos.Redis, hub)
	wsServer.Run(ctx)
	log.CtxInfo(ctx, "websocket server started")

	tokens := jwt.NewTokenStore(repos.Redis)

	// Initialize handlers
	handlers := &router.Handlers{
		Message:      handler.NewMessageHandler(msgService),
		Channel:      handler.NewChannelHandler(channelService),
		Notification: handler.NewNotificationHandler(notifService),
		Session:      handler.NewSessionHandler(tokens, wsServer),
		User:         handler.NewUserHandler(service.NewUserService(repos.User)),
		File:         handler.NewFileHandler(storage),
	}

	// Create Hertz server
	h := server.Default(
		server.WithHostPorts(fmt.Sprintf(":%d", cfg.Server.HTTPPort)),
		server.WithExitWaitTime(5*time.Second),
	)

	// Setup routes
	if err := router.SetupRouter(h, cfg, handlers, tokens, wsServer, collector); err != nil {
		log.CtxError(ctx, "failed to setup routes: %v", err)
		panic(err)
	}

	log.CtxInfo(ctx, "server starting on port %d", cfg.Server.HTTPPort)

	// Start server in goroutine
	go func() {
		h.Spin()
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.CtxInfo(ctx, "shutting down server...")

	// Graceful shutdown
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.CtxError(ctx, "server shutdown error: %v", err)
	}
	hub.Shutdown()
	cancel()

	log.CtxInfo(ctx, "server stopped")
}
