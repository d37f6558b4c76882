// Package server builds the pipeline from configuration and runs it until
// the process is signalled.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/api"
	"github.com/socialwatch/sentinel/internal/classify"
	"github.com/socialwatch/sentinel/internal/clock/system"
	"github.com/socialwatch/sentinel/internal/config"
	"github.com/socialwatch/sentinel/internal/id/uuid"
	"github.com/socialwatch/sentinel/internal/logging"
	"github.com/socialwatch/sentinel/internal/metrics"
	"github.com/socialwatch/sentinel/internal/monitor"
	"github.com/socialwatch/sentinel/internal/notify"
	"github.com/socialwatch/sentinel/internal/notify/channels"
	"github.com/socialwatch/sentinel/internal/notify/sinks"
	"github.com/socialwatch/sentinel/internal/notify/websocket"
	"github.com/socialwatch/sentinel/internal/oracle/anthropic"
	"github.com/socialwatch/sentinel/internal/ratelimit"
	"github.com/socialwatch/sentinel/internal/rules"
	"github.com/socialwatch/sentinel/internal/scheduler"
	"github.com/socialwatch/sentinel/internal/session"
	"github.com/socialwatch/sentinel/internal/source"
	"github.com/socialwatch/sentinel/internal/source/httpapi"
	"github.com/socialwatch/sentinel/internal/storage"
	"github.com/socialwatch/sentinel/internal/store/memory"
	"github.com/socialwatch/sentinel/internal/store/mongo"
	"github.com/socialwatch/sentinel/internal/store/postgres"
	"github.com/socialwatch/sentinel/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store        monitor.Store
	archiveClose storage.CloseFunc
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
	hub          *notify.Hub
	outbox       *notify.Outbox
	sessions     *session.Manager
	classifier   *classify.Queue
	rules        *rules.Service
	scheduler    *scheduler.Scheduler
	cron         *cron.Cron
	apiServer    *api.Server

	tracerShutdown telemetry.ShutdownFunc
}

// Build creates the application's dependencies. base bounds every
// background goroutine the pipeline starts.
func Build(base context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
	)

	_, shutdown, err := telemetry.Init(base, cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = shutdown

	if app.store, err = openStore(base, cfg.Store, logger); err != nil {
		return nil, err
	}
	archive, archiveClose, err := storage.Open(base, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("archive init failed: %w", err)
	}
	app.archiveClose = archiveClose

	clk := system.New()
	ids := uuid.New()

	wsHub := websocket.NewHub(cfg.Notify.WebSocket, logger)
	sinkList, err := app.setupSinks(base, wsHub)
	if err != nil {
		return nil, err
	}
	hubCfg := cfg.Notify.Hub
	hubCfg.BaseContext = base
	hubCfg.Logger = logger
	hubCfg.OnDelivered = func(ctx context.Context, alertIDs []string) {
		app.outbox.Ack(ctx, alertIDs)
	}
	app.hub = notify.NewHub(hubCfg, sinkList...)
	app.outbox = notify.NewOutbox(app.store, app.hub, clk, cfg.Notify.Outbox, logger)

	limiter := ratelimit.New(cfg.RateLimit)
	client, err := httpapi.New(cfg.Source, logger)
	if err != nil {
		return nil, fmt.Errorf("content source init failed: %w", err)
	}
	oracle, err := anthropic.New(cfg.Oracle, limiter, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("oracle init failed: %w", err)
	}

	app.sessions = session.New(base, client, app.hub, clk, cfg.Session, logger)

	app.rules = rules.NewService(rules.NewEngine(app.store, logger), app.store, app.store, app.store, app.hub, clk, ids, logger)
	if err := app.seedRules(base); err != nil {
		return nil, err
	}

	app.classifier = classify.New(base, app.store, app.store, oracle, app.rules, app.hub, clk, cfg.Classifier, logger)

	app.cron = cron.New(
		cron.WithLogger(scheduler.CronLogger(logger)),
		cron.WithChain(cron.Recover(scheduler.CronLogger(logger))),
	)
	app.scheduler = scheduler.New(base, scheduler.Deps{
		Campaigns:  app.store,
		Items:      app.store,
		Sessions:   app.sessions,
		Source:     source.NewRateLimited(client, limiter, "source"),
		Classifier: app.classifier,
		Alerts:     app.rules,
		Archive:    archive,
		Publisher:  app.hub,
		Clock:      clk,
		IDs:        ids,
		Cron:       app.cron,
	}, cfg.Scheduler, logger)
	app.sessions.OnReady(app.scheduler.OnSessionReady)

	if err := app.scheduleSweeps(base); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Jobs:      app.scheduler,
		Sessions:  app.sessions,
		Campaigns: app.store,
		Rules:     app.rules.Engine(),
		Alerts:    app.rules,
		WebSocket: wsHub.Handler(),
	}, api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, logger)

	return app, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (monitor.Store, error) {
	switch cfg.Backend {
	case "postgres":
		s, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Info("using postgres store")
		return s, nil
	case "mongo":
		s, err := mongo.New(ctx, cfg.Mongo)
		if err != nil {
			return nil, fmt.Errorf("mongo store init failed: %w", err)
		}
		logger.Info("using mongo store", zap.String("database", cfg.Mongo.Database))
		return s, nil
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(), nil
	}
}

// setupSinks assembles every configured fan-out destination. The WebSocket
// hub is always present.
func (a *App) setupSinks(ctx context.Context, wsHub *websocket.Hub) ([]notify.Sink, error) {
	cfg := a.cfg
	list := []notify.Sink{wsHub}

	if cfg.Notify.LogEvents {
		list = append(list, sinks.NewLogSink(a.logger))
	}
	if cfg.Notify.Metrics {
		promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		list = append(list, promSink)
	}
	if cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubTopic = client.Topic(cfg.PubSub.TopicName)
		list = append(list, sinks.NewPubSubSink(a.pubsubTopic))
		a.logger.Info("pubsub sink enabled",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName))
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		list = append(list, sinks.NewRedisSink(client, cfg.Redis.Prefix))
		a.logger.Info("redis sink enabled", zap.String("addr", cfg.Redis.Addr))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		list = append(list, sinks.NewKafkaSink(sinks.NewKafkaWriter(cfg.Kafka)))
		a.logger.Info("kafka sink enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	var notifiers []channels.Notifier
	if cfg.Slack.Token != "" {
		notifiers = append(notifiers, channels.NewSlack(cfg.Slack.Token, cfg.Slack.APIURL))
	}
	if cfg.Telegram.Token != "" {
		tg, err := channels.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("telegram init failed: %w", err)
		}
		notifiers = append(notifiers, tg)
	}
	if len(notifiers) > 0 {
		list = append(list, channels.NewDispatcher(a.logger, map[string]string{
			"slack":    cfg.Slack.DefaultChannel,
			"telegram": cfg.Telegram.DefaultChat,
		}, notifiers...))
	}
	return list, nil
}

// seedRules upserts the configured seed file, or loads whatever the store
// already holds.
func (a *App) seedRules(ctx context.Context) error {
	if a.cfg.Rules.SeedFile == "" {
		if err := a.rules.Engine().Reload(ctx); err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		return nil
	}
	seed, err := rules.LoadFile(a.cfg.Rules.SeedFile)
	if err != nil {
		return fmt.Errorf("load rule seed: %w", err)
	}
	if err := a.rules.Seed(ctx, seed); err != nil {
		a.logger.Warn("some seed rules were skipped", zap.String("file", a.cfg.Rules.SeedFile), zap.Error(err))
	}
	return nil
}

// scheduleSweeps registers the recent-items classification sweep and the
// alert redelivery sweep on the shared cron.
func (a *App) scheduleSweeps(ctx context.Context) error {
	if _, err := a.cron.AddFunc(a.cfg.Classifier.SweepSchedule, func() {
		if _, err := a.classifier.RunRecent(ctx); err != nil && !errors.Is(err, monitor.ErrBusy) {
			a.logger.Warn("recent classification sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule classification sweep: %w", err)
	}
	if _, err := a.cron.AddFunc(a.cfg.Notify.RedeliverySchedule, func() {
		if _, err := a.outbox.Sweep(ctx); err != nil {
			a.logger.Warn("alert redelivery sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule alert redelivery: %w", err)
	}
	return nil
}

// Run starts the pipeline and blocks until the context is canceled or the
// process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.cron.Start()
	a.logger.Info("application started")

	go func() {
		if _, err := a.sessions.Acquire(ctx); err != nil {
			a.logger.Warn("initial login failed; jobs stay degraded until retry", zap.Error(err))
		}
	}()
	go func() {
		if _, err := a.classifier.RunBacklog(ctx); err != nil && !errors.Is(err, monitor.ErrBusy) {
			a.logger.Warn("startup classification backlog failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close stops producers first, then drains the fan-out hub, then releases
// infrastructure.
func (a *App) Close(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Close(ctx); err != nil {
			a.logger.Warn("scheduler close failed", zap.Error(err))
		}
	}
	if a.cron != nil {
		select {
		case <-a.cron.Stop().Done():
		case <-ctx.Done():
			a.logger.Warn("cron jobs still running at shutdown")
		}
	}
	if a.classifier != nil {
		a.classifier.Stop()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("notify hub close failed", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.archiveClose != nil {
		if err := a.archiveClose(); err != nil {
			a.logger.Warn("archive close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
