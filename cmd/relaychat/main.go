package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/accounts"
	"github.com/agentworkforce/relaychat/internal/blob"
	"github.com/agentworkforce/relaychat/internal/broadcast"
	"github.com/agentworkforce/relaychat/internal/client"
	"github.com/agentworkforce/relaychat/internal/config"
	"github.com/agentworkforce/relaychat/internal/docstore"
	"github.com/agentworkforce/relaychat/internal/eventqueue"
	"github.com/agentworkforce/relaychat/internal/fanout"
	"github.com/agentworkforce/relaychat/internal/logging"
	"github.com/agentworkforce/relaychat/internal/metadata"
	"github.com/agentworkforce/relaychat/internal/metrics"
	"github.com/agentworkforce/relaychat/internal/middleware"
	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/transport"
	"github.com/agentworkforce/relaychat/internal/triggers"
)

func main() {
	loader := config.NewLoader(os.Getenv("RELAYCHAT_CONFIG"))
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if addr := os.Getenv("RELAYCHAT_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}

	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("ignoring invalid config change", zap.Error(err))
			return
		}
		if err := logging.SetLevel(level, next.Log.Level); err != nil {
			logger.Warn("invalid log level", zap.String("level", next.Log.Level), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("logLevel", next.Log.Level))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	workspace := cfg.Workspace.ID
	logger = logger.With(zap.String("workspace", workspace))
	m := metrics.New()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
		}
	}()

	db, err := metadata.BuildFromDSN(cfg.Metadata.DSN, workspace)
	if err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	var pipeline *middleware.Pipeline
	defer func() {
		// Once built, the pipeline owns db and closes it.
		if pipeline == nil {
			_ = db.Close()
		}
	}()

	var serviceTokens func(ctx context.Context) (string, error)
	if cfg.Accounts.Secret != "" {
		serviceTokens = accounts.ServiceTokens(cfg.Accounts.Secret, workspace)
	}
	docs, err := docstore.BuildFromDSN(cfg.Docstore.DSN, docstore.Options{
		Workspace:     workspace,
		TokenProvider: serviceTokens,
		UserAgent:     "relaychat",
	})
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	var indexer triggers.Indexer
	store := blob.NewStore(docs, blob.Options{
		MessagesPerBlob: cfg.Pipeline.MessagesPerBlob,
		Logger:          logger,
		OnRetry:         m.BlobRetried,
		OnGroupCreated: func(group relaychat.MessagesGroup) {
			logger.Debug("messages group created", zap.String("cardId", group.CardID), zap.String("blobId", group.BlobID))
			if indexer != nil {
				indexer.Forget(group.CardID)
			}
		},
	})

	resolver, err := buildResolver(cfg, serviceTokens, logger)
	if err != nil {
		return err
	}
	lowLevel := client.New(store, db, resolver, client.Options{CacheSize: cfg.Cache.Size, CacheTTL: cfg.Cache.TTL})

	server := transport.NewServer(transport.ServerConfig{
		Workspace:       workspace,
		JWTSecret:       cfg.Server.JWTSecret,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		PingInterval:    cfg.Server.PingInterval,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		Logger:          logger,
		Metrics:         m,
	})
	callbacks := server.Callbacks(cfg.Pipeline.AsyncTriggers)

	queueSize := intEnv("RELAYCHAT_EVENT_QUEUE_SIZE", eventqueue.DefaultCapacity)
	if cfg.Kafka.EventsTopic != "" {
		queue, err := buildQueue(cfg, cfg.Kafka.EventsTopic, queueSize)
		if err != nil {
			return fmt.Errorf("events queue: %w", err)
		}
		closers = append(closers, queue)
		callbacks.Enqueue = eventqueue.Enqueuer(queue, workspace)
	}
	if cfg.Kafka.CardsTopic != "" {
		queue, err := buildQueue(cfg, cfg.Kafka.CardsTopic, queueSize)
		if err != nil {
			return fmt.Errorf("cards queue: %w", err)
		}
		closers = append(closers, queue)
		indexer = triggers.NewCardIndexer(queue, workspace, triggers.CardIndexerOptions{
			Size: cfg.Cache.Size,
			TTL:  durationEnv("RELAYCHAT_CARD_INDEX_TTL", time.Hour),
		})
	}

	var bus fanout.Bus
	if cfg.Redis.URL != "" {
		redisBus, err := fanout.DialRedis(cfg.Redis.URL, fanout.RedisOptions{
			Channel:   cfg.Redis.Channel,
			Origin:    uuid.NewString(),
			Workspace: workspace,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		bus = redisBus
		closers = append(closers, bus)
		callbacks.Publish = bus.Publish
	}

	pipeline, err = middleware.NewPipeline(middleware.PipelineOptions{
		Logger:           logger,
		Metrics:          m,
		Workspace:        workspace,
		Client:           lowLevel,
		Registry:         broadcast.NewRegistry(),
		Callbacks:        callbacks,
		Indexer:          indexer,
		MaxDerivedEvents: cfg.Pipeline.MaxDerivedEvents,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	server.Attach(pipeline)

	if bus != nil {
		go func() {
			if err := bus.Run(ctx, pipeline.Deliver); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("fanout stopped", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relaychat listening", zap.String("addr", cfg.Server.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		_ = pipeline.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("RELAYCHAT_SHUTDOWN_TIMEOUT", 15*time.Second))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pending cascades abandoned", zap.Error(err))
	}
	return pipeline.Close()
}

// buildResolver falls back to a passthrough resolver when no accounts
// service is configured, so every social id is its own account.
func buildResolver(cfg *config.Config, tokens func(ctx context.Context) (string, error), logger *zap.Logger) (accounts.Resolver, error) {
	if cfg.Accounts.URL == "" {
		logger.Warn("no accounts service configured, social ids resolve to themselves")
		return accounts.NewStaticResolver(true), nil
	}
	resolver, err := accounts.NewHTTPResolver(accounts.HTTPResolverOptions{
		BaseURL:       cfg.Accounts.URL,
		TokenProvider: tokens,
		MaxRetries:    intEnv("RELAYCHAT_ACCOUNTS_MAX_RETRIES", 2),
		BaseDelay:     durationEnv("RELAYCHAT_ACCOUNTS_RETRY_DELAY", 100*time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("accounts resolver: %w", err)
	}
	return resolver, nil
}

// buildQueue treats the topic as a queue DSN (memory://, file path) when no
// Kafka brokers are configured.
func buildQueue(cfg *config.Config, topic string, capacity int) (eventqueue.Queue, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return eventqueue.BuildFromDSN(topic, capacity)
	}
	return eventqueue.NewKafkaQueue(eventqueue.KafkaOptions{Brokers: cfg.Kafka.Brokers, Topic: topic})
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
