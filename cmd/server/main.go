package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/allocation/internal/adapter/handler"
	"github.com/rl1809/allocation/internal/adapter/messaging"
	"github.com/rl1809/allocation/internal/adapter/notification"
	"github.com/rl1809/allocation/internal/adapter/storage"
	"github.com/rl1809/allocation/internal/config"
	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/core/service"
	"github.com/rl1809/allocation/internal/logging"
	"github.com/rl1809/allocation/internal/port"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(config.ServiceName, cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := storage.OpenDB(ctx, cfg.Database.Driver, cfg.DatabaseDSN(), storage.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to database", zap.String("driver", cfg.Database.Driver))

	store := storage.NewSQLStore(db)
	if cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	// Initialize Redis
	var redisAdapter *messaging.RedisAdapter
	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		redisAdapter = messaging.NewRedisAdapter(rdb, logger)
	}

	publisher, closePublisher := newPublisher(cfg, redisAdapter, logger)
	defer closePublisher()

	bus := service.Bootstrap(service.Dependencies{
		UnitOfWork:    store.NewUnitOfWork,
		Publisher:     publisher,
		Notifier:      newNotifier(cfg, logger),
		Logger:        logger,
		StockAlertsTo: cfg.Notifications.StockAlertsTo,
		Retry: service.RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
		},
	})

	var guard handler.IdempotencyGuard
	if redisAdapter != nil {
		guard = redisAdapter
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler.NewHTTPHandler(bus, store, guard, logger).Routes(),
	}

	grpcServer := grpc.NewServer()
	handler.RegisterAllocationServiceServer(grpcServer, handler.NewGRPCHandler(bus, store, logger))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPC.Addr))
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if redisAdapter != nil && cfg.Redis.Consume {
		g.Go(func() error {
			return redisAdapter.ConsumeChangeBatchQuantity(ctx, func(ctx context.Context, cmd domain.ChangeBatchQuantity) error {
				_, err := bus.Handle(ctx, cmd)
				return err
			})
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", zap.Error(err))
		}
		logger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})

	return g.Wait()
}

func newPublisher(cfg *config.Config, redisAdapter *messaging.RedisAdapter, logger *zap.Logger) (port.Publisher, func()) {
	switch cfg.Publisher.Backend {
	case config.PublisherKafka:
		kp := messaging.NewKafkaPublisher(cfg.Kafka.Brokers, logger)
		return kp, func() {
			if err := kp.Close(); err != nil {
				logger.Error("failed to close kafka writer", zap.Error(err))
			}
		}
	case config.PublisherRedis:
		return redisAdapter, func() {}
	default:
		return messaging.NewLogPublisher(logger), func() {}
	}
}

func newNotifier(cfg *config.Config, logger *zap.Logger) port.Notifier {
	if cfg.SMTP.Host == "" {
		return notification.NewLogNotifier(logger)
	}
	return notification.NewEmailNotifier(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From, cfg.SMTP.Username, cfg.SMTP.Password, logger)
}
