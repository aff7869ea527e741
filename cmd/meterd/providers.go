package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/voltmet/prepaid-metering-worker/internal/balance"
	"github.com/voltmet/prepaid-metering-worker/internal/billing"
	"github.com/voltmet/prepaid-metering-worker/internal/command"
	"github.com/voltmet/prepaid-metering-worker/internal/config"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
	"github.com/voltmet/prepaid-metering-worker/internal/httpapi"
	"github.com/voltmet/prepaid-metering-worker/internal/mq"
	"github.com/voltmet/prepaid-metering-worker/internal/repository"
	"github.com/voltmet/prepaid-metering-worker/internal/service"
	"github.com/voltmet/prepaid-metering-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideDBPool creates the database pool
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates the repository
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideMQConnection creates the RabbitMQ connection
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the domain event publisher
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
}

// ProvideValidator creates the reading validator
func ProvideValidator() *validator.Validator {
	return validator.NewValidator()
}

// ProvideApplicator creates the billing applicator
func ProvideApplicator(repo *repository.Repository, logger *zap.Logger) *billing.Applicator {
	return billing.NewApplicator(repo, logger)
}

// ProvideCoordinator creates the command lifecycle coordinator
func ProvideCoordinator(repo *repository.Repository, publisher *mq.Publisher, cfg *config.Config, logger *zap.Logger) *command.Coordinator {
	return command.NewCoordinator(
		repo,
		publisher,
		logger,
		cfg.Commands.DefaultMaxRetries,
		time.Duration(cfg.Commands.ClaimLeaseSeconds)*time.Second,
		cfg.Commands.ClaimBatchSize,
	)
}

// ProvideMachine creates the balance state machine
func ProvideMachine(repo *repository.Repository, coordinator *command.Coordinator, publisher *mq.Publisher, cfg *config.Config, logger *zap.Logger) *balance.Machine {
	return balance.NewMachine(repo, coordinator, publisher, cfg.Billing.LowBalanceRatio, cfg.Billing.SystemActorID, logger)
}

// ProvideIngestService creates the reading ingest pipeline
func ProvideIngestService(
	repo *repository.Repository,
	v *validator.Validator,
	applicator *billing.Applicator,
	machine *balance.Machine,
	publisher *mq.Publisher,
	logger *zap.Logger,
) *service.IngestService {
	return service.NewIngestService(repo, v, applicator, machine, publisher, logger)
}

// ProvideOfflineSweeper creates the device offline sweeper
func ProvideOfflineSweeper(repo *repository.Repository, publisher *mq.Publisher, cfg *config.Config, logger *zap.Logger) *service.OfflineSweeper {
	return service.NewOfflineSweeper(
		repo,
		publisher,
		time.Duration(cfg.Offline.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.Offline.OfflineAfterMinutes)*time.Minute,
		logger,
	)
}

// ProvideHTTPServer creates the admin/worker HTTP API server
func ProvideHTTPServer(
	coordinator *command.Coordinator,
	machine *balance.Machine,
	repo *repository.Repository,
	cfg *config.Config,
	logger *zap.Logger,
) *httpapi.Server {
	return httpapi.NewServer(coordinator, machine, repo, cfg.Billing.LowBalanceRatio, logger)
}

func startConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	ingest *service.IngestService,
) error {
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: ingest.HandleMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting ingest consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("ingest consumer stopped")
			return nil
		},
	})
	return nil
}

func startOfflineSweeper(lc fx.Lifecycle, sweeper *service.OfflineSweeper, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting offline sweeper")
			go sweeper.Run(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return nil
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, server *httpapi.Server, cfg *config.Config, logger *zap.Logger) {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: server.Routes(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listener, err := net.Listen("tcp", httpServer.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", httpServer.Addr, err)
			}
			logger.Info("http api listening", zap.String("addr", httpServer.Addr))
			go func() {
				if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					logger.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})
}
