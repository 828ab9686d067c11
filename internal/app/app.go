// Package app wires stores, queue, transport and services from a Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/db"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
	"github.com/unclebandit/campaign-dispatcher/internal/transport"
)

type App struct {
	Config config.Config
	Log    *zap.Logger

	DB    *sql.DB
	Redis *redis.Client

	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	Outcomes      repository.OutcomeRecorder
	Queue         queue.JobQueue
	Service       *service.CampaignService

	closers []func() error
}

// New connects every backend the config selects. On error, whatever was
// already opened is closed again.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	log.Info("backends ready", zap.String("store", cfg.StoreBackend), zap.String("queue", cfg.QueueBackend))
	return a, nil
}

func (a *App) open(ctx context.Context) (err error) {
	cfg, log := a.Config, a.Log

	if cfg.StoreBackend == "postgres" || cfg.QueueBackend == "postgres" {
		a.DB, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, a.DB.Close)
		log.Info("✅ connected to postgres")
	}

	switch cfg.StoreBackend {
	case "postgres":
		a.CampaignRepo = &repository.CampaignRepository{DB: a.DB}
		a.RecipientRepo = &repository.RecipientRepository{DB: a.DB}
		a.Outcomes = &repository.TxRecorder{DB: a.DB}
	default:
		store := repository.NewMemoryStore()
		a.CampaignRepo = store.Campaigns()
		a.RecipientRepo = store.Recipients()
		a.Outcomes = &repository.SequentialRecorder{Recipients: a.RecipientRepo, Campaigns: a.CampaignRepo}
	}

	a.Queue, err = a.openQueue(ctx)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Queue.Close)

	a.Service = service.NewCampaignService(a.CampaignRepo, a.RecipientRepo, a.Queue, log.Named("campaigns"))
	a.Service.MaxAttempts = cfg.MaxAttempts
	a.Service.BackoffBase = cfg.BackoffBase
	return nil
}

func (a *App) openQueue(ctx context.Context) (queue.JobQueue, error) {
	cfg := a.Config
	qlog := a.Log.Named("queue")

	switch cfg.QueueBackend {
	case "postgres":
		return queue.NewPostgresQueue(a.DB, cfg.VisibilityTimeout, cfg.PollInterval, qlog), nil
	case "redis":
		// the queue owns the client from here on and closes it
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.RedisAddr, err)
		}
		a.Redis = client
		a.Log.Info("✅ connected to redis", zap.String("addr", cfg.RedisAddr))
		return queue.NewRedisQueue(a.Redis, cfg.VisibilityTimeout, cfg.PollInterval, qlog), nil
	case "amqp":
		q, err := queue.NewAMQPQueue(cfg.AMQPURL, cfg.Workers, cfg.ParkDelay, qlog)
		if err != nil {
			return nil, err
		}
		a.Log.Info("✅ connected to rabbitmq")
		return q, nil
	default:
		q := queue.NewMemoryQueue(qlog)
		q.Visibility = cfg.VisibilityTimeout
		return q, nil
	}
}

// Sender builds the provider client. Without PROVIDER_URL a mock that fails
// one send in ten is used.
func (a *App) Sender() transport.Sender {
	var s transport.Sender
	if a.Config.ProviderURL == "" {
		a.Log.Warn("⚠️ PROVIDER_URL not set, using mock sender")
		s = transport.MockSender{SuccessRate: 0.9}
	} else {
		s = transport.NewHTTPSender(a.Config.ProviderURL, a.Config.ProviderAPIKey, a.Config.SendTimeout)
	}
	return transport.NewRateLimited(s, a.Config.SendRatePerSec)
}

// NewWorker returns a dispatch pool configured from the app's settings.
func (a *App) NewWorker() *service.Worker {
	w := service.NewWorker(a.Queue, a.CampaignRepo, a.RecipientRepo, a.Outcomes, a.Sender(), a.Service, a.Log.Named("worker"))
	w.Concurrency = a.Config.Workers
	w.SendTimeout = a.Config.SendTimeout
	w.ParkDelay = a.Config.ParkDelay
	return w
}

// Ready pings the external backends.
func (a *App) Ready(ctx context.Context) error {
	if a.DB != nil {
		if err := a.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
