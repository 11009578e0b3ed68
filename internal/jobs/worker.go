package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOpt converts go-redis options into asynq connection options.
func RedisOpt(o *redis.Options) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Network:   o.Network,
		Addr:      o.Addr,
		Username:  o.Username,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: o.TLSConfig,
	}
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisConnOpt
	Logger      zerolog.Logger
	Handlers    *Handlers
	Concurrency int
	// PurgeSpec is the cron expression for the purge task; empty disables it.
	PurgeSpec string
	Retention time.Duration
}

// Worker wraps the asynq server and its scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    zerolog.Logger
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Handlers == nil {
		return nil, errors.New("worker: handlers are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	logger := asynqLogger{cfg.Logger.With().Str("component", "jobs").Logger()}

	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{QueueDefault: 1},
		Logger:      logger,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			cfg.Logger.Error().Err(err).Str("task", task.Type()).Msg("jobs: task failed")
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskNotificationDeliver, cfg.Handlers.HandleDeliver)
	mux.HandleFunc(TaskNotificationPurge, cfg.Handlers.HandlePurge)

	var scheduler *asynq.Scheduler
	if cfg.PurgeSpec != "" {
		if cfg.Retention <= 0 {
			return nil, errors.New("worker: purge retention must be positive")
		}
		task, err := NewPurgeTask(cfg.Retention)
		if err != nil {
			return nil, err
		}
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC, Logger: logger})
		if _, err := scheduler.Register(cfg.PurgeSpec, task); err != nil {
			return nil, fmt.Errorf("register purge schedule: %w", err)
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer w.scheduler.Shutdown()
	}
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	w.logger.Info().Msg("jobs: worker started")
	<-ctx.Done()
	w.server.Shutdown()
	w.logger.Info().Msg("jobs: worker stopped")
	return nil
}

// asynqLogger routes asynq's logs through zerolog.
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
