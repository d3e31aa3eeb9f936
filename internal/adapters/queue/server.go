package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/hibiken/asynq"
)

// RedisOpt builds the asynq connection from the shared Redis settings.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}
}

func NewServer(opt asynq.RedisClientOpt, cfg config.QueueConfig, logger *slog.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueReconcile: 5,
			QueueGateway:   3,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Error("task failed",
				"type", task.Type(),
				"retry", retried,
				"max_retry", maxRetry,
				"error", err,
			)
		}),
	})
}

// Scheduler enqueues the reconciliation ticks.
type Scheduler struct {
	scheduler *asynq.Scheduler
	interval  time.Duration
	retry     int
	logger    *slog.Logger
}

func NewScheduler(opt asynq.RedisClientOpt, interval time.Duration, retry int, logger *slog.Logger) *Scheduler {
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
		LogLevel: asynq.WarnLevel,
	})
	return &Scheduler{
		scheduler: scheduler,
		interval:  interval,
		retry:     retry,
		logger:    logger,
	}
}

// Register adds one tick per reconciliation duty. Unique keeps a slow pass
// from piling up behind itself on every instance.
func (s *Scheduler) Register() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	for _, taskType := range []string{TypeExpirySweep, TypeOfflineSettlement} {
		_, err := s.scheduler.Register(spec, asynq.NewTask(taskType, nil),
			asynq.Queue(QueueReconcile),
			asynq.MaxRetry(s.retry),
			asynq.Timeout(s.interval),
			asynq.Unique(s.interval),
		)
		if err != nil {
			s.logger.Error("failed to register reconciliation task", "type", taskType, "error", err)
			return err
		}
		s.logger.Info("registered reconciliation task", "type", taskType, "every", s.interval)
	}
	return nil
}

func (s *Scheduler) Start() error {
	return s.scheduler.Start()
}

func (s *Scheduler) Shutdown() {
	s.scheduler.Shutdown()
}
