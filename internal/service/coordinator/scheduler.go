package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Default job intervals.
const (
	DefaultHealthInterval   = 10 * time.Second
	DefaultEvictionInterval = 60 * time.Second
	DefaultStatsInterval    = 30 * time.Second

	// Local agents heartbeat at half the degraded threshold.
	DefaultLocalHeartbeatInterval = 15 * time.Second
)

type ScheduleConfig struct {
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
	StatsInterval    time.Duration `mapstructure:"stats_interval"`

	LocalHeartbeatInterval time.Duration `mapstructure:"local_heartbeat_interval"`
}

func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		HealthInterval:   DefaultHealthInterval,
		EvictionInterval: DefaultEvictionInterval,
		StatsInterval:    DefaultStatsInterval,

		LocalHeartbeatInterval: DefaultLocalHeartbeatInterval,
	}
}

type Job func(ctx context.Context) error

// Scheduler runs jobs at fixed intervals. A run that is still going when
// the next one is due is skipped rather than stacked.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
	}
}

// Every adds job under name. Non-positive intervals are rejected.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval for %q must be positive, got %s", name, interval)
	}
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}

		start := time.Now()
		if err := job(ctx); err != nil {
			s.logger.Warn("scheduled job failed", "job", name, "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Debug("scheduled job completed", "job", name, "duration", time.Since(start))
	}))
	s.logger.Info("job scheduled", "job", name, "interval", interval)
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// ScheduleJobs registers the coordinator's periodic work on sched.
func (s *Service) ScheduleJobs(sched *Scheduler, cfg ScheduleConfig) error {
	if err := sched.Every("health_aging", cfg.HealthInterval, s.AgeHealth); err != nil {
		return err
	}
	if err := sched.Every("stale_eviction", cfg.EvictionInterval, s.EvictStale); err != nil {
		return err
	}
	if s.local != nil {
		if err := sched.Every("local_heartbeat", cfg.LocalHeartbeatInterval, s.HeartbeatLocal); err != nil {
			return err
		}
	}
	return sched.Every("stats_publish", cfg.StatsInterval, s.PublishStats)
}

// cronLogger routes cron's own messages into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
