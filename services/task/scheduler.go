package task

import (
	"context"
	"time"

	"dms-loyalty/pkg/clock"
	"dms-loyalty/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	service *Service
	clock   clock.Clock
	hour    int
	minute  int
}

func NewScheduler(svc *Service, clk clock.Clock, cfg *config.Config) *Scheduler {
	return &Scheduler{
		service: svc,
		clock:   clk,
		hour:    cfg.Task.ScheduleHour,
		minute:  cfg.Task.ScheduleMinute,
	}
}

// StartScheduler runs the daily loop until the app stops.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started loyalty maintenance scheduler",
		zap.Int("hour", s.hour),
		zap.Int("minute", s.minute),
	)

	for {
		now := s.clock.Now()
		next := nextRunTime(now, s.hour, s.minute)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)

		timer := time.NewTimer(sleepDuration)
		select {
		case <-timer.C:
			s.runDaily(ctx)
		case <-ctx.Done():
			timer.Stop()
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	start := s.clock.Now()
	zap.L().Info("[Scheduler] enqueueing daily maintenance")

	if err := s.service.EnqueueDaily(ctx, start); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue daily maintenance", zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] daily maintenance enqueued",
		zap.Duration("duration", s.clock.Now().Sub(start)),
	)
}

// nextRunTime returns the next occurrence of hour:minute at or after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
