package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dms-loyalty/pkg/clock"
	"dms-loyalty/pkg/config"
	"dms-loyalty/pkg/logger"
	taskqueue "dms-loyalty/pkg/task"
	"dms-loyalty/pkg/taskname"
	"dms-loyalty/services/loyalty"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service runs the daily loyalty maintenance and consumes loyalty events.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    clock.Clock
	enqueuer taskqueue.Enqueuer
	loyalty  *loyalty.Service
	queue    string
}

type Params struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Clock   clock.Clock
	Config  *config.Config
	Loyalty *loyalty.Service

	Enqueuer taskqueue.Enqueuer `optional:"true"`
}

func NewService(p Params) *Service {
	queue := p.Config.Task.Queue
	if queue == "" {
		queue = "loyalty"
	}
	return &Service{
		db:       p.DB,
		node:     p.Node,
		clock:    p.Clock,
		enqueuer: p.Enqueuer,
		loyalty:  p.Loyalty,
		queue:    queue,
	}
}

// EnqueueDaily schedules the maintenance tasks for the day of now. Task ids
// carry the date, so enqueueing twice on the same day is a no-op.
func (s *Service) EnqueueDaily(ctx context.Context, now time.Time) error {
	if s.enqueuer == nil {
		return errors.New("no task enqueuer configured")
	}

	now = now.UTC()
	tid := traceID(ctx)
	tasks := []struct {
		name    string
		payload any
	}{
		{taskname.LoyaltyRedemptionExpire, loyalty.ExpireRedemptionsPayload{Before: now, TraceID: tid}},
		{taskname.LoyaltyPointsExpire, loyalty.ExpirePointsPayload{AsOf: now, TraceID: tid}},
		{taskname.LoyaltyLedgerReconcile, loyalty.ReconcilePayload{TraceID: tid}},
	}

	var errs []error
	for _, t := range tasks {
		if err := s.enqueue(ctx, t.name, now.Format(time.DateOnly), t.payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) enqueue(ctx context.Context, name, day string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	info, err := s.enqueuer.Enqueue(ctx, asynq.NewTask(name, body),
		asynq.Queue(s.queue),
		asynq.TaskID(name+":"+day),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		zap.L().Info("maintenance task already enqueued", zap.String("task", name), zap.String("day", day))
		return nil
	}
	if err != nil {
		return err
	}

	zap.L().Info("enqueued maintenance task",
		zap.String("task", name),
		zap.String("queue", info.Queue),
		zap.String("task_id", info.ID),
	)
	return nil
}

func (s *Service) HandleExpireRedemptions(ctx context.Context, t *asynq.Task) error {
	var p loyalty.ExpireRedemptionsPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	before := p.Before
	if before.IsZero() {
		before = s.clock.Now()
	}

	return s.run(ctx, t.Type(), func(ctx context.Context) (any, error) {
		n, err := s.loyalty.ExpireRedemptions(ctx, before)
		return map[string]any{"before": before, "expired": n}, err
	})
}

func (s *Service) HandleExpirePoints(ctx context.Context, t *asynq.Task) error {
	var p loyalty.ExpirePointsPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	asOf := p.AsOf
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}

	return s.run(ctx, t.Type(), func(ctx context.Context) (any, error) {
		return s.loyalty.ExpirePoints(ctx, asOf)
	})
}

func (s *Service) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	var p loyalty.ReconcilePayload
	if err := decode(t, &p); err != nil {
		return err
	}

	return s.run(ctx, t.Type(), func(ctx context.Context) (any, error) {
		summary, err := s.loyalty.ReconcileAll(ctx)
		return map[string]any{"accounts": summary.Accounts, "drifted": summary.Drifted}, err
	})
}

// HandleEvent consumes PointsRedeemed and TierUpgraded events.
func (s *Service) HandleEvent(ctx context.Context, t *asynq.Task) error {
	var e loyalty.Event
	if err := decode(t, &e); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("event_type", string(e.Type)),
		zap.String("customer_id", e.CustomerID),
		zap.String("account_id", e.AccountID),
		zap.String("event_trace_id", e.TraceID),
		zap.Time("occurred_at", e.OccurredAt),
	}
	switch e.Type {
	case loyalty.EventPointsRedeemed:
		fields = append(fields,
			zap.String("redemption_code", e.RedemptionCode),
			zap.String("reward_id", e.RewardID),
			zap.Int64("points_cost", e.PointsCost),
		)
	case loyalty.EventTierUpgraded:
		fields = append(fields, zap.String("from_tier", e.FromTier), zap.String("to_tier", e.ToTier))
	default:
		return fmt.Errorf("%w: unknown event type %q", asynq.SkipRetry, e.Type)
	}

	logger.FromContext(ctx).Info("loyalty event received", fields...)
	return nil
}

func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func decode(t *asynq.Task, v any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		zap.L().Error("invalid task payload", zap.String("task", t.Type()), zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return nil
}

// run records a Job around fn.
func (s *Service) run(ctx context.Context, name string, fn func(context.Context) (any, error)) error {
	log := logger.FromContext(ctx).With(zap.String("task", name))

	started := s.clock.Now()
	job := Job{
		ID:        s.node.Generate(),
		TaskName:  name,
		Status:    JobRunning,
		StartedAt: &started,
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return err
	}

	result, runErr := fn(ctx)

	completed := s.clock.Now()
	updates := map[string]any{
		"status":       JobSuccess,
		"completed_at": completed,
	}
	if runErr != nil {
		updates["status"] = JobFailed
		updates["error_msg"] = runErr.Error()
	}
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			updates["metadata"] = b
		}
	}
	if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		log.Warn("failed to record job result", zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	if runErr != nil {
		log.Error("maintenance task failed", zap.String("job_id", job.ID.String()), zap.Error(runErr))
		return runErr
	}

	log.Info("maintenance task finished",
		zap.String("job_id", job.ID.String()),
		zap.Duration("duration", completed.Sub(started)),
	)
	return nil
}
