package loyalty

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dms-loyalty/pkg/logger"
	"dms-loyalty/pkg/task"
	"dms-loyalty/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Notifier publishes loyalty events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type taskNotifier struct {
	enqueuer task.Enqueuer
	queue    string
}

func NewTaskNotifier(enqueuer task.Enqueuer, queue string) Notifier {
	return &taskNotifier{enqueuer: enqueuer, queue: queue}
}

func (n *taskNotifier) Notify(ctx context.Context, event Event) error {
	var typeName string
	switch event.Type {
	case EventPointsRedeemed:
		typeName = taskname.LoyaltyPointsRedeemed
	case EventTierUpgraded:
		typeName = taskname.LoyaltyTierUpgraded
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	opts := []asynq.Option{asynq.MaxRetry(5), asynq.Timeout(30 * time.Second)}
	if n.queue != "" {
		opts = append(opts, asynq.Queue(n.queue))
	}

	_, err = n.enqueuer.Enqueue(ctx, asynq.NewTask(typeName, payload), opts...)
	return err
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

// notifyTimeout bounds how long a committed request waits on the queue.
const notifyTimeout = 500 * time.Millisecond

// publish hands events to the notifier without letting its failures reach the
// caller. Events are sent even when the request context is already cancelled.
func publish(ctx context.Context, n Notifier, events ...Event) {
	if n == nil || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	for _, e := range events {
		if err := n.Notify(ctx, e); err != nil {
			logger.FromContext(ctx).Warn("failed to publish loyalty event",
				zap.String("event_type", string(e.Type)),
				zap.String("customer_id", e.CustomerID),
				zap.Error(err),
			)
		}
	}
}
