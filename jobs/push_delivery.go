package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/rentwise/rentwise/internal/jobs"
	"github.com/rentwise/rentwise/internal/notify"
)

// Deliverer fans a push message out to subscriptions.
type Deliverer interface {
	Deliver(ctx context.Context, msg notify.PushMessage) (notify.DeliveryReport, error)
}

// PushDeliveryJob handles TaskNotificationPush.
type PushDeliveryJob struct {
	Deliverer Deliverer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewPushDeliveryJob wires dependencies for the push handler.
func NewPushDeliveryJob(deliverer Deliverer, logger *slog.Logger, metrics *jobmetrics.Metrics) *PushDeliveryJob {
	return &PushDeliveryJob{Deliverer: deliverer, Logger: logger, Metrics: metrics}
}

// Handle delivers one push message. Transient relay failures are retried by
// asynq; a malformed payload is dropped.
func (j *PushDeliveryJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Deliverer == nil {
		return errors.New("push delivery: handler not configured")
	}
	var msg notify.PushMessage
	if err := json.Unmarshal(t.Payload(), &msg); err != nil || msg.UserID <= 0 {
		j.logger().Warn("drop malformed push task", slog.String("payload", string(t.Payload())))
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskNotificationPush)
	report, err := j.Deliverer.Deliver(ctx, msg)
	j.Metrics.AddPushDeliveries("delivered", report.Delivered)
	j.Metrics.AddPushDeliveries("pruned", report.Pruned)
	j.Metrics.AddPushDeliveries("failed", report.Failed)
	if err != nil {
		j.logger().Warn("push delivery failed",
			slog.Int64("user_id", msg.UserID),
			slog.String("kind", string(msg.Kind)),
			slog.Any("error", err))
	}
	return tracker.End(err)
}

func (j *PushDeliveryJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
