package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rentwise/rentwise/internal/billing"
	jobmetrics "github.com/rentwise/rentwise/internal/jobs"
	"github.com/rentwise/rentwise/internal/notify"
	"github.com/rentwise/rentwise/internal/shared"
)

// ReminderSource lists unpaid bills due on a day.
type ReminderSource interface {
	DueReminders(ctx context.Context, day time.Time) ([]billing.DueReminder, error)
}

// OnceDispatcher queues a push message at most once per DedupeKey.
type OnceDispatcher interface {
	DispatchOnce(ctx context.Context, msg notify.PushMessage) (bool, error)
}

// NotificationStore persists in-app notifications outside a financial transaction.
type NotificationStore interface {
	Insert(ctx context.Context, n notify.Notification) (notify.Notification, error)
}

// BillingRemindersJob notifies tenants of bills due today.
type BillingRemindersJob struct {
	Source     ReminderSource
	Dispatcher OnceDispatcher
	Store      NotificationStore
	Format     notify.Formatter
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	clock      func() time.Time
}

// NewBillingRemindersJob wires dependencies for the reminder scan.
func NewBillingRemindersJob(source ReminderSource, dispatcher OnceDispatcher, store NotificationStore, format notify.Formatter, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingRemindersJob {
	return &BillingRemindersJob{
		Source:     source,
		Dispatcher: dispatcher,
		Store:      store,
		Format:     format,
		Logger:     logger,
		Metrics:    metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes reminder scans. Each bill is reminded at most once per
// day: the push is queued under a per-bill, per-day task id and the in-app
// row is only written for a newly queued push.
func (j *BillingRemindersJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil || j.Dispatcher == nil {
		return errors.New("billing reminders: handler not configured")
	}
	var payload BillingRemindersPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	day := j.clock()
	if payload.Day != "" {
		parsed, err := time.Parse(time.DateOnly, payload.Day)
		if err != nil {
			return fmt.Errorf("billing reminders: day %q: %v: %w", payload.Day, err, asynq.SkipRetry)
		}
		day = parsed
	}
	dayKey := day.Format(time.DateOnly)

	tracker := j.Metrics.Track(TaskBillingReminders)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("day", dayKey))
	due, err := j.Source.DueReminders(ctx, day)
	if err != nil {
		resultErr = err
		logger.Error("load due bills", slog.Any("error", err))
		return resultErr
	}

	sent := 0
	for _, r := range due {
		n := notify.Notification{
			UserID:  r.TenantID,
			Kind:    notify.KindBillingReminder,
			Title:   "Bill due today",
			Body:    j.Format.Sprintf("Billing #%d of %s is due today.", r.BillingID, j.Format.Amount(r.TotalAmountDue)),
			RefType: "billing",
			RefID:   r.BillingID,
		}
		msg := n.Push()
		msg.DedupeKey = shared.BillingReminderTaskID(r.BillingID, dayKey)
		fresh, err := j.Dispatcher.DispatchOnce(ctx, msg)
		if err != nil {
			resultErr = err
			logger.Error("queue reminder", slog.Int64("billing_id", r.BillingID), slog.Any("error", err))
			return resultErr
		}
		if !fresh {
			continue
		}
		sent++
		if j.Store == nil {
			continue
		}
		if _, err := j.Store.Insert(ctx, n); err != nil {
			logger.Warn("record reminder notification", slog.Int64("billing_id", r.BillingID), slog.Any("error", err))
		}
	}
	logger.Info("billing reminders queued", slog.Int("due", len(due)), slog.Int("sent", sent))
	return resultErr
}

func (j *BillingRemindersJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
