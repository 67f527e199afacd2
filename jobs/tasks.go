package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rentwise/rentwise/internal/notify"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotifications carries push deliveries.
	QueueNotifications = "notifications"
	// TaskNotificationPush delivers one push message to a user's subscriptions.
	TaskNotificationPush = "notification:push"
	// TaskBillingReminders scans bills due today and queues reminders.
	TaskBillingReminders = "billing:reminders"
)

// pushRetention keeps finished push task ids so redispatches within the
// window collapse onto the first one.
const pushRetention = 24 * time.Hour

// NewPushTask constructs a push delivery task. A message with a DedupeKey is
// enqueued under that task id.
func NewPushTask(msg notify.PushMessage) (*asynq.Task, []asynq.Option, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueNotifications), asynq.MaxRetry(5), asynq.Timeout(30 * time.Second)}
	if msg.DedupeKey != "" {
		opts = append(opts, asynq.TaskID(msg.DedupeKey), asynq.Retention(pushRetention))
	}
	return asynq.NewTask(TaskNotificationPush, data), opts, nil
}

// BillingRemindersPayload selects the due day; empty means today in UTC.
type BillingRemindersPayload struct {
	Day string `json:"day,omitempty"`
}

// NewBillingRemindersTask constructs the reminder scan task.
func NewBillingRemindersTask(payload BillingRemindersPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingReminders, data), nil
}
