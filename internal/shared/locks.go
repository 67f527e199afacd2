package shared

import "fmt"

// GatewayEventLockKey builds redis keys serialising retries of one gateway event.
func GatewayEventLockKey(channel, transactionRef string) string {
	return fmt.Sprintf("gateway:%s:%s:lock", channel, transactionRef)
}

// BillingReminderTaskID builds the asynq task id deduplicating reminders per bill and day.
func BillingReminderTaskID(billingID int64, day string) string {
	return fmt.Sprintf("billing:%d:reminder:%s", billingID, day)
}
