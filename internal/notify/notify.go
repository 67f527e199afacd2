// Package notify records in-app notifications inside financial transactions
// and delivers push messages after commit.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Kind classifies a notification.
type Kind string

const (
	KindPaymentReceived Kind = "payment_received"
	KindPaymentApproved Kind = "payment_approved"
	KindPaymentRejected Kind = "payment_rejected"
	KindBillingPaid     Kind = "billing_paid"
	KindBillingReminder Kind = "billing_reminder"
	KindLeaseActivated  Kind = "lease_activated"
)

// ErrSubscriptionGone is returned by a Pusher when the relay reports the
// subscription as expired.
var ErrSubscriptionGone = errors.New("notify: push subscription gone")

// Notification is an in-app notification row.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	RefType   string    `json:"ref_type,omitempty"`
	RefID     int64     `json:"ref_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Push converts the notification into its push payload.
func (n Notification) Push() PushMessage {
	return PushMessage{
		UserID:         n.UserID,
		NotificationID: n.ID,
		Kind:           n.Kind,
		Title:          n.Title,
		Body:           n.Body,
		RefType:        n.RefType,
		RefID:          n.RefID,
	}
}

// PushMessage is the payload queued for asynchronous push delivery.
type PushMessage struct {
	UserID         int64  `json:"user_id"`
	NotificationID int64  `json:"notification_id,omitempty"`
	Kind           Kind   `json:"kind"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	RefType        string `json:"ref_type,omitempty"`
	RefID          int64  `json:"ref_id,omitempty"`
	// DedupeKey collapses repeated dispatches of the same message.
	DedupeKey string `json:"-"`
}

// Dispatcher hands push messages to the background worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg PushMessage) error
}

// Publisher dispatches push messages after a transaction committed. Failures
// are logged and never surface to the caller.
type Publisher struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	timeout    time.Duration
}

// NewPublisher constructs a Publisher. A nil dispatcher disables push.
func NewPublisher(dispatcher Dispatcher, logger *slog.Logger, timeout time.Duration) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{dispatcher: dispatcher, logger: logger, timeout: timeout}
}

// Publish dispatches every message, detached from the caller's cancellation.
func (p *Publisher) Publish(ctx context.Context, msgs ...PushMessage) {
	if p == nil || p.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	for _, msg := range msgs {
		if err := p.dispatcher.Dispatch(ctx, msg); err != nil {
			p.logger.Warn("push dispatch skipped",
				slog.Int64("user_id", msg.UserID),
				slog.String("kind", string(msg.Kind)),
				slog.Any("error", err))
		}
	}
}

// Formatter renders money and labels for notification bodies.
type Formatter struct {
	currency string
	printer  *message.Printer
	caser    cases.Caser
}

// NewFormatter builds a Formatter for an ISO currency code.
func NewFormatter(currency string) Formatter {
	if currency == "" {
		currency = "IDR"
	}
	return Formatter{
		currency: strings.ToUpper(currency),
		printer:  message.NewPrinter(language.English),
		caser:    cases.Title(language.English),
	}
}

// Amount renders a money amount with thousands grouping. Only the whole part
// goes through the locale printer; the cents come from the exact decimal.
func (f Formatter) Amount(amount decimal.Decimal) string {
	amount = amount.Round(2)
	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Neg()
	}
	fixed := amount.StringFixed(2)
	cents := fixed[strings.IndexByte(fixed, '.')+1:]
	return f.printer.Sprintf("%s %s%v.%s", f.currency, sign, number.Decimal(amount.IntPart()), cents)
}

// Label turns an enum value such as security_deposit into "Security Deposit".
func (f Formatter) Label(v string) string {
	return f.caser.String(strings.ReplaceAll(v, "_", " "))
}

// Sprintf formats with the formatter's locale.
func (f Formatter) Sprintf(format string, args ...any) string {
	return f.printer.Sprintf(format, args...)
}

func (n Notification) validate() error {
	if n.UserID <= 0 {
		return fmt.Errorf("notify: user id required")
	}
	if n.Kind == "" || n.Title == "" {
		return fmt.Errorf("notify: kind and title required")
	}
	return nil
}
