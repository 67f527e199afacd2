package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SubscriptionRepository is the subscription store used during delivery.
type SubscriptionRepository interface {
	ListByUser(ctx context.Context, userID int64) ([]Subscription, error)
	Delete(ctx context.Context, id int64) error
}

// Pusher sends one message to one subscription.
type Pusher interface {
	Push(ctx context.Context, sub Subscription, msg PushMessage) error
}

// DeliveryReport summarises one delivery attempt.
type DeliveryReport struct {
	Delivered int
	Pruned    int
	Failed    int
}

// Deliverer fans a push message out to a user's subscriptions and prunes
// the expired ones.
type Deliverer struct {
	subs   SubscriptionRepository
	pusher Pusher
	logger *slog.Logger
}

// NewDeliverer constructs a Deliverer.
func NewDeliverer(subs SubscriptionRepository, pusher Pusher, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{subs: subs, pusher: pusher, logger: logger}
}

// Deliver pushes msg to every subscription of its user. It returns an error
// only when nothing was delivered and at least one push failed transiently,
// so a retry cannot duplicate a successful push.
func (d *Deliverer) Deliver(ctx context.Context, msg PushMessage) (DeliveryReport, error) {
	var report DeliveryReport
	subs, err := d.subs.ListByUser(ctx, msg.UserID)
	if err != nil {
		return report, err
	}
	var lastErr error
	for _, sub := range subs {
		err := d.pusher.Push(ctx, sub, msg)
		switch {
		case err == nil:
			report.Delivered++
		case errors.Is(err, ErrSubscriptionGone):
			if delErr := d.subs.Delete(ctx, sub.ID); delErr != nil {
				d.logger.Warn("prune subscription", slog.Int64("subscription_id", sub.ID), slog.Any("error", delErr))
				continue
			}
			report.Pruned++
		default:
			report.Failed++
			lastErr = err
			d.logger.Warn("push failed", slog.Int64("subscription_id", sub.ID), slog.Any("error", err))
		}
	}
	if report.Delivered == 0 && lastErr != nil {
		return report, fmt.Errorf("notify: deliver to user %d: %w", msg.UserID, lastErr)
	}
	return report, nil
}

// HTTPPusher posts messages to a web-push relay which owns the VAPID signing.
type HTTPPusher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPusher constructs an HTTPPusher with the given request timeout.
func NewHTTPPusher(baseURL string, timeout time.Duration) *HTTPPusher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPusher{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: timeout}}
}

type relayRequest struct {
	Endpoint string      `json:"endpoint"`
	Keys     relayKeys   `json:"keys"`
	Payload  PushMessage `json:"payload"`
}

type relayKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Push implements Pusher. 404 and 410 from the relay map to ErrSubscriptionGone.
func (p *HTTPPusher) Push(ctx context.Context, sub Subscription, msg PushMessage) error {
	body, err := json.Marshal(relayRequest{
		Endpoint: sub.Endpoint,
		Keys:     relayKeys{P256dh: sub.P256dh, Auth: sub.Auth},
		Payload:  msg,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/push", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: relay: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("notify: relay status %d", resp.StatusCode)
	}
	return nil
}
