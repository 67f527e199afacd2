package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queryer is satisfied by pgx.Tx and *pgxpool.Pool.
type Queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Insert writes an in-app notification through q, normally the caller's
// financial transaction.
func Insert(ctx context.Context, q Queryer, n Notification) (Notification, error) {
	if err := n.validate(); err != nil {
		return Notification{}, err
	}
	err := q.QueryRow(ctx, `
		INSERT INTO notifications (user_id, kind, title, body, ref_type, ref_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6::bigint, 0))
		RETURNING id, created_at`,
		n.UserID, string(n.Kind), n.Title, n.Body, n.RefType, n.RefID).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("notify: insert: %w", err)
	}
	return n, nil
}

// Subscription is a browser push subscription.
type Subscription struct {
	ID       int64
	UserID   int64
	Endpoint string
	P256dh   string
	Auth     string
}

// SubscriptionStore reads and prunes push subscriptions.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore constructs a SubscriptionStore.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

// ListByUser returns every subscription of userID.
func (s *SubscriptionStore) ListByUser(ctx context.Context, userID int64) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, endpoint, p256dh, auth
		FROM push_subscriptions WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("notify: list subscriptions: %w", err)
	}
	defer rows.Close()
	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Delete removes a subscription.
func (s *SubscriptionStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM push_subscriptions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("notify: delete subscription: %w", err)
	}
	return nil
}

// NotificationStore writes notifications that are not part of a financial
// transaction, such as reminders.
type NotificationStore struct {
	pool *pgxpool.Pool
}

// NewNotificationStore constructs a NotificationStore.
func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

// Insert writes n outside any caller transaction.
func (s *NotificationStore) Insert(ctx context.Context, n Notification) (Notification, error) {
	return Insert(ctx, s.pool, n)
}
