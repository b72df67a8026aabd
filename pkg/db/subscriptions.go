package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/smartspace/pkg/events"
)

const repoLogPrefix = "db:subscriptions"

// SubscriptionRepository stores the event subscriptions remote devices hold on this device.
// It implements events.SubscriptionStore.
type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewSubscriptionRepository creates a new SubscriptionRepository with the given connection pool.
func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

// Save records sub. Saving an existing subscription is a no-op.
func (r *SubscriptionRepository) Save(ctx context.Context, sub events.Subscription) error {
	slog.Debug(fmt.Sprintf("%s - Save device=%s driver=%s key=%s", repoLogPrefix, sub.Device, sub.Driver, sub.EventKey))

	_, err := r.pool.Exec(ctx,
		`INSERT INTO event_subscriptions (device, driver, instance_id, event_key)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (device, driver, instance_id, event_key) DO NOTHING`,
		sub.Device, sub.Driver, sub.InstanceID, sub.EventKey)
	if err != nil {
		return fmt.Errorf("%s - save failed: %w", repoLogPrefix, err)
	}
	return nil
}

// Delete removes sub if present.
func (r *SubscriptionRepository) Delete(ctx context.Context, sub events.Subscription) error {
	slog.Debug(fmt.Sprintf("%s - Delete device=%s driver=%s key=%s", repoLogPrefix, sub.Device, sub.Driver, sub.EventKey))

	_, err := r.pool.Exec(ctx,
		`DELETE FROM event_subscriptions
		 WHERE device = $1 AND driver = $2 AND instance_id = $3 AND event_key = $4`,
		sub.Device, sub.Driver, sub.InstanceID, sub.EventKey)
	if err != nil {
		return fmt.Errorf("%s - delete failed: %w", repoLogPrefix, err)
	}
	return nil
}

// List returns every stored subscription ordered by device, driver, instance and key.
func (r *SubscriptionRepository) List(ctx context.Context) ([]events.Subscription, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT device, driver, instance_id, event_key
		 FROM event_subscriptions
		 ORDER BY device, driver, instance_id, event_key`)
	if err != nil {
		return nil, fmt.Errorf("%s - list failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []events.Subscription
	for rows.Next() {
		var s events.Subscription
		if err := rows.Scan(&s.Device, &s.Driver, &s.InstanceID, &s.EventKey); err != nil {
			return nil, fmt.Errorf("%s - scan failed: %w", repoLogPrefix, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - list failed: %w", repoLogPrefix, err)
	}
	return out, nil
}

// Clear removes every stored subscription and returns how many were removed.
func (r *SubscriptionRepository) Clear(ctx context.Context) (int64, error) {
	slog.Info(fmt.Sprintf("%s - Clearing event subscriptions", repoLogPrefix))

	tag, err := r.pool.Exec(ctx, `DELETE FROM event_subscriptions`)
	if err != nil {
		return 0, fmt.Errorf("%s - clear failed: %w", repoLogPrefix, err)
	}
	return tag.RowsAffected(), nil
}
