package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/plansync/internal/entitlement"
)

// PostgresStore is the Store used for multi-replica deployments. Concurrent
// writers for the same user or subscription are serialized with
// transaction-scoped advisory locks, always taken subscription first.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required for PostgreSQL")
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	s := &PostgresStore{pool: pool, now: storeNow}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		user_id                   TEXT PRIMARY KEY,
		email                     TEXT NOT NULL DEFAULT '',
		active                    BOOLEAN NOT NULL DEFAULT FALSE,
		tier                      TEXT NOT NULL DEFAULT 'none',
		subscription_id           TEXT UNIQUE,
		cancellation_requested    BOOLEAN NOT NULL DEFAULT FALSE,
		cancellation_requested_at TIMESTAMPTZ,
		period_ends_at            TIMESTAMPTZ,
		renewable_subscription_id TEXT UNIQUE,
		renewable_tier            TEXT NOT NULL DEFAULT '',
		created_at                TIMESTAMPTZ NOT NULL,
		updated_at                TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_pending ON entitlements(cancellation_requested, period_ends_at);

	CREATE TABLE IF NOT EXISTS deleted_subscriptions (
		subscription_id TEXT PRIMARY KEY,
		deleted_at      TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhook_events (
		id              TEXT PRIMARY KEY,
		event_id        TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		subscription_id TEXT NOT NULL DEFAULT '',
		user_id         TEXT NOT NULL DEFAULT '',
		outcome         TEXT NOT NULL,
		error           TEXT NOT NULL DEFAULT '',
		received_at     TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_user_id ON webhook_events(user_id);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_received_at ON webhook_events(received_at);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const selectRecordPG = `SELECT
	user_id, email, active, tier, subscription_id,
	cancellation_requested, cancellation_requested_at, period_ends_at,
	renewable_subscription_id, renewable_tier, created_at, updated_at
	FROM entitlements`

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	return scanRecordPG(s.pool.QueryRow(ctx, selectRecordPG+` WHERE user_id = $1`, userID))
}

func (s *PostgresStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*entitlement.Record, error) {
	return getBySubscriptionPG(ctx, s.pool, subscriptionID)
}

func getBySubscriptionPG(ctx context.Context, q pgQuerier, subscriptionID string) (*entitlement.Record, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return scanRecordPG(q.QueryRow(ctx,
		selectRecordPG+` WHERE subscription_id = $1 OR renewable_subscription_id = $1 LIMIT 1`, subscriptionID))
}

func (s *PostgresStore) Upsert(ctx context.Context, userID string, fn Mutation) (*entitlement.Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return s.Mutate(ctx, Lookup{UserID: userID}, fn)
}

func (s *PostgresStore) Clear(ctx context.Context, userID string) (*entitlement.Record, error) {
	return s.Upsert(ctx, userID, clearMutation)
}

func (s *PostgresStore) Mutate(ctx context.Context, lookup Lookup, fn Mutation) (*entitlement.Record, error) {
	if lookup.UserID == "" && lookup.SubscriptionID == "" {
		return nil, fmt.Errorf("lookup requires a user or subscription id")
	}
	return s.inTx(ctx, func(tx pgx.Tx) (*entitlement.Record, error) {
		return s.mutateTx(ctx, tx, lookup, fn)
	})
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, subscriptionID string, fn Mutation) (*entitlement.Record, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription id is required")
	}
	return s.inTx(ctx, func(tx pgx.Tx) (*entitlement.Record, error) {
		if err := advisoryLock(ctx, tx, "subscription:"+subscriptionID); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO deleted_subscriptions (subscription_id, deleted_at) VALUES ($1, $2)
			ON CONFLICT (subscription_id) DO NOTHING`,
			subscriptionID, s.now()); err != nil {
			return nil, fmt.Errorf("tombstone subscription: %w", err)
		}
		return s.mutateTx(ctx, tx, Lookup{SubscriptionID: subscriptionID}, fn)
	})
}

func (s *PostgresStore) inTx(ctx context.Context, body func(tx pgx.Tx) (*entitlement.Record, error)) (*entitlement.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := body(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, nil
}

// advisoryLock takes a lock released when the transaction ends. Locks on the
// same key from other replicas block until then.
func advisoryLock(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) mutateTx(ctx context.Context, tx pgx.Tx, lookup Lookup, fn Mutation) (*entitlement.Record, error) {
	var facts Facts
	if lookup.SubscriptionID != "" {
		if err := advisoryLock(ctx, tx, "subscription:"+lookup.SubscriptionID); err != nil {
			return nil, err
		}
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM deleted_subscriptions WHERE subscription_id = $1`, lookup.SubscriptionID).Scan(&one)
		switch {
		case err == nil:
			facts.SubscriptionDeleted = true
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("read subscription tombstone: %w", err)
		}
	}

	userID := lookup.UserID
	if userID == "" {
		linked, err := getBySubscriptionPG(ctx, tx, lookup.SubscriptionID)
		if err != nil || linked == nil {
			return nil, err
		}
		userID = linked.UserID
	}

	if err := advisoryLock(ctx, tx, "user:"+userID); err != nil {
		return nil, err
	}
	current, err := scanRecordPG(tx.QueryRow(ctx, selectRecordPG+` WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, err
	}
	if lookup.UserID == "" && current != nil &&
		current.SubscriptionID != lookup.SubscriptionID && current.RenewableSubscriptionID != lookup.SubscriptionID {
		// Relinked before the user lock was taken.
		current = nil
	}
	if current == nil && lookup.UserID == "" {
		return nil, nil
	}

	next, err := fn(current.Clone(), facts)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	if err := prepare(current, next, userID, s.now()); err != nil {
		return nil, fmt.Errorf("invalid entitlement record: %w", err)
	}

	if current == nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO entitlements (
				user_id, email, active, tier, subscription_id,
				cancellation_requested, cancellation_requested_at, period_ends_at,
				renewable_subscription_id, renewable_tier, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			next.UserID, next.Email, next.Active, string(next.Tier), nullableString(next.SubscriptionID),
			next.CancellationRequested, next.CancellationRequestedAt, next.PeriodEndsAt,
			nullableString(next.RenewableSubscriptionID), string(next.RenewableTier), next.CreatedAt, next.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert entitlement: %w", err)
		}
		return next, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE entitlements SET
			email = $2, active = $3, tier = $4, subscription_id = $5,
			cancellation_requested = $6, cancellation_requested_at = $7, period_ends_at = $8,
			renewable_subscription_id = $9, renewable_tier = $10, updated_at = $11
		WHERE user_id = $1`,
		next.UserID, next.Email, next.Active, string(next.Tier), nullableString(next.SubscriptionID),
		next.CancellationRequested, next.CancellationRequestedAt, next.PeriodEndsAt,
		nullableString(next.RenewableSubscriptionID), string(next.RenewableTier), next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update entitlement: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := advisoryLock(ctx, tx, "user:"+userID); err != nil {
		return false, err
	}

	// Subscriptions the user held must not be revived by late deliveries.
	var subscriptionID, renewableID *string
	err = tx.QueryRow(ctx,
		`SELECT subscription_id, renewable_subscription_id FROM entitlements WHERE user_id = $1`, userID).
		Scan(&subscriptionID, &renewableID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("read entitlement: %w", err)
	}
	for _, id := range []*string{subscriptionID, renewableID} {
		if id == nil || *id == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO deleted_subscriptions (subscription_id, deleted_at) VALUES ($1, $2)
			ON CONFLICT (subscription_id) DO NOTHING`,
			*id, s.now()); err != nil {
			return false, fmt.Errorf("tombstone subscription: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM entitlements WHERE user_id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("delete entitlement: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM webhook_events WHERE user_id = $1`, userID); err != nil {
		return false, fmt.Errorf("delete webhook events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListPendingCancellations(ctx context.Context, cutoff time.Time) ([]*entitlement.Record, error) {
	rows, err := s.pool.Query(ctx, selectRecordPG+`
		WHERE cancellation_requested AND active
		AND period_ends_at IS NOT NULL AND period_ends_at <= $1
		ORDER BY period_ends_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list pending cancellations: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.Record
	for rows.Next() {
		r, err := scanRecordPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	if ev == nil {
		return fmt.Errorf("webhook event is nil")
	}
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, event_id, event_type, subscription_id, user_id, outcome, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.EventID, ev.Type, ev.SubscriptionID, ev.UserID, ev.Outcome, ev.Error, ev.ReceivedAt)
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWebhookEvents(ctx context.Context, limit int) ([]*WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, event_type, subscription_id, user_id, outcome, error, received_at
		FROM webhook_events ORDER BY received_at DESC, id DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var out []*WebhookEvent
	for rows.Next() {
		var ev WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Type, &ev.SubscriptionID, &ev.UserID,
			&ev.Outcome, &ev.Error, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		ev.ReceivedAt = ev.ReceivedAt.UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func scanRecordPG(row pgx.Row) (*entitlement.Record, error) {
	var r entitlement.Record
	var tier, renewableTier string
	var subscriptionID, renewableID *string

	err := row.Scan(
		&r.UserID, &r.Email, &r.Active, &tier, &subscriptionID,
		&r.CancellationRequested, &r.CancellationRequestedAt, &r.PeriodEndsAt,
		&renewableID, &renewableTier, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	r.Tier = entitlement.Tier(tier)
	r.RenewableTier = entitlement.Tier(renewableTier)
	if subscriptionID != nil {
		r.SubscriptionID = *subscriptionID
	}
	if renewableID != nil {
		r.RenewableSubscriptionID = *renewableID
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.CancellationRequestedAt != nil {
		ts := r.CancellationRequestedAt.UTC()
		r.CancellationRequestedAt = &ts
	}
	if r.PeriodEndsAt != nil {
		ts := r.PeriodEndsAt.UTC()
		r.PeriodEndsAt = &ts
	}
	return &r, nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
