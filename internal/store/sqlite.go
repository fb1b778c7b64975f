package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/plansync/internal/entitlement"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default Store, backed by a single-file SQLite database.
// All access goes through one connection, which serializes transactions.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the entitlement database in dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, now: storeNow}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func storeNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		user_id                   TEXT PRIMARY KEY,
		email                     TEXT NOT NULL DEFAULT '',
		active                    INTEGER NOT NULL DEFAULT 0,
		tier                      TEXT NOT NULL DEFAULT 'none',
		subscription_id           TEXT UNIQUE,
		cancellation_requested    INTEGER NOT NULL DEFAULT 0,
		cancellation_requested_at INTEGER,
		period_ends_at            INTEGER,
		renewable_subscription_id TEXT UNIQUE,
		renewable_tier            TEXT NOT NULL DEFAULT '',
		created_at                INTEGER NOT NULL,
		updated_at                INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_pending ON entitlements(cancellation_requested, period_ends_at);

	CREATE TABLE IF NOT EXISTS deleted_subscriptions (
		subscription_id TEXT PRIMARY KEY,
		deleted_at      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhook_events (
		id              TEXT PRIMARY KEY,
		event_id        TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		subscription_id TEXT NOT NULL DEFAULT '',
		user_id         TEXT NOT NULL DEFAULT '',
		outcome         TEXT NOT NULL,
		error           TEXT NOT NULL DEFAULT '',
		received_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_user_id ON webhook_events(user_id);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_received_at ON webhook_events(received_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectRecord = `SELECT
	user_id, email, active, tier, subscription_id,
	cancellation_requested, cancellation_requested_at, period_ends_at,
	renewable_subscription_id, renewable_tier, created_at, updated_at
	FROM entitlements`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	return getByUser(ctx, s.db, userID)
}

func (s *SQLiteStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*entitlement.Record, error) {
	return getBySubscription(ctx, s.db, subscriptionID)
}

func getByUser(ctx context.Context, q queryer, userID string) (*entitlement.Record, error) {
	return scanRecord(q.QueryRowContext(ctx, selectRecord+` WHERE user_id = ?`, userID))
}

func getBySubscription(ctx context.Context, q queryer, subscriptionID string) (*entitlement.Record, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return scanRecord(q.QueryRowContext(ctx,
		selectRecord+` WHERE subscription_id = ? OR renewable_subscription_id = ? LIMIT 1`,
		subscriptionID, subscriptionID))
}

func (s *SQLiteStore) Upsert(ctx context.Context, userID string, fn Mutation) (*entitlement.Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return s.Mutate(ctx, Lookup{UserID: userID}, fn)
}

func (s *SQLiteStore) Clear(ctx context.Context, userID string) (*entitlement.Record, error) {
	return s.Upsert(ctx, userID, clearMutation)
}

func (s *SQLiteStore) Mutate(ctx context.Context, lookup Lookup, fn Mutation) (*entitlement.Record, error) {
	if lookup.UserID == "" && lookup.SubscriptionID == "" {
		return nil, fmt.Errorf("lookup requires a user or subscription id")
	}
	return s.inTx(ctx, func(tx *sql.Tx) (*entitlement.Record, error) {
		return s.mutateTx(ctx, tx, lookup, fn)
	})
}

func (s *SQLiteStore) DeleteSubscription(ctx context.Context, subscriptionID string, fn Mutation) (*entitlement.Record, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription id is required")
	}
	return s.inTx(ctx, func(tx *sql.Tx) (*entitlement.Record, error) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deleted_subscriptions (subscription_id, deleted_at) VALUES (?, ?)
			ON CONFLICT(subscription_id) DO NOTHING`,
			subscriptionID, s.now().Unix()); err != nil {
			return nil, fmt.Errorf("tombstone subscription: %w", err)
		}
		return s.mutateTx(ctx, tx, Lookup{SubscriptionID: subscriptionID}, fn)
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, body func(tx *sql.Tx) (*entitlement.Record, error)) (*entitlement.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := body(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) mutateTx(ctx context.Context, tx *sql.Tx, lookup Lookup, fn Mutation) (*entitlement.Record, error) {
	var facts Facts
	if lookup.SubscriptionID != "" {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM deleted_subscriptions WHERE subscription_id = ?`, lookup.SubscriptionID).Scan(&one)
		switch {
		case err == nil:
			facts.SubscriptionDeleted = true
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("read subscription tombstone: %w", err)
		}
	}

	var current *entitlement.Record
	var err error
	if lookup.UserID != "" {
		current, err = getByUser(ctx, tx, lookup.UserID)
	} else {
		current, err = getBySubscription(ctx, tx, lookup.SubscriptionID)
	}
	if err != nil {
		return nil, err
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
	if err := prepare(current, next, lookup.UserID, s.now()); err != nil {
		return nil, fmt.Errorf("invalid entitlement record: %w", err)
	}

	if current == nil {
		err = insertRecord(ctx, tx, next)
	} else {
		err = updateRecord(ctx, tx, next)
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

func insertRecord(ctx context.Context, q queryer, r *entitlement.Record) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO entitlements (
			user_id, email, active, tier, subscription_id,
			cancellation_requested, cancellation_requested_at, period_ends_at,
			renewable_subscription_id, renewable_tier, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Email, boolToInt(r.Active), string(r.Tier), nullableString(r.SubscriptionID),
		boolToInt(r.CancellationRequested), nullableTimeUnix(r.CancellationRequestedAt), nullableTimeUnix(r.PeriodEndsAt),
		nullableString(r.RenewableSubscriptionID), string(r.RenewableTier), r.CreatedAt.Unix(), r.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

func updateRecord(ctx context.Context, q queryer, r *entitlement.Record) error {
	res, err := q.ExecContext(ctx, `
		UPDATE entitlements SET
			email = ?, active = ?, tier = ?, subscription_id = ?,
			cancellation_requested = ?, cancellation_requested_at = ?, period_ends_at = ?,
			renewable_subscription_id = ?, renewable_tier = ?, updated_at = ?
		WHERE user_id = ?`,
		r.Email, boolToInt(r.Active), string(r.Tier), nullableString(r.SubscriptionID),
		boolToInt(r.CancellationRequested), nullableTimeUnix(r.CancellationRequestedAt), nullableTimeUnix(r.PeriodEndsAt),
		nullableString(r.RenewableSubscriptionID), string(r.RenewableTier), r.UpdatedAt.Unix(),
		r.UserID,
	)
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("entitlement for %q not found", r.UserID)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Subscriptions the user held must not be revived by late deliveries.
	var subscriptionID, renewableID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT subscription_id, renewable_subscription_id FROM entitlements WHERE user_id = ?`, userID).
		Scan(&subscriptionID, &renewableID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("read entitlement: %w", err)
	}
	for _, id := range []string{subscriptionID.String, renewableID.String} {
		if id == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deleted_subscriptions (subscription_id, deleted_at) VALUES (?, ?)
			ON CONFLICT(subscription_id) DO NOTHING`,
			id, s.now().Unix()); err != nil {
			return false, fmt.Errorf("tombstone subscription: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM entitlements WHERE user_id = ?`, userID)
	if err != nil {
		return false, fmt.Errorf("delete entitlement: %w", err)
	}
	affected, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_events WHERE user_id = ?`, userID); err != nil {
		return false, fmt.Errorf("delete webhook events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) ListPendingCancellations(ctx context.Context, cutoff time.Time) ([]*entitlement.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+`
		WHERE cancellation_requested = 1 AND active = 1
		AND period_ends_at IS NOT NULL AND period_ends_at <= ?
		ORDER BY period_ends_at`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list pending cancellations: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	if ev == nil {
		return fmt.Errorf("webhook event is nil")
	}
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, event_id, event_type, subscription_id, user_id, outcome, error, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EventID, ev.Type, ev.SubscriptionID, ev.UserID, ev.Outcome, ev.Error, ev.ReceivedAt.Unix())
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListWebhookEvents(ctx context.Context, limit int) ([]*WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, subscription_id, user_id, outcome, error, received_at
		FROM webhook_events ORDER BY received_at DESC, id DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var out []*WebhookEvent
	for rows.Next() {
		var ev WebhookEvent
		var receivedAt int64
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Type, &ev.SubscriptionID, &ev.UserID,
			&ev.Outcome, &ev.Error, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		ev.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*entitlement.Record, error) {
	var r entitlement.Record
	var active, cancellation int
	var tier, renewableTier string
	var subscriptionID, renewableID sql.NullString
	var cancelledAt, periodEndsAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&r.UserID, &r.Email, &active, &tier, &subscriptionID,
		&cancellation, &cancelledAt, &periodEndsAt,
		&renewableID, &renewableTier, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	r.Active = active != 0
	r.Tier = entitlement.Tier(tier)
	r.SubscriptionID = subscriptionID.String
	r.CancellationRequested = cancellation != 0
	r.CancellationRequestedAt = unixPtr(cancelledAt)
	r.PeriodEndsAt = unixPtr(periodEndsAt)
	r.RenewableSubscriptionID = renewableID.String
	r.RenewableTier = entitlement.Tier(renewableTier)
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &r, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
