// Package postgres provides a PostgreSQL implementation of the goentitle.Storage interface.
// Transactions lock the subscription row with SELECT FOR UPDATE and serialize
// entitlement updates per user with a transaction-scoped advisory lock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const uniqueViolation = "23505"

const subscriptionColumns = `id, user_id, platform, tier, product_id, status, current_period_end,
	cancel_at_period_end, grace_period_end, provider_key, refunded_at, warned_at, ended_at,
	created_at, updated_at`

// Storage implements goentitle.Storage and goentitle.TimeSource using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool.
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

// Now implements goentitle.TimeSource with the database clock so that every
// replica agrees on period and grace boundaries.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

// GetSubscription implements goentitle.Storage
func (s *Storage) GetSubscription(
	ctx context.Context, platform goentitle.Platform, providerKey string,
) (*goentitle.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`,
		goentitle.SubscriptionID(platform, providerKey))
	return scanSubscription(row)
}

// GetEntitlement implements goentitle.Storage
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*goentitle.Entitlement, error) {
	return getEntitlement(ctx, s.pool, userID)
}

// TransactionalApply implements goentitle.Storage
func (s *Storage) TransactionalApply(
	ctx context.Context, fn func(ctx context.Context, tx goentitle.Tx) error,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListGraceExpired implements goentitle.Storage
func (s *Storage) ListGraceExpired(
	ctx context.Context, now time.Time, limit int,
) ([]*goentitle.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = $1 AND grace_period_end <= $2
			ORDER BY grace_period_end
			LIMIT $3`,
		string(goentitle.StatusInGracePeriod), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list grace expired: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListExpiryWarningCandidates implements goentitle.Storage
func (s *Storage) ListExpiryWarningCandidates(
	ctx context.Context, from, to time.Time, limit int,
) ([]*goentitle.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = $1 AND cancel_at_period_end AND warned_at IS NULL
				AND current_period_end BETWEEN $2 AND $3
			ORDER BY current_period_end
			LIMIT $4`,
		string(goentitle.StatusActive), from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiry warning candidates: %w", err)
	}
	return collectSubscriptions(rows)
}

// MarkWarned implements goentitle.Storage
func (s *Storage) MarkWarned(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE subscriptions SET warned_at = $2
			WHERE id = ANY($1) AND warned_at IS NULL
			RETURNING id`,
		ids, at)
	if err != nil {
		return nil, fmt.Errorf("failed to mark warned: %w", err)
	}
	marked, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to mark warned: %w", err)
	}
	return marked, nil
}

// PurgeProcessedEvents implements goentitle.Storage
func (s *Storage) PurgeProcessedEvents(ctx context.Context, endedBefore time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE key IN (
			SELECT pe.key FROM processed_events pe
				JOIN subscriptions s ON s.id = pe.subscription_id
				WHERE s.status IN ($1, $2) AND s.ended_at < $3
				LIMIT $4)`,
		string(goentitle.StatusCanceled), string(goentitle.StatusExpired), endedBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// pgTx implements goentitle.Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetSubscription(
	ctx context.Context, platform goentitle.Platform, providerKey string,
) (*goentitle.Subscription, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`,
		goentitle.SubscriptionID(platform, providerKey))
	return scanSubscription(row)
}

func (t *pgTx) ListOpenSubscriptions(
	ctx context.Context, userID string, platform goentitle.Platform,
) ([]*goentitle.Subscription, error) {
	open := make([]string, 0, len(goentitle.Statuses))
	for _, st := range goentitle.Statuses {
		if st.IsOpen() {
			open = append(open, string(st))
		}
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND platform = $2 AND status = ANY($3)
			FOR UPDATE`,
		userID, string(platform), open)
	if err != nil {
		return nil, fmt.Errorf("failed to list open subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (t *pgTx) GetEntitlement(ctx context.Context, userID string) (*goentitle.Entitlement, error) {
	// The row may not exist yet, so lock the user instead of the row.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		return nil, fmt.Errorf("failed to lock entitlement: %w", err)
	}
	return getEntitlement(ctx, t.tx, userID)
}

func (t *pgTx) HasProcessedEvent(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

func (t *pgTx) CreateIfAbsent(ctx context.Context, pe *goentitle.ProcessedEvent) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO processed_events
			(key, provider_key, platform, event, period_ref, subscription_id, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pe.Key, pe.ProviderKey, string(pe.Platform), string(pe.Event),
		pe.PeriodRef, pe.SubscriptionID, pe.ProcessedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return goentitle.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to record processed event: %w", err)
	}
	return nil
}

func (t *pgTx) PutSubscription(ctx context.Context, sub *goentitle.Subscription) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				tier = EXCLUDED.tier,
				product_id = EXCLUDED.product_id,
				status = EXCLUDED.status,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				grace_period_end = EXCLUDED.grace_period_end,
				refunded_at = EXCLUDED.refunded_at,
				warned_at = EXCLUDED.warned_at,
				ended_at = EXCLUDED.ended_at,
				updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, string(sub.Platform), sub.Tier, sub.ProductID, string(sub.Status),
		sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.GracePeriodEnd, sub.ProviderKey,
		sub.RefundedAt, sub.WarnedAt, sub.EndedAt, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write subscription: %w", err)
	}
	return nil
}

func (t *pgTx) PutEntitlement(ctx context.Context, ent *goentitle.Entitlement) error {
	grants, err := json.Marshal(encodeGrants(ent.Grants))
	if err != nil {
		return fmt.Errorf("failed to marshal grants: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO entitlements (user_id, tier, grants, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				grants = EXCLUDED.grants,
				updated_at = EXCLUDED.updated_at`,
		ent.UserID, ent.Tier, grants, ent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write entitlement: %w", err)
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// grantRecord is the JSON form of a goentitle.Grant.
type grantRecord struct {
	SubscriptionID string     `json:"subscriptionId"`
	Tier           string     `json:"tier"`
	Status         string     `json:"status"`
	Until          *time.Time `json:"until,omitempty"`
}

func encodeGrants(grants map[goentitle.Platform]goentitle.Grant) map[string]grantRecord {
	out := make(map[string]grantRecord, len(grants))
	for platform, g := range grants {
		out[string(platform)] = grantRecord{
			SubscriptionID: g.SubscriptionID,
			Tier:           g.Tier,
			Status:         string(g.Status),
			Until:          g.Until,
		}
	}
	return out
}

func getEntitlement(ctx context.Context, q querier, userID string) (*goentitle.Entitlement, error) {
	var raw []byte
	ent := &goentitle.Entitlement{UserID: userID, Grants: map[goentitle.Platform]goentitle.Grant{}}
	err := q.QueryRow(ctx,
		`SELECT tier, grants, updated_at FROM entitlements WHERE user_id = $1`, userID).
		Scan(&ent.Tier, &raw, &ent.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, goentitle.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	var grants map[string]grantRecord
	if err := json.Unmarshal(raw, &grants); err != nil {
		return nil, fmt.Errorf("failed to decode grants: %w", err)
	}
	for platform, g := range grants {
		ent.Grants[goentitle.Platform(platform)] = goentitle.Grant{
			SubscriptionID: g.SubscriptionID,
			Tier:           g.Tier,
			Status:         goentitle.Status(g.Status),
			Until:          utcPtr(g.Until),
		}
	}
	ent.UpdatedAt = ent.UpdatedAt.UTC()
	return ent, nil
}

func scanSubscription(row pgx.Row) (*goentitle.Subscription, error) {
	var sub goentitle.Subscription
	var platform, status string
	err := row.Scan(
		&sub.ID, &sub.UserID, &platform, &sub.Tier, &sub.ProductID, &status, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &sub.GracePeriodEnd, &sub.ProviderKey, &sub.RefundedAt, &sub.WarnedAt,
		&sub.EndedAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, goentitle.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.Platform = goentitle.Platform(platform)
	sub.Status = goentitle.Status(status)
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.GracePeriodEnd = utcPtr(sub.GracePeriodEnd)
	sub.RefundedAt = utcPtr(sub.RefundedAt)
	sub.WarnedAt = utcPtr(sub.WarnedAt)
	sub.EndedAt = utcPtr(sub.EndedAt)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*goentitle.Subscription, error) {
	defer rows.Close()
	var subs []*goentitle.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	return subs, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
