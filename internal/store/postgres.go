package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowanvale/iduna/internal/domain"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a postgres-backed store. The schema is managed by
// the embedded goose migrations.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const subscriptionColumns = `
	id, customer_id, cadence, spontaneous_interval_days, status,
	gateway_customer_id, gateway_payment_method_id,
	next_renewal_at, last_billing_attempt_at, last_billing_error,
	failed_attempt_count, next_retry_at,
	items, shipping_address, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.Version = 1

	items, err := json.Marshal(sub.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}
	address, err := json.Marshal(sub.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping address: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (
			id, customer_id, cadence, spontaneous_interval_days, status,
			gateway_customer_id, gateway_payment_method_id,
			next_renewal_at, last_billing_error, failed_attempt_count,
			items, shipping_address, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`,
		sub.ID, sub.CustomerID, sub.Cadence, sub.SpontaneousIntervalDays, sub.Status,
		sub.GatewayCustomerID, sub.GatewayPaymentMethodID,
		sub.NextRenewalAt, sub.LastBillingError, sub.FailedAttemptCount,
		items, address, sub.Version,
	)
	if err := row.Scan(&sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) LoadDue(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE (status = $1 AND next_renewal_at <= $3)
		   OR (status = $2 AND next_retry_at IS NOT NULL AND next_retry_at <= $3)
		ORDER BY COALESCE(next_retry_at, next_renewal_at)`,
		domain.StatusActive, domain.StatusPaymentFailed, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load due subscriptions: %w", err)
	}
	defer rows.Close()

	var due []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due subscription: %w", err)
		}
		due = append(due, *sub)
	}
	return due, rows.Err()
}

func (s *PostgresStore) Save(ctx context.Context, sub *domain.Subscription) error {
	tag, err := s.saveTx(ctx, s.pool, sub)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.saveConflict(ctx, sub.ID)
	}
	sub.Version++
	return nil
}

// saveTx runs the optimistic update on any pgx querier (pool or tx).
func (s *PostgresStore) saveTx(ctx context.Context, q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, sub *domain.Subscription) (pgconn.CommandTag, error) {
	items, err := json.Marshal(sub.Items)
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("failed to marshal items: %w", err)
	}
	address, err := json.Marshal(sub.ShippingAddress)
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("failed to marshal shipping address: %w", err)
	}

	tag, err := q.Exec(ctx, `
		UPDATE subscriptions SET
			cadence = $3,
			spontaneous_interval_days = $4,
			status = $5,
			gateway_customer_id = $6,
			gateway_payment_method_id = $7,
			next_renewal_at = $8,
			last_billing_attempt_at = $9,
			last_billing_error = $10,
			failed_attempt_count = $11,
			next_retry_at = $12,
			items = $13,
			shipping_address = $14,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2`,
		sub.ID, sub.Version,
		sub.Cadence, sub.SpontaneousIntervalDays, sub.Status,
		sub.GatewayCustomerID, sub.GatewayPaymentMethodID,
		sub.NextRenewalAt, nullableTime(sub.LastBillingAttemptAt), sub.LastBillingError,
		sub.FailedAttemptCount, nullableTime(sub.NextRetryAt),
		items, address,
	)
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("failed to save subscription: %w", err)
	}
	return tag, nil
}

// saveConflict distinguishes a missing row from a version mismatch.
func (s *PostgresStore) saveConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check subscription existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *PostgresStore) AttachPaymentMethod(ctx context.Context, id uuid.UUID, gatewayCustomerRef, gatewayPaymentRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			gateway_customer_id = $2,
			gateway_payment_method_id = $3,
			version = version + 1,
			updated_at = now()
		WHERE id = $1`,
		id, gatewayCustomerRef, gatewayPaymentRef,
	)
	if err != nil {
		return fmt.Errorf("failed to attach payment method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, id uuid.UUID, now time.Time, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET claimed_until = $3
		WHERE id = $1 AND (claimed_until IS NULL OR claimed_until <= $2)`,
		id, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to claim subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check subscription existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyClaimed
	}
	return nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET claimed_until = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *domain.BillingEvent) error {
	return s.appendEvent(ctx, s.pool, event)
}

func (s *PostgresStore) appendEvent(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, event *domain.BillingEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	skipped, err := json.Marshal(event.SkippedItems)
	if err != nil {
		return fmt.Errorf("failed to marshal skipped items: %w", err)
	}

	row := q.QueryRow(ctx, `
		INSERT INTO billing_events (
			id, subscription_id, kind, amount_cents, skipped_items,
			gateway_txn_ref, error_code, error_message, order_id, cycle_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		event.ID, event.SubscriptionID, event.Kind, event.AmountCents, skipped,
		nullableString(event.GatewayTxnRef), event.ErrorCode, event.ErrorMessage,
		event.OrderID, event.CycleAt,
	)
	if err := row.Scan(&event.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to append billing event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, subscriptionID uuid.UUID) ([]domain.BillingEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, kind, amount_cents, skipped_items,
		       gateway_txn_ref, error_code, error_message, order_id, cycle_at, created_at
		FROM billing_events
		WHERE subscription_id = $1
		ORDER BY created_at, id`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing events: %w", err)
	}
	defer rows.Close()

	var events []domain.BillingEvent
	for rows.Next() {
		var (
			e       domain.BillingEvent
			skipped []byte
			txnRef  pgtype.Text
		)
		if err := rows.Scan(
			&e.ID, &e.SubscriptionID, &e.Kind, &e.AmountCents, &skipped,
			&txnRef, &e.ErrorCode, &e.ErrorMessage, &e.OrderID, &e.CycleAt, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan billing event: %w", err)
		}
		if len(skipped) > 0 {
			if err := json.Unmarshal(skipped, &e.SkippedItems); err != nil {
				return nil, fmt.Errorf("failed to unmarshal skipped items: %w", err)
			}
		}
		e.GatewayTxnRef = txnRef.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) CreateRenewalOrder(ctx context.Context, order *domain.RenewalOrder) error {
	return s.createOrder(ctx, s.pool, order)
}

func (s *PostgresStore) createOrder(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, order *domain.RenewalOrder) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}

	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal order items: %w", err)
	}
	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping address: %w", err)
	}

	row := q.QueryRow(ctx, `
		INSERT INTO renewal_orders (
			id, order_number, subscription_id, customer_id,
			items, total_cents, currency, shipping_address, gateway_txn_ref
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		order.ID, order.OrderNumber, order.SubscriptionID, order.CustomerID,
		items, order.TotalCents, order.Currency, address, order.GatewayTxnRef,
	)
	if err := row.Scan(&order.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert renewal order: %w", err)
	}
	return nil
}

// RecordRenewalSuccess commits the subscription transition, order snapshot,
// and success ledger entry in one transaction.
func (s *PostgresStore) RecordRenewalSuccess(ctx context.Context, sub *domain.Subscription, order *domain.RenewalOrder, event *domain.BillingEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.appendEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := s.createOrder(ctx, tx, order); err != nil {
		return err
	}

	tag, err := s.saveTx(ctx, tx, sub)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit renewal: %w", err)
	}
	sub.Version++
	return nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub           domain.Subscription
		lastAttemptAt pgtype.Timestamptz
		nextRetryAt   pgtype.Timestamptz
		items         []byte
		address       []byte
	)
	if err := row.Scan(
		&sub.ID, &sub.CustomerID, &sub.Cadence, &sub.SpontaneousIntervalDays, &sub.Status,
		&sub.GatewayCustomerID, &sub.GatewayPaymentMethodID,
		&sub.NextRenewalAt, &lastAttemptAt, &sub.LastBillingError,
		&sub.FailedAttemptCount, &nextRetryAt,
		&items, &address, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		sub.LastBillingAttemptAt = &t
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		sub.NextRetryAt = &t
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &sub.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal items: %w", err)
		}
	}
	if len(address) > 0 {
		if err := json.Unmarshal(address, &sub.ShippingAddress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal shipping address: %w", err)
		}
	}
	return &sub, nil
}

func nullableTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func nullableString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
