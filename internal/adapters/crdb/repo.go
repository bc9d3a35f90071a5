package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adilkhanov/ride-match/internal/domain"
	"github.com/adilkhanov/ride-match/internal/observability"
)

const (
	SerializationFailureCode = "40001"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
			return domain.ErrSerializationFailure
		}
		return err
	}

	return tx.Commit(ctx)
}

// CreateOrder persists a new pending order and queues a change event in the
// same transaction.
func (r *Repository) CreateOrder(ctx context.Context, order domain.Order) error {
	details, err := json.Marshal(order.Details)
	if err != nil {
		return err
	}
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (id, user_id, type, from_city, to_city, scheduled_at, status, price, details, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, order.ID, order.UserID, order.Type, order.FromCity, order.ToCity, order.ScheduledAt,
			order.Status, order.Price, details, order.CreatedAt, order.UpdatedAt)
		if err != nil {
			return err
		}
		return r.insertOrderEvent(ctx, tx, "order.created", order.ID)
	})
}

// ListPendingOrders returns a point-in-time snapshot of pending orders,
// optionally narrowed by cities or type. A single SELECT reads one MVCC
// snapshot, which is what keeps a bundling pass from mixing pre- and
// post-claim states.
func (r *Repository) ListPendingOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	return r.listOrders(ctx, f, true)
}

// ListOrders is the administrative variant: all statuses.
func (r *Repository) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	return r.listOrders(ctx, f, false)
}

func (r *Repository) listOrders(ctx context.Context, f domain.OrderFilter, onlyPending bool) ([]domain.Order, error) {
	q := `
		SELECT id, user_id, type, from_city, to_city, scheduled_at, status, claimed_by, price, details, created_at, updated_at
		FROM orders
		WHERE ($1 = '' OR from_city = $1)
		  AND ($2 = '' OR to_city = $2)
		  AND ($3 = '' OR type = $3)
	`
	if onlyPending {
		q += ` AND status = 'pending'`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, q, f.FromCity, f.ToCity, string(f.Type))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, type, from_city, to_city, scheduled_at, status, claimed_by, price, details, created_at, updated_at
		FROM orders WHERE id = $1
	`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ConditionalUpdateStatus transitions one order iff its status still equals
// expected at write time. On a pending->matched transition the claimant is
// recorded; on a matched->* transition a non-nil claimant must match the
// recorded one. A missed precondition costs no write.
func (r *Repository) ConditionalUpdateStatus(ctx context.Context, id uuid.UUID, expected, next domain.OrderStatus, claimant *uuid.UUID) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		var tag pgconn.CommandTag
		var err error
		switch {
		case next == domain.StatusMatched && claimant != nil:
			tag, err = tx.Exec(ctx, `
				UPDATE orders SET status = $3, claimed_by = $4, updated_at = now()
				WHERE id = $1 AND status = $2
			`, id, expected, next, *claimant)
		case expected == domain.StatusMatched && claimant != nil:
			tag, err = tx.Exec(ctx, `
				UPDATE orders SET status = $3, updated_at = now()
				WHERE id = $1 AND status = $2 AND claimed_by = $4
			`, id, expected, next, *claimant)
		default:
			tag, err = tx.Exec(ctx, `
				UPDATE orders SET status = $3, updated_at = now()
				WHERE id = $1 AND status = $2
			`, id, expected, next)
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrConflict
		}
		return r.insertOrderEvent(ctx, tx, "order."+string(next), id)
	})
}

// AtomicUpdateStatusForSet transitions every order in ids from expected to
// next, or none of them. Members are locked first; any member not in the
// expected status aborts the transaction and is reported back, so a bundle
// claim can never half-apply.
func (r *Repository) AtomicUpdateStatusForSet(ctx context.Context, ids []uuid.UUID, expected, next domain.OrderStatus, claimant uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, domain.ErrInvalidInput
	}

	var unavailable []uuid.UUID
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM orders WHERE id = ANY($1) AND status = $2 FOR UPDATE
		`, ids, expected)
		if err != nil {
			return err
		}
		available := make(map[uuid.UUID]bool, len(ids))
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			available[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if !available[id] {
				unavailable = append(unavailable, id)
			}
		}
		if len(unavailable) > 0 {
			return domain.ErrConflict
		}

		tag, err := tx.Exec(ctx, `
			UPDATE orders SET status = $2, claimed_by = $3, updated_at = now()
			WHERE id = ANY($1) AND status = $4
		`, ids, next, claimant, expected)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != int64(len(ids)) {
			return domain.ErrConflict
		}
		for _, id := range ids {
			if err := r.insertOrderEvent(ctx, tx, "order."+string(next), id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable, err
	}
	return nil, nil
}

// ListStalePending returns pending orders whose scheduled time passed before
// the cutoff. Used by the sweeper.
func (r *Repository) ListStalePending(ctx context.Context, cutoff time.Time) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, from_city, to_city, scheduled_at, status, claimed_by, price, details, created_at, updated_at
		FROM orders WHERE status = 'pending' AND scheduled_at <= $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var details []byte
	err := row.Scan(&o.ID, &o.UserID, &o.Type, &o.FromCity, &o.ToCity, &o.ScheduledAt,
		&o.Status, &o.ClaimedBy, &o.Price, &details, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &o.Details); err != nil {
			return domain.Order{}, err
		}
	}
	return o, nil
}
