package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/kitchen"
)

type SubOrders struct {
	db *pgxpool.Pool
}

var _ kitchen.Store = (*SubOrders)(nil)

const subOrderColumns = `id, order_id, station, status, cancellation_reason, version, created_at, updated_at`

func (s *SubOrders) CreateSubOrder(ctx context.Context, so kitchen.SubOrder) (generic.Record[kitchen.SubOrder], error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sub_orders (`+subOrderColumns+`)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
	`, so.ID, so.OrderID, so.Station, string(so.Status), so.CancellationReason, so.CreatedAt, so.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return generic.Record[kitchen.SubOrder]{}, fmt.Errorf("sub-order %s: %w", so.ID, generic.ErrDuplicateKey)
		}
		return generic.Record[kitchen.SubOrder]{}, fmt.Errorf("failed to insert sub-order: %w", err)
	}
	return generic.Record[kitchen.SubOrder]{ID: so.ID, Value: so, Version: 1}, nil
}

func (s *SubOrders) Load(ctx context.Context, id string) (generic.Record[kitchen.SubOrder], error) {
	rec, err := scanSubOrder(s.db.QueryRow(ctx, `SELECT `+subOrderColumns+` FROM sub_orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Record[kitchen.SubOrder]{}, generic.NotFound(kitchen.EntityType, id)
	}
	return rec, err
}

func (s *SubOrders) Commit(ctx context.Context, id string, expected int64, next kitchen.SubOrder) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE sub_orders
		SET status = $1, cancellation_reason = $2, station = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`, string(next.Status), next.CancellationReason, next.Station, next.UpdatedAt, id, expected)
	if err != nil {
		return 0, fmt.Errorf("failed to update sub-order: %w", err)
	}
	return casResult(ctx, s.db, tag, "sub_orders", kitchen.EntityType, id, expected)
}

func (s *SubOrders) ListSubOrders(ctx context.Context, orderID string) ([]generic.Record[kitchen.SubOrder], error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subOrderColumns+`
		FROM sub_orders
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sub-orders: %w", err)
	}
	defer rows.Close()

	var out []generic.Record[kitchen.SubOrder]
	for rows.Next() {
		rec, err := scanSubOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSubOrder(row pgx.Row) (generic.Record[kitchen.SubOrder], error) {
	var (
		so      kitchen.SubOrder
		status  string
		version int64
	)
	if err := row.Scan(&so.ID, &so.OrderID, &so.Station, &status, &so.CancellationReason,
		&version, &so.CreatedAt, &so.UpdatedAt); err != nil {
		return generic.Record[kitchen.SubOrder]{}, err
	}
	so.Status = kitchen.Status(status)
	so.CreatedAt = so.CreatedAt.UTC()
	so.UpdatedAt = so.UpdatedAt.UTC()
	return generic.Record[kitchen.SubOrder]{ID: so.ID, Value: so, Version: version}, nil
}
