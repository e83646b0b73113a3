package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/kitchen"
)

// =============================================================================
// SUB-ORDER STORE (kitchen.Store interface)
// =============================================================================

type SubOrders struct {
	db *sql.DB
}

var _ kitchen.Store = (*SubOrders)(nil)

const subOrderColumns = `id, order_id, station, status, cancellation_reason, version, created_at, updated_at`

func (s *SubOrders) CreateSubOrder(ctx context.Context, so kitchen.SubOrder) (generic.Record[kitchen.SubOrder], error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sub_orders (`+subOrderColumns+`)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`, so.ID, so.OrderID, so.Station, string(so.Status), so.CancellationReason,
		formatTime(so.CreatedAt), formatTime(so.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.Record[kitchen.SubOrder]{}, fmt.Errorf("sub-order %s: %w", so.ID, generic.ErrDuplicateKey)
		}
		return generic.Record[kitchen.SubOrder]{}, fmt.Errorf("failed to insert sub-order: %w", err)
	}
	return generic.Record[kitchen.SubOrder]{ID: so.ID, Value: so, Version: 1}, nil
}

func (s *SubOrders) Load(ctx context.Context, id string) (generic.Record[kitchen.SubOrder], error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subOrderColumns+` FROM sub_orders WHERE id = ?`, id)
	rec, err := scanSubOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Record[kitchen.SubOrder]{}, generic.NotFound(kitchen.EntityType, id)
	}
	return rec, err
}

func (s *SubOrders) Commit(ctx context.Context, id string, expected int64, next kitchen.SubOrder) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sub_orders
		SET status = ?, cancellation_reason = ?, station = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, string(next.Status), next.CancellationReason, next.Station, formatTime(next.UpdatedAt), id, expected)
	if err != nil {
		return 0, fmt.Errorf("failed to update sub-order: %w", err)
	}
	return casResult(ctx, s.db, res, "sub_orders", kitchen.EntityType, id, expected)
}

func (s *SubOrders) ListSubOrders(ctx context.Context, orderID string) ([]generic.Record[kitchen.SubOrder], error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subOrderColumns+`
		FROM sub_orders
		WHERE order_id = ?
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

func scanSubOrder(row rowScanner) (generic.Record[kitchen.SubOrder], error) {
	var (
		so                   kitchen.SubOrder
		status               string
		version              int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&so.ID, &so.OrderID, &so.Station, &status, &so.CancellationReason,
		&version, &createdAt, &updatedAt); err != nil {
		return generic.Record[kitchen.SubOrder]{}, err
	}
	so.Status = kitchen.Status(status)

	var err error
	if so.CreatedAt, err = parseTime(createdAt); err != nil {
		return generic.Record[kitchen.SubOrder]{}, err
	}
	if so.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return generic.Record[kitchen.SubOrder]{}, err
	}
	return generic.Record[kitchen.SubOrder]{ID: so.ID, Value: so, Version: version}, nil
}
