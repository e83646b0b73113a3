package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/payment"
)

// =============================================================================
// PAYMENT STORE (payment.Store interface)
// =============================================================================

type Payments struct {
	db *sql.DB
}

var _ payment.Store = (*Payments)(nil)

const paymentColumns = `id, external_reference, gateway_charge_id, status, purpose, amount, currency,
	order_id, wallet_id, refund_reason, version, created_at, updated_at`

func (s *Payments) CreatePayment(ctx context.Context, p payment.Payment) (generic.Record[payment.Payment], error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, p.ID, p.ExternalReference, p.GatewayChargeID, string(p.Status), string(p.Purpose),
		p.Amount.String(), string(p.Amount.Currency), p.OrderID, p.WalletID, p.RefundReason,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.Record[payment.Payment]{}, fmt.Errorf("external reference %s: %w", p.ExternalReference, generic.ErrDuplicateKey)
		}
		return generic.Record[payment.Payment]{}, fmt.Errorf("failed to insert payment: %w", err)
	}
	return generic.Record[payment.Payment]{ID: p.ID, Value: p, Version: 1}, nil
}

func (s *Payments) Load(ctx context.Context, id string) (generic.Record[payment.Payment], error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	rec, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Record[payment.Payment]{}, generic.NotFound(payment.EntityType, id)
	}
	return rec, err
}

func (s *Payments) FindByExternalReference(ctx context.Context, ref string) (generic.Record[payment.Payment], bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_reference = ?`, ref)
	rec, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Record[payment.Payment]{}, false, nil
	}
	if err != nil {
		return generic.Record[payment.Payment]{}, false, err
	}
	return rec, true, nil
}

// Commit never rewrites the external reference, purpose, amount or targets;
// those are fixed at creation.
func (s *Payments) Commit(ctx context.Context, id string, expected int64, next payment.Payment) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = ?, gateway_charge_id = ?, refund_reason = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, string(next.Status), next.GatewayChargeID, next.RefundReason, formatTime(next.UpdatedAt), id, expected)
	if err != nil {
		return 0, fmt.Errorf("failed to update payment: %w", err)
	}
	return casResult(ctx, s.db, res, "payments", payment.EntityType, id, expected)
}

func scanPayment(row rowScanner) (generic.Record[payment.Payment], error) {
	var (
		p                    payment.Payment
		status, purpose      string
		amount, currency     string
		version              int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.ExternalReference, &p.GatewayChargeID, &status, &purpose,
		&amount, &currency, &p.OrderID, &p.WalletID, &p.RefundReason, &version,
		&createdAt, &updatedAt); err != nil {
		return generic.Record[payment.Payment]{}, err
	}
	p.Status = payment.Status(status)
	p.Purpose = payment.Purpose(purpose)

	var err error
	if p.Amount, err = parseAmount(amount, currency); err != nil {
		return generic.Record[payment.Payment]{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return generic.Record[payment.Payment]{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return generic.Record[payment.Payment]{}, err
	}
	return generic.Record[payment.Payment]{ID: p.ID, Value: p, Version: version}, nil
}
