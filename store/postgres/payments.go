package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/payment"
)

type Payments struct {
	db *pgxpool.Pool
}

var _ payment.Store = (*Payments)(nil)

const paymentColumns = `id, external_reference, gateway_charge_id, status, purpose, amount, currency,
	order_id, wallet_id, refund_reason, version, created_at, updated_at`

func (s *Payments) CreatePayment(ctx context.Context, p payment.Payment) (generic.Record[payment.Payment], error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)
	`, p.ID, p.ExternalReference, p.GatewayChargeID, string(p.Status), string(p.Purpose),
		p.Amount.Value, string(p.Amount.Currency), p.OrderID, p.WalletID, p.RefundReason,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return generic.Record[payment.Payment]{}, fmt.Errorf("external reference %s: %w", p.ExternalReference, generic.ErrDuplicateKey)
		}
		return generic.Record[payment.Payment]{}, fmt.Errorf("failed to insert payment: %w", err)
	}
	return generic.Record[payment.Payment]{ID: p.ID, Value: p, Version: 1}, nil
}

func (s *Payments) Load(ctx context.Context, id string) (generic.Record[payment.Payment], error) {
	rec, err := scanPayment(s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Record[payment.Payment]{}, generic.NotFound(payment.EntityType, id)
	}
	return rec, err
}

func (s *Payments) FindByExternalReference(ctx context.Context, ref string) (generic.Record[payment.Payment], bool, error) {
	rec, err := scanPayment(s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_reference = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Record[payment.Payment]{}, false, nil
	}
	if err != nil {
		return generic.Record[payment.Payment]{}, false, err
	}
	return rec, true, nil
}

func (s *Payments) Commit(ctx context.Context, id string, expected int64, next payment.Payment) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payments
		SET status = $1, gateway_charge_id = $2, refund_reason = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`, string(next.Status), next.GatewayChargeID, next.RefundReason, next.UpdatedAt, id, expected)
	if err != nil {
		return 0, fmt.Errorf("failed to update payment: %w", err)
	}
	return casResult(ctx, s.db, tag, "payments", payment.EntityType, id, expected)
}

func scanPayment(row pgx.Row) (generic.Record[payment.Payment], error) {
	var (
		p                         payment.Payment
		status, purpose, currency string
		amount                    decimal.Decimal
		version                   int64
	)
	if err := row.Scan(&p.ID, &p.ExternalReference, &p.GatewayChargeID, &status, &purpose,
		&amount, &currency, &p.OrderID, &p.WalletID, &p.RefundReason, &version,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return generic.Record[payment.Payment]{}, err
	}
	p.Status = payment.Status(status)
	p.Purpose = payment.Purpose(purpose)
	p.Amount = generic.NewAmount(amount, generic.Currency(currency))
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return generic.Record[payment.Payment]{ID: p.ID, Value: p, Version: version}, nil
}
