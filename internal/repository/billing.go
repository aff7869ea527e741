package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
)

// InsertBillingTransaction records the cost of one reading. The
// reading id carries a uniqueness constraint, so a redelivered reading
// returns false without writing. Callers treat that outcome as the
// signal that the reading was already billed.
func (r *Repository) InsertBillingTransaction(ctx context.Context, t *db.BillingTransaction) (bool, error) {
	query := `
		INSERT INTO billing_transactions (
			reading_id, account_id, device_id, tariff_id, delta_kwh, cost
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reading_id) DO NOTHING
		RETURNING id
	`

	err := r.pool.QueryRow(ctx, query,
		t.ReadingID,
		t.AccountID,
		t.DeviceID,
		t.TariffID,
		t.DeltaKWh,
		t.Cost,
	).Scan(&t.ID)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert billing transaction: %w", err)
	}
	return true, nil
}
