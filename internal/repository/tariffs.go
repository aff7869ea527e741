package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
)

const tariffColumns = `
	id, name, grid_rate, generator_rate, effective_from, effective_to,
	is_active, created_at
`

func scanTariff(row pgx.Row) (*db.Tariff, error) {
	var t db.Tariff
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.GridRate,
		&t.GeneratorRate,
		&t.EffectiveFrom,
		&t.EffectiveTo,
		&t.IsActive,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan tariff: %w", err)
	}
	return &t, nil
}

// TariffAt resolves the tariff applicable at a given timestamp.
func (r *Repository) TariffAt(ctx context.Context, ts time.Time) (*db.Tariff, error) {
	query := `
		SELECT ` + tariffColumns + `
		FROM tariffs
		WHERE is_active
		ORDER BY effective_from DESC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tariffs: %w", err)
	}
	defer rows.Close()

	var tariffs []db.Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, err
		}
		tariffs = append(tariffs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tariffs: %w", err)
	}

	return SelectTariff(tariffs, ts), nil
}

// SelectTariff picks the tariff applicable at ts from an active list
// ordered most recently effective first: the first tariff whose
// validity window contains ts, falling back to the most recently
// effective one so historical readings always price against something.
func SelectTariff(tariffs []db.Tariff, ts time.Time) *db.Tariff {
	for i := range tariffs {
		t := &tariffs[i]
		if t.EffectiveFrom.After(ts) {
			continue
		}
		if t.EffectiveTo == nil || t.EffectiveTo.After(ts) {
			return t
		}
	}
	if len(tariffs) > 0 {
		return &tariffs[0]
	}
	return nil
}
