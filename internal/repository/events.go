package repository

import (
	"context"
	"fmt"

	"github.com/voltmet/prepaid-metering-worker/internal/db"
)

// InsertEvent appends one operational event
func (r *Repository) InsertEvent(ctx context.Context, e *db.Event) error {
	query := `
		INSERT INTO events (account_id, device_id, level, event_type, message, source, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		e.AccountID,
		e.DeviceID,
		e.Level,
		e.Type,
		e.Message,
		e.Source,
		e.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// RecentEvents lists the newest operational events, optionally scoped
// to one account.
func (r *Repository) RecentEvents(ctx context.Context, accountID *int64, limit int) ([]db.Event, error) {
	query := `
		SELECT id, account_id, device_id, level, event_type, message, source, metadata, ts
		FROM events
		WHERE $1::bigint IS NULL OR account_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []db.Event
	for rows.Next() {
		var e db.Event
		err := rows.Scan(&e.ID, &e.AccountID, &e.DeviceID, &e.Level, &e.Type, &e.Message, &e.Source, &e.Metadata, &e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return events, nil
}
