package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
)

const commandColumns = `
	id, device_id, coil_address, command, target_state, requested_by,
	retry_count, max_retries, result, error_message, notes, claimed_by,
	claimed_until, requested_at, executed_at
`

func scanCommand(row pgx.Row) (*db.OutputCommand, error) {
	var c db.OutputCommand
	err := row.Scan(
		&c.ID,
		&c.DeviceID,
		&c.CoilAddress,
		&c.Command,
		&c.TargetState,
		&c.RequestedBy,
		&c.RetryCount,
		&c.MaxRetries,
		&c.Result,
		&c.ErrorMessage,
		&c.Notes,
		&c.ClaimedBy,
		&c.ClaimedUntil,
		&c.RequestedAt,
		&c.ExecutedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan command: %w", err)
	}
	return &c, nil
}

// InsertCommand persists a new pending digital-output command
func (r *Repository) InsertCommand(ctx context.Context, c *db.OutputCommand) (int64, error) {
	query := `
		INSERT INTO output_commands (
			device_id, coil_address, command, target_state, requested_by,
			max_retries, result, notes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err := r.pool.QueryRow(ctx, query,
		c.DeviceID,
		c.CoilAddress,
		c.Command,
		c.TargetState,
		c.RequestedBy,
		c.MaxRetries,
		db.ResultPending,
		c.Notes,
	).Scan(&c.ID)

	if err != nil {
		return 0, fmt.Errorf("failed to insert command: %w", err)
	}
	return c.ID, nil
}

// GetCommand fetches one command by id, nil when not found
func (r *Repository) GetCommand(ctx context.Context, id int64) (*db.OutputCommand, error) {
	query := `SELECT ` + commandColumns + ` FROM output_commands WHERE id = $1`
	return scanCommand(r.pool.QueryRow(ctx, query, id))
}

// FinalizeCommand moves a command from PENDING to a terminal result.
// The WHERE clause makes the transition one-way: a command already
// terminal is returned unchanged with applied=false.
func (r *Repository) FinalizeCommand(ctx context.Context, id int64, result string, errorMessage *string) (*db.OutputCommand, bool, error) {
	query := `
		UPDATE output_commands
		SET result = $2, error_message = $3, executed_at = now()
		WHERE id = $1 AND result = $4
		RETURNING ` + commandColumns

	cmd, err := scanCommand(r.pool.QueryRow(ctx, query, id, result, errorMessage, db.ResultPending))
	if err != nil {
		return nil, false, fmt.Errorf("failed to finalize command: %w", err)
	}
	if cmd != nil {
		return cmd, true, nil
	}

	// Already terminal: refresh the execution timestamp and message
	// only, leaving result and status untouched.
	touch := `
		UPDATE output_commands
		SET executed_at = now(),
		    error_message = COALESCE($2, error_message)
		WHERE id = $1
		RETURNING ` + commandColumns

	cmd, err = scanCommand(r.pool.QueryRow(ctx, touch, id, errorMessage))
	if err != nil {
		return nil, false, fmt.Errorf("failed to touch command: %w", err)
	}
	return cmd, false, nil
}

// PendingCommands lists unexecuted commands with their device address,
// oldest first, for display and for single-worker polling.
func (r *Repository) PendingCommands(ctx context.Context, limit int) ([]db.PendingCommand, error) {
	query := `
		SELECT c.id, c.device_id, c.coil_address, c.command, c.target_state,
		       c.requested_by, c.retry_count, c.max_retries, c.result,
		       c.error_message, c.notes, c.claimed_by, c.claimed_until,
		       c.requested_at, c.executed_at, d.address
		FROM output_commands c
		JOIN devices d ON d.id = c.device_id
		WHERE c.result = $1
		ORDER BY c.requested_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, db.ResultPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending commands: %w", err)
	}
	defer rows.Close()

	return collectPendingCommands(rows)
}

// ClaimCommands leases a batch of pending commands to one worker so
// concurrent workers never pick up the same command. Expired leases
// become claimable again; a re-claim counts as a retry attempt.
func (r *Repository) ClaimCommands(ctx context.Context, workerID string, limit int, lease time.Duration) ([]db.PendingCommand, error) {
	query := `
		UPDATE output_commands c
		SET claimed_by = $1,
		    claimed_until = now() + $2::interval,
		    retry_count = c.retry_count + CASE WHEN c.claimed_by IS NULL THEN 0 ELSE 1 END
		FROM devices d
		WHERE d.id = c.device_id
		  AND c.id IN (
			SELECT id FROM output_commands
			WHERE result = $3
			  AND (claimed_until IS NULL OR claimed_until < now())
			  AND retry_count <= max_retries
			ORDER BY requested_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		  )
		RETURNING c.id, c.device_id, c.coil_address, c.command, c.target_state,
		          c.requested_by, c.retry_count, c.max_retries, c.result,
		          c.error_message, c.notes, c.claimed_by, c.claimed_until,
		          c.requested_at, c.executed_at, d.address
	`

	leaseArg := fmt.Sprintf("%d seconds", int(lease.Seconds()))
	rows, err := r.pool.Query(ctx, query, workerID, leaseArg, db.ResultPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim commands: %w", err)
	}
	defer rows.Close()

	return collectPendingCommands(rows)
}

func collectPendingCommands(rows pgx.Rows) ([]db.PendingCommand, error) {
	var commands []db.PendingCommand
	for rows.Next() {
		var pc db.PendingCommand
		c := &pc.Command
		err := rows.Scan(
			&c.ID,
			&c.DeviceID,
			&c.CoilAddress,
			&c.Command,
			&c.TargetState,
			&c.RequestedBy,
			&c.RetryCount,
			&c.MaxRetries,
			&c.Result,
			&c.ErrorMessage,
			&c.Notes,
			&c.ClaimedBy,
			&c.ClaimedUntil,
			&c.RequestedAt,
			&c.ExecutedAt,
			&pc.DeviceAddress,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending command: %w", err)
		}
		commands = append(commands, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return commands, nil
}

// GetOutputStatus returns the committed state of one (device, coil)
// pair, nil when no command has ever succeeded for it.
func (r *Repository) GetOutputStatus(ctx context.Context, deviceID int64, coilAddress int) (*db.OutputStatus, error) {
	query := `
		SELECT device_id, coil_address, state, update_source, updated_by, updated_at
		FROM output_status
		WHERE device_id = $1 AND coil_address = $2
	`

	var s db.OutputStatus
	err := r.pool.QueryRow(ctx, query, deviceID, coilAddress).Scan(
		&s.DeviceID,
		&s.CoilAddress,
		&s.State,
		&s.UpdateSource,
		&s.UpdatedBy,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query output status: %w", err)
	}
	return &s, nil
}

// UpsertOutputStatus commits the state of one (device, coil) pair,
// last write wins.
func (r *Repository) UpsertOutputStatus(ctx context.Context, s *db.OutputStatus) error {
	query := `
		INSERT INTO output_status (device_id, coil_address, state, update_source, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (device_id, coil_address) DO UPDATE
		SET state = EXCLUDED.state,
		    update_source = EXCLUDED.update_source,
		    updated_by = EXCLUDED.updated_by,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query, s.DeviceID, s.CoilAddress, s.State, s.UpdateSource, s.UpdatedBy)
	if err != nil {
		return fmt.Errorf("failed to upsert output status: %w", err)
	}
	return nil
}
