package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles database operations for the metering core.
// Every mutation is a single-row atomic statement; idempotency is
// enforced with conditional inserts rather than explicit locking.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}
