package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// defaultListLimit caps listings that do not specify a limit.
const defaultListLimit = 100

func listLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > 1000:
		return 1000
	default:
		return n
	}
}
