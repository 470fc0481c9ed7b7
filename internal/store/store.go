// Package store is the single write path for opportunity scoring data.
// Every category mutation — live review, targeted update, or batch
// ingestion — funnels through ApplyCategorySave.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the requested opportunity does not exist.
var ErrNotFound = errors.New("no active deal")

type Store struct {
	pool   *pgxpool.Pool
	rubric RubricSource
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying connection pool so read-only collaborators
// (the rubric store) can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	s.pool.Close()
}
