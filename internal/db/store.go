package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// ErrConflict is returned when a write loses against a uniqueness or
// exclusion constraint.
var ErrConflict = errors.New("db: conflicting row")

// Store embeds Queries, so it satisfies every package's store interface.
type Store struct {
	*Queries
	Pool *pgxpool.Pool
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: New(pool), Pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	queries := s.Queries.WithTx(tx)
	if err := fn(queries); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23P01":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		}
	}
	return err
}

// ApplyIncidentResponse locks the incident, asks decide for the next status
// and, when decide accepts, appends the response and moves the incident in
// the same transaction.
func (s *Store) ApplyIncidentResponse(ctx context.Context, resp DriverResponse, decide func(EmergencyIncident) (UpdateIncidentStatusParams, error)) (EmergencyIncident, error) {
	var updated EmergencyIncident
	err := s.WithTx(ctx, func(q *Queries) error {
		current, err := q.GetIncidentForUpdate(ctx, resp.IncidentID)
		if err != nil {
			return err
		}
		params, err := decide(current)
		if err != nil {
			return err
		}
		if err := q.InsertDriverResponse(ctx, resp); err != nil {
			return err
		}
		updated, err = q.UpdateIncidentStatus(ctx, params)
		return err
	})
	return updated, err
}
