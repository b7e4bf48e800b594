package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/lending-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Positions are stored as versioned BYTEA records (see EncodePosition) so the
// schema does not change when fields are added.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the positions table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS positions (
  user_id    TEXT PRIMARY KEY,
  record     BYTEA NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, user model.UserID) (model.Position, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM positions WHERE user_id = $1`, string(user)).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, nil
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("get position %s: %w", user, err)
	}
	pos, err := DecodePosition(record)
	if err != nil {
		return model.Position{}, fmt.Errorf("position %s: %w", user, err)
	}
	return pos, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, user model.UserID, pos model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, record, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET record = EXCLUDED.record, updated_at = now()`,
		string(user), EncodePosition(pos),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", user, err)
	}
	return nil
}

// Update locks the user's row for the duration of the transaction. The row
// is created first if absent so that two first-time writers also serialize.
func (s *PostgresStore) Update(ctx context.Context, user model.UserID, fn UpdateFunc) (model.Position, error) {
	var next model.Position
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (user_id, record) VALUES ($1, $2)
			 ON CONFLICT (user_id) DO NOTHING`,
			string(user), EncodePosition(model.Position{})); err != nil {
			return err
		}

		var record []byte
		if err := tx.QueryRow(ctx,
			`SELECT record FROM positions WHERE user_id = $1 FOR UPDATE`, string(user)).Scan(&record); err != nil {
			return err
		}
		current, err := DecodePosition(record)
		if err != nil {
			return fmt.Errorf("position %s: %w", user, err)
		}

		next, err = fn(current)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE positions SET record = $2, updated_at = now() WHERE user_id = $1`,
			string(user), EncodePosition(next))
		return err
	})
	if err != nil {
		return model.Position{}, err
	}
	return next, nil
}

// Byte order, matching the other stores regardless of database collation.
const listPositionsSQL = `SELECT user_id, record FROM positions ORDER BY user_id COLLATE "C"`

func (s *PostgresStore) ForEach(ctx context.Context, fn func(model.UserID, model.Position) bool) error {
	rows, err := s.pool.Query(ctx, listPositionsSQL)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var record []byte
		if err := rows.Scan(&id, &record); err != nil {
			return err
		}
		pos, err := DecodePosition(record)
		if err != nil {
			slog.Warn("skipping corrupt position record", "user", id, "err", err)
			continue
		}
		if !fn(model.UserID(id), pos) {
			break
		}
	}
	return rows.Err()
}
