package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atmx/lending-engine/internal/model"
)

// SQLiteJournal implements IntentJournal on a local SQLite file. Amounts are
// stored as decimal text because SQLite integers are signed 64-bit.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens the journal at path and applies the schema.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	j := &SQLiteJournal{db: db}
	if err := j.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) Close() error { return j.db.Close() }

func (j *SQLiteJournal) migrate(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS transfer_intents (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  destination TEXT NOT NULL,
  amount TEXT NOT NULL,
  fee TEXT NOT NULL,
  state TEXT NOT NULL,
  receipt_id TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfer_intents_state ON transfer_intents(state, created_at);
`)
	return err
}

func (j *SQLiteJournal) Create(ctx context.Context, in model.TransferIntent) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO transfer_intents (id, user_id, destination, amount, fee, state, receipt_id, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, string(in.UserID), in.Destination,
		strconv.FormatUint(in.Amount, 10), strconv.FormatUint(in.Fee, 10),
		string(in.State), in.ReceiptID, in.Error,
		in.CreatedAt.UnixMilli(), in.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create intent %s: %w", in.ID, err)
	}
	return nil
}

func (j *SQLiteJournal) Get(ctx context.Context, id string) (model.TransferIntent, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, user_id, destination, amount, fee, state, receipt_id, error, created_at, updated_at
FROM transfer_intents WHERE id = ?`, id)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TransferIntent{}, errIntentNotFound(id)
	}
	return in, err
}

func (j *SQLiteJournal) Save(ctx context.Context, in model.TransferIntent) error {
	res, err := j.db.ExecContext(ctx, `
UPDATE transfer_intents
SET state = ?, receipt_id = ?, error = ?, updated_at = ?
WHERE id = ?`,
		string(in.State), in.ReceiptID, in.Error, in.UpdatedAt.UnixMilli(), in.ID,
	)
	if err != nil {
		return fmt.Errorf("save intent %s: %w", in.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errIntentNotFound(in.ID)
	}
	return nil
}

func (j *SQLiteJournal) Transition(ctx context.Context, in model.TransferIntent, from model.IntentState) error {
	res, err := j.db.ExecContext(ctx, `
UPDATE transfer_intents
SET state = ?, receipt_id = ?, error = ?, updated_at = ?
WHERE id = ? AND state = ?`,
		string(in.State), in.ReceiptID, in.Error, in.UpdatedAt.UnixMilli(), in.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition intent %s: %w", in.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition intent %s: %w", in.ID, err)
	}
	if n == 1 {
		return nil
	}
	cur, err := j.Get(ctx, in.ID)
	if err != nil {
		return err
	}
	return errStateConflict(in.ID, cur.State, from)
}

func (j *SQLiteJournal) ListByState(ctx context.Context, state model.IntentState) ([]model.TransferIntent, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, user_id, destination, amount, fee, state, receipt_id, error, created_at, updated_at
FROM transfer_intents WHERE state = ? ORDER BY created_at, id`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TransferIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (model.TransferIntent, error) {
	var (
		in                  model.TransferIntent
		user, state         string
		amount, fee         string
		createdMs, updateMs int64
	)
	if err := row.Scan(&in.ID, &user, &in.Destination, &amount, &fee, &state,
		&in.ReceiptID, &in.Error, &createdMs, &updateMs); err != nil {
		return model.TransferIntent{}, err
	}
	var err error
	if in.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return model.TransferIntent{}, fmt.Errorf("%w: intent %s amount: %v", ErrCorrupt, in.ID, err)
	}
	if in.Fee, err = strconv.ParseUint(fee, 10, 64); err != nil {
		return model.TransferIntent{}, fmt.Errorf("%w: intent %s fee: %v", ErrCorrupt, in.ID, err)
	}
	in.UserID = model.UserID(user)
	in.State = model.IntentState(state)
	in.CreatedAt = time.UnixMilli(createdMs).UTC()
	in.UpdatedAt = time.UnixMilli(updateMs).UTC()
	return in, nil
}
