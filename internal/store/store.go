// Package store defines the persistence interfaces for the lending engine.
// Position implementations include LevelDB and PostgreSQL (durable), Redis
// (read-through cache) and in-memory (for testing). Transfer intents are
// journaled in SQLite or in memory.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/lending-engine/internal/model"
)

var (
	// ErrCorrupt is returned when a persisted record cannot be decoded. It is
	// fatal for the operation touching that record only.
	ErrCorrupt = errors.New("store: corrupt record")

	// ErrNotFound is returned when a transfer intent does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStateConflict is returned by Transition when the stored intent is
	// no longer in the expected state.
	ErrStateConflict = errors.New("store: intent state conflict")
)

// UpdateFunc computes the next position from the current one. Returning an
// error aborts the update without writing anything.
type UpdateFunc func(current model.Position) (model.Position, error)

// Store is the account ledger: a key-ordered mapping from user to position.
type Store interface {
	// Get returns the user's position, or the zero position if absent.
	Get(ctx context.Context, user model.UserID) (model.Position, error)

	// Upsert overwrites the user's position.
	Upsert(ctx context.Context, user model.UserID, pos model.Position) error

	// Update performs read-compute-write for one user with no other mutation
	// of the same user interleaving between the read and the write. fn must
	// not call back into the store.
	Update(ctx context.Context, user model.UserID, fn UpdateFunc) (model.Position, error)

	// ForEach visits positions in ascending user order until fn returns
	// false. The view is best-effort; concurrent writes may or may not be
	// observed.
	ForEach(ctx context.Context, fn func(model.UserID, model.Position) bool) error
}

// IntentJournal persists transfer intents so that in-flight withdrawals can
// be reconciled after a restart.
type IntentJournal interface {
	// Create records a new intent. The ID must be unique.
	Create(ctx context.Context, intent model.TransferIntent) error

	// Get returns the intent with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (model.TransferIntent, error)

	// Save overwrites an existing intent.
	Save(ctx context.Context, intent model.TransferIntent) error

	// Transition overwrites an existing intent only while its stored state
	// is from, and returns ErrStateConflict otherwise.
	Transition(ctx context.Context, intent model.TransferIntent, from model.IntentState) error

	// ListByState returns intents in the given state, oldest first.
	ListByState(ctx context.Context, state model.IntentState) ([]model.TransferIntent, error)
}

// List collects every position of st into a slice.
func List(ctx context.Context, st Store) ([]model.UserPosition, error) {
	var out []model.UserPosition
	err := st.ForEach(ctx, func(id model.UserID, pos model.Position) bool {
		out = append(out, model.UserPosition{UserID: id, Position: pos})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func errIntentNotFound(id string) error {
	return fmt.Errorf("intent %s: %w", id, ErrNotFound)
}

func errStateConflict(id string, have, want model.IntentState) error {
	return fmt.Errorf("intent %s is %s, not %s: %w", id, have, want, ErrStateConflict)
}

func errDuplicateIntent(id string) error {
	return fmt.Errorf("intent %s already exists", id)
}
