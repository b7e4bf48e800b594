package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/atmx/lending-engine/internal/model"
)

const positionKeyPrefix = "pos:"

// LevelDBStore implements Store on a local LevelDB database. Keys are
// "pos:<user>" so iteration order is user order. Writes are synced.
type LevelDBStore struct {
	db *leveldb.DB
	// mu serializes read-modify-write; LevelDB itself has no row locks.
	mu sync.Mutex
}

// NewLevelDBStore opens (or creates) a LevelDB database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LevelDBStore) Get(_ context.Context, user model.UserID) (model.Position, error) {
	return s.load(user)
}

func (s *LevelDBStore) Upsert(_ context.Context, user model.UserID, pos model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(user, pos)
}

func (s *LevelDBStore) Update(_ context.Context, user model.UserID, fn UpdateFunc) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(user)
	if err != nil {
		return model.Position{}, err
	}
	next, err := fn(current)
	if err != nil {
		return current, err
	}
	if err := s.store(user, next); err != nil {
		return current, err
	}
	return next, nil
}

// ForEach skips records that fail to decode so one corrupt entry does not
// make the rest of the ledger unreadable.
func (s *LevelDBStore) ForEach(ctx context.Context, fn func(model.UserID, model.Position) bool) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(positionKeyPrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		user := model.UserID(strings.TrimPrefix(string(iter.Key()), positionKeyPrefix))
		pos, err := DecodePosition(iter.Value())
		if err != nil {
			slog.Warn("skipping corrupt position record", "user", user, "err", err)
			continue
		}
		if !fn(user, pos) {
			break
		}
	}
	return iter.Error()
}

func (s *LevelDBStore) load(user model.UserID) (model.Position, error) {
	data, err := s.db.Get(positionKey(user), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return model.Position{}, nil
	case err != nil:
		return model.Position{}, fmt.Errorf("load position %s: %w", user, err)
	}
	pos, err := DecodePosition(data)
	if err != nil {
		return model.Position{}, fmt.Errorf("position %s: %w", user, err)
	}
	return pos, nil
}

func (s *LevelDBStore) store(user model.UserID, pos model.Position) error {
	if err := s.db.Put(positionKey(user), EncodePosition(pos), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("store position %s: %w", user, err)
	}
	return nil
}

func positionKey(user model.UserID) []byte {
	return []byte(positionKeyPrefix + string(user))
}
