package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/atmx/lending-engine/internal/model"
)

type memEntry struct {
	user model.UserID
	pos  model.Position
}

func memLess(a, b memEntry) bool { return a.user < b.user }

// MemoryStore implements Store with an in-memory B-tree ordered by user.
// Used for testing and development. Not suitable for production (no
// persistence). Zero positions are pruned.
type MemoryStore struct {
	mu   sync.Mutex
	tree *btree.BTreeG[memEntry]
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree: btree.NewG[memEntry](16, memLess),
	}
}

func (s *MemoryStore) Get(_ context.Context, user model.UserID) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.tree.Get(memEntry{user: user})
	return e.pos, nil
}

func (s *MemoryStore) Upsert(_ context.Context, user model.UserID, pos model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(user, pos)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, user model.UserID, fn UpdateFunc) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _ := s.tree.Get(memEntry{user: user})
	next, err := fn(current.pos)
	if err != nil {
		return current.pos, err
	}
	s.put(user, next)
	return next, nil
}

// ForEach iterates over a copy-on-write clone so fn runs without the lock.
func (s *MemoryStore) ForEach(ctx context.Context, fn func(model.UserID, model.Position) bool) error {
	s.mu.Lock()
	snapshot := s.tree.Clone()
	s.mu.Unlock()

	var err error
	snapshot.Ascend(func(e memEntry) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		return fn(e.user, e.pos)
	})
	return err
}

// Len returns the number of non-zero positions held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

func (s *MemoryStore) put(user model.UserID, pos model.Position) {
	if pos.IsZero() {
		s.tree.Delete(memEntry{user: user})
		return
	}
	s.tree.ReplaceOrInsert(memEntry{user: user, pos: pos})
}

// MemoryJournal implements IntentJournal with a map. Used for testing and
// single-process development.
type MemoryJournal struct {
	mu      sync.RWMutex
	intents map[string]model.TransferIntent
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{intents: make(map[string]model.TransferIntent)}
}

func (j *MemoryJournal) Create(_ context.Context, intent model.TransferIntent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.intents[intent.ID]; ok {
		return errDuplicateIntent(intent.ID)
	}
	j.intents[intent.ID] = intent
	return nil
}

func (j *MemoryJournal) Get(_ context.Context, id string) (model.TransferIntent, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	intent, ok := j.intents[id]
	if !ok {
		return model.TransferIntent{}, errIntentNotFound(id)
	}
	return intent, nil
}

func (j *MemoryJournal) Save(_ context.Context, intent model.TransferIntent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.intents[intent.ID]; !ok {
		return errIntentNotFound(intent.ID)
	}
	j.intents[intent.ID] = intent
	return nil
}

func (j *MemoryJournal) Transition(_ context.Context, intent model.TransferIntent, from model.IntentState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	cur, ok := j.intents[intent.ID]
	if !ok {
		return errIntentNotFound(intent.ID)
	}
	if cur.State != from {
		return errStateConflict(intent.ID, cur.State, from)
	}
	j.intents[intent.ID] = intent
	return nil
}

func (j *MemoryJournal) ListByState(_ context.Context, state model.IntentState) ([]model.TransferIntent, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []model.TransferIntent
	for _, in := range j.intents {
		if in.State == state {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}
