package store

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/model"
)

// --- Codec ---

func TestPositionCodecRoundTrip(t *testing.T) {
	cases := []model.Position{
		{},
		{Collateral: 1, Debt: 0},
		{Collateral: 1000, Debt: 600},
		{Collateral: math.MaxUint64, Debt: math.MaxUint64},
		{Collateral: 0, Debt: math.MaxUint64},
		{Collateral: 1 << 63, Debt: (1 << 63) - 1},
	}
	for _, pos := range cases {
		got, err := DecodePosition(EncodePosition(pos))
		require.NoError(t, err)
		require.Equal(t, pos, got)
	}
}

func TestPositionCodecStableBytes(t *testing.T) {
	got := EncodePosition(model.Position{Collateral: 0x0102, Debt: 0x03})
	want := []byte{0x01, 0, 0, 0, 0, 0, 0, 0x01, 0x02, 0, 0, 0, 0, 0, 0, 0, 0x03}
	require.Equal(t, want, got)
}

func TestPositionCodecIgnoresExtensionBytes(t *testing.T) {
	pos := model.Position{Collateral: 42, Debt: 7}
	extended := append(EncodePosition(pos), 0xde, 0xad, 0xbe, 0xef)

	got, err := DecodePosition(extended)
	require.NoError(t, err)
	require.Equal(t, pos, got)
}

func TestPositionCodecRejectsCorruptRecords(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":     nil,
		"truncated": EncodePosition(model.Position{Collateral: 1})[:10],
		"version":   append([]byte{0x7f}, make([]byte, 16)...),
	} {
		_, err := DecodePosition(data)
		require.ErrorIs(t, err, ErrCorrupt, name)
	}
}

// --- Store implementations ---

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	pos, err := st.Get(ctx, "nobody")
	require.NoError(t, err)
	require.True(t, pos.IsZero(), "absent user must read as zero position")

	require.NoError(t, st.Upsert(ctx, "carol", model.Position{Collateral: 30}))
	require.NoError(t, st.Upsert(ctx, "alice", model.Position{Collateral: 10, Debt: 5}))
	require.NoError(t, st.Upsert(ctx, "bob", model.Position{Collateral: 20}))
	require.NoError(t, st.Upsert(ctx, "Dave", model.Position{Collateral: 40}))

	next, err := st.Update(ctx, "bob", func(cur model.Position) (model.Position, error) {
		cur.Debt += 3
		return cur, nil
	})
	require.NoError(t, err)
	require.Equal(t, model.Position{Collateral: 20, Debt: 3}, next)

	boom := errors.New("boom")
	_, err = st.Update(ctx, "bob", func(cur model.Position) (model.Position, error) {
		return model.Position{}, boom
	})
	require.ErrorIs(t, err, boom)
	pos, err = st.Get(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, model.Position{Collateral: 20, Debt: 3}, pos, "failed update must not write")

	// Ordering is bytewise on every backend, so upper case sorts first.
	all, err := List(ctx, st)
	require.NoError(t, err)
	var ids []model.UserID
	for _, up := range all {
		ids = append(ids, up.UserID)
	}
	require.Equal(t, []model.UserID{"Dave", "alice", "bob", "carol"}, ids)
}

func exerciseConcurrentUpdates(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Update(ctx, "hot", func(cur model.Position) (model.Position, error) {
				cur.Collateral++
				return cur, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	pos, err := st.Get(ctx, "hot")
	require.NoError(t, err)
	require.Equal(t, uint64(workers), pos.Collateral)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
	exerciseConcurrentUpdates(t, NewMemoryStore())
}

func TestMemoryStorePrunesZeroPositions(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	require.NoError(t, st.Upsert(ctx, "alice", model.Position{Collateral: 10}))
	require.Equal(t, 1, st.Len())

	require.NoError(t, st.Upsert(ctx, "alice", model.Position{}))
	require.Equal(t, 0, st.Len())

	pos, err := st.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, pos.IsZero())
}

func TestMemoryStoreForEachStopsEarly(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	for _, u := range []model.UserID{"a", "b", "c"} {
		require.NoError(t, st.Upsert(ctx, u, model.Position{Collateral: 1}))
	}

	var seen []model.UserID
	require.NoError(t, st.ForEach(ctx, func(u model.UserID, _ model.Position) bool {
		seen = append(seen, u)
		return len(seen) < 2
	}))
	require.Equal(t, []model.UserID{"a", "b"}, seen)
}

func TestLevelDBStore(t *testing.T) {
	st, err := NewLevelDBStore(filepath.Join(t.TempDir(), "positions"))
	require.NoError(t, err)
	defer st.Close()

	exerciseStore(t, st)
	exerciseConcurrentUpdates(t, st)
}

func TestLevelDBStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions")
	ctx := context.Background()

	st, err := NewLevelDBStore(path)
	require.NoError(t, err)
	require.NoError(t, st.Upsert(ctx, "alice", model.Position{Collateral: 1000, Debt: 600}))
	require.NoError(t, st.Close())

	st, err = NewLevelDBStore(path)
	require.NoError(t, err)
	defer st.Close()

	pos, err := st.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, model.Position{Collateral: 1000, Debt: 600}, pos)
}

func TestLevelDBStoreCorruptRecordIsolated(t *testing.T) {
	ctx := context.Background()
	st, err := NewLevelDBStore(filepath.Join(t.TempDir(), "positions"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Upsert(ctx, "alice", model.Position{Collateral: 5}))
	require.NoError(t, st.db.Put(positionKey("mallory"), []byte{0x09, 0x01}, nil))

	_, err = st.Get(ctx, "mallory")
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = st.Update(ctx, "mallory", func(cur model.Position) (model.Position, error) { return cur, nil })
	require.ErrorIs(t, err, ErrCorrupt)

	all, err := List(ctx, st)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, model.UserID("alice"), all[0].UserID)
}

// --- Intent journals ---

func exerciseJournal(t *testing.T, j IntentJournal) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first := model.TransferIntent{
		ID: "i-1", UserID: "alice", Destination: "dest", Amount: math.MaxUint64, Fee: 10,
		State: model.IntentPending, CreatedAt: base, UpdatedAt: base,
	}
	second := first
	second.ID = "i-2"
	second.Amount = 500
	second.CreatedAt = base.Add(time.Second)
	second.UpdatedAt = second.CreatedAt

	require.NoError(t, j.Create(ctx, first))
	require.NoError(t, j.Create(ctx, second))
	require.Error(t, j.Create(ctx, first), "duplicate id must be rejected")

	got, err := j.Get(ctx, "i-1")
	require.NoError(t, err)
	require.Equal(t, first, got)

	_, err = j.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	pending, err := j.ListByState(ctx, model.IntentPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "i-1", pending[0].ID)

	got.State = model.IntentConfirmed
	got.ReceiptID = "42"
	got.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, j.Save(ctx, got))

	pending, err = j.ListByState(ctx, model.IntentPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "i-2", pending[0].ID)

	confirmed, err := j.Get(ctx, "i-1")
	require.NoError(t, err)
	require.Equal(t, "42", confirmed.ReceiptID)

	require.ErrorIs(t, j.Save(ctx, model.TransferIntent{ID: "ghost"}), ErrNotFound)

	// Transition only moves an intent out of the expected state.
	failed := second
	failed.State = model.IntentFailed
	failed.Error = "rejected"
	require.NoError(t, j.Transition(ctx, failed, model.IntentPending))
	require.ErrorIs(t, j.Transition(ctx, failed, model.IntentPending), ErrStateConflict)

	got, err = j.Get(ctx, "i-2")
	require.NoError(t, err)
	require.Equal(t, model.IntentFailed, got.State)
	require.Equal(t, "rejected", got.Error)

	require.ErrorIs(t, j.Transition(ctx, model.TransferIntent{ID: "ghost"}, model.IntentPending), ErrNotFound)
}

func TestMemoryJournal(t *testing.T) {
	exerciseJournal(t, NewMemoryJournal())
}

func TestSQLiteJournalReportsDirectoryError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	_, err := NewSQLiteJournal(filepath.Join(blocker, "intents.db"))
	require.ErrorContains(t, err, "create journal directory")
}

func TestSQLiteJournal(t *testing.T) {
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "intents.db"))
	require.NoError(t, err)
	defer j.Close()

	exerciseJournal(t, j)
}
