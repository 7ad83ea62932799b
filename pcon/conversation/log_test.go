package conversation

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var n int
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

// TestAppendAssignsMonotonicIDs tests that ids grow and survive Clear.
func TestAppendAssignsMonotonicIDs(t *testing.T) {
	log := NewLog()

	a := log.Append(RoleUser, "one")
	b := log.Append(RoleAssistant, "")
	log.Clear()
	c := log.Append(RoleUser, "two")

	assert.Equal(t, TurnID(1), a)
	assert.Equal(t, TurnID(2), b)
	assert.Equal(t, TurnID(3), c)
}

// TestInsertionOrderSurvivesUpdates tests that interleaved updates never reorder turns.
func TestInsertionOrderSurvivesUpdates(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	log := NewLog()
	var ids []TurnID

	for i := 0; i < 200; i++ {
		if len(ids) == 0 || rng.Intn(3) == 0 {
			ids = append(ids, log.Append(RoleAssistant, ""))
			continue
		}
		id := ids[rng.Intn(len(ids))]
		require.NoError(t, log.Update(id, fmt.Sprintf("text-%d", i)))
	}

	turns := log.Turns()
	require.Len(t, turns, len(ids))
	for i, turn := range turns {
		assert.Equal(t, ids[i], turn.ID)
	}
}

func TestUpdateRewritesInPlace(t *testing.T) {
	log := NewLog(WithClock(fixedClock()))
	user := log.Append(RoleUser, "hello")
	reply := log.Append(RoleAssistant, "")

	require.NoError(t, log.Update(reply, "hi"))
	require.NoError(t, log.Update(reply, "hi there"))

	want := []Turn{
		{ID: user, Role: RoleUser, Text: "hello", CreatedAt: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)},
		{ID: reply, Role: RoleAssistant, Text: "hi there", CreatedAt: time.Date(2024, 5, 1, 12, 0, 2, 0, time.UTC)},
	}
	if diff := cmp.Diff(want, log.Turns()); diff != "" {
		t.Errorf("turns mismatch (-want +got):\n%s", diff)
	}
}

// TestUpdateAfterClearIsNoop tests that an update racing a clear never resurrects a turn.
func TestUpdateAfterClearIsNoop(t *testing.T) {
	log := NewLog()
	id, epoch := log.AppendAt(RoleAssistant, "")
	log.Clear()

	assert.NotPanics(t, func() {
		err := log.Update(id, "late")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, IsBenign(err))

		err = log.UpdateAt(epoch, id, "late")
		assert.ErrorIs(t, err, ErrStaleEpoch)
		assert.True(t, IsBenign(err))

		err = log.Finalize(epoch, id, "late")
		assert.ErrorIs(t, err, ErrStaleEpoch)
	})
	assert.Equal(t, 0, log.Len())
	_, ok := log.Get(id)
	assert.False(t, ok)
}

// TestStaleEpochRejectedEvenForNewTurns tests that an old epoch cannot touch turns of a newer conversation.
func TestStaleEpochRejectedEvenForNewTurns(t *testing.T) {
	log := NewLog()
	_, old := log.AppendAt(RoleAssistant, "")
	log.Clear()
	fresh, current := log.AppendAt(RoleAssistant, "")

	assert.ErrorIs(t, log.UpdateAt(old, fresh, "wrong"), ErrStaleEpoch)
	require.NoError(t, log.UpdateAt(current, fresh, "right"))

	turn, ok := log.Get(fresh)
	require.True(t, ok)
	assert.Equal(t, "right", turn.Text)
}

func TestFinalize(t *testing.T) {
	t.Run("replaces text and locks the turn", func(t *testing.T) {
		log := NewLog()
		id, epoch := log.AppendAt(RoleAssistant, "")
		require.NoError(t, log.UpdateAt(epoch, id, "partial"))
		require.NoError(t, log.Finalize(epoch, id, "final"))

		turn, _ := log.Get(id)
		assert.Equal(t, "final", turn.Text)
		assert.True(t, log.IsFinalized(id))
		assert.ErrorIs(t, log.Update(id, "again"), ErrFinalized)
		assert.ErrorIs(t, log.Finalize(epoch, id, "again"), ErrFinalized)
		assert.Equal(t, 1, log.FinalizedCount())
	})

	t.Run("empty text keeps partial", func(t *testing.T) {
		log := NewLog()
		id, epoch := log.AppendAt(RoleAssistant, "")
		require.NoError(t, log.UpdateAt(epoch, id, "partial"))
		require.NoError(t, log.Finalize(epoch, id, ""))

		turn, _ := log.Get(id)
		assert.Equal(t, "partial", turn.Text)
	})

	t.Run("clear resets finalized set", func(t *testing.T) {
		log := NewLog()
		id, epoch := log.AppendAt(RoleAssistant, "")
		require.NoError(t, log.Finalize(epoch, id, "done"))
		log.Clear()

		assert.False(t, log.IsFinalized(id))
		assert.Equal(t, 0, log.FinalizedCount())
	})
}

func TestClearIsIdempotentApartFromEpoch(t *testing.T) {
	log := NewLog()
	log.Append(RoleUser, "a")

	first := log.Clear()
	second := log.Clear()

	assert.Equal(t, Epoch(1), first)
	assert.Equal(t, Epoch(2), second)
	assert.Empty(t, log.Turns())
	assert.Equal(t, second, log.Epoch())
}

func TestTurnsReturnsCopy(t *testing.T) {
	log := NewLog()
	id := log.Append(RoleUser, "original")

	turns := log.Turns()
	turns[0].Text = "mutated"

	got, _ := log.Get(id)
	assert.Equal(t, "original", got.Text)
}

func TestChangesCoalesce(t *testing.T) {
	log := NewLog()
	id := log.Append(RoleAssistant, "")
	require.NoError(t, log.Update(id, "x"))
	log.Clear()

	select {
	case <-log.Changes():
	default:
		t.Fatal("expected a change signal")
	}
	select {
	case <-log.Changes():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestNoSignalOnRejectedUpdate(t *testing.T) {
	log := NewLog()
	assert.ErrorIs(t, log.Update(99, "x"), ErrNotFound)

	select {
	case <-log.Changes():
		t.Fatal("rejected update must not signal")
	default:
	}
}

// TestConcurrentAppendUpdateClear tests the log under concurrent writers.
func TestConcurrentAppendUpdateClear(t *testing.T) {
	log := NewLog()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id, epoch := log.AppendAt(RoleAssistant, "")
				err := log.UpdateAt(epoch, id, fmt.Sprintf("%d-%d", w, i))
				if err != nil {
					assert.True(t, IsBenign(err), err)
				}
				if i%25 == 0 {
					log.Clear()
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[TurnID]bool)
	var prev TurnID
	for _, turn := range log.Turns() {
		assert.False(t, seen[turn.ID])
		seen[turn.ID] = true
		assert.Greater(t, turn.ID, prev)
		prev = turn.ID
	}
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleAssistant.Valid())
	assert.True(t, RoleSystem.Valid())
	assert.False(t, Role("bot").Valid())
}
