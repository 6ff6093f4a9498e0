package testutil

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guidemesh/core"
)

// TurnPair builds the (user, agent) turns committed for one exchange
// starting at index.
func TurnPair(index int, user, agent string, guidelineIDs ...core.GuidelineID) []core.Turn {
	now := time.Now().UTC()
	return []core.Turn{
		{Index: index, Speaker: core.SpeakerUser, Utterance: user, Timestamp: now},
		{Index: index + 1, Speaker: core.SpeakerAgent, Utterance: agent, Timestamp: now, GuidelineIDs: guidelineIDs},
	}
}

// RunSessionStoreSuite exercises the core.SessionStore contract against the
// store returned by newStore.
func RunSessionStoreSuite(t *testing.T, newStore func(t *testing.T) core.SessionStore) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create("s1", "a1")
		require.NoError(t, err)
		assert.Equal(t, core.SessionOpen, created.Status)

		got, err := s.Get("s1")
		require.NoError(t, err)
		assert.Equal(t, core.AgentID("a1"), got.AgentID)
		assert.Empty(t, got.Turns)

		_, err = s.Create("s1", "a1")
		assert.Error(t, err)
	})

	t.Run("metadata survives storage", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create("s1", "a1", core.WithCustomer("cust-42"), core.WithTitle("Red convertible"))
		require.NoError(t, err)
		assert.Equal(t, "cust-42", created.CustomerID)

		require.NoError(t, s.AppendTurns("s1", TurnPair(0, "hi", "hello")...))
		require.NoError(t, s.Close("s1"))

		got, err := s.Get("s1")
		require.NoError(t, err)
		assert.Equal(t, "cust-42", got.CustomerID)
		assert.Equal(t, "Red convertible", got.Title)

		listed, err := s.List("a1")
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "Red convertible", listed[0].Title)
	})

	t.Run("turns from offset", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create("s1", "a1")
		require.NoError(t, err)
		require.NoError(t, s.AppendTurns("s1", TurnPair(0, "hi", "hello")...))
		require.NoError(t, s.AppendTurns("s1", TurnPair(2, "price?", "10k")...))

		got, err := s.Get("s1")
		require.NoError(t, err)
		tail := got.TurnsFrom(2)
		require.Len(t, tail, 2)
		assert.Equal(t, 2, tail[0].Index)
		assert.Equal(t, "price?", tail[0].Utterance)
		assert.Len(t, got.TurnsFrom(0), 4)
		assert.Empty(t, got.TurnsFrom(4))
	})

	t.Run("unknown ids", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get("missing")
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.ErrorIs(t, s.AppendTurns("missing", TurnPair(0, "hi", "hello")...), core.ErrNotFound)
		assert.ErrorIs(t, s.Close("missing"), core.ErrNotFound)
		assert.ErrorIs(t, s.Delete("missing"), core.ErrNotFound)
	})

	t.Run("append is ordered and atomic", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create("s1", "a1")
		require.NoError(t, err)

		require.NoError(t, s.AppendTurns("s1", TurnPair(0, "hi", "hello", "g1")...))
		require.NoError(t, s.AppendTurns("s1", TurnPair(2, "price?", "10k")...))

		// A gap in indices rejects the whole batch.
		err = s.AppendTurns("s1", TurnPair(5, "again", "sure")...)
		assert.ErrorIs(t, err, core.ErrInvalidArgument)
		// So does a bad second turn.
		bad := TurnPair(4, "ok", "")
		assert.ErrorIs(t, s.AppendTurns("s1", bad...), core.ErrInvalidArgument)

		got, err := s.Get("s1")
		require.NoError(t, err)
		require.Len(t, got.Turns, 4)
		for i, turn := range got.Turns {
			assert.Equal(t, i, turn.Index)
		}
		assert.Equal(t, []core.GuidelineID{"g1"}, got.Turns[1].GuidelineIDs)
	})

	t.Run("returned sessions are copies", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create("s1", "a1")
		require.NoError(t, err)
		require.NoError(t, s.AppendTurns("s1", TurnPair(0, "hi", "hello")...))

		got, err := s.Get("s1")
		require.NoError(t, err)
		got.Turns[0].Utterance = "mutated"

		again, err := s.Get("s1")
		require.NoError(t, err)
		assert.Equal(t, "hi", again.Turns[0].Utterance)
	})

	t.Run("closed sessions reject turns", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create("s1", "a1")
		require.NoError(t, err)
		require.NoError(t, s.Close("s1"))
		require.NoError(t, s.Close("s1"))

		assert.ErrorIs(t, s.AppendTurns("s1", TurnPair(0, "hi", "hello")...), core.ErrSessionClosed)
		got, err := s.Get("s1")
		require.NoError(t, err)
		assert.Equal(t, core.SessionClosed, got.Status)
	})

	t.Run("list filters by agent", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			_, err := s.Create(core.SessionID(fmt.Sprintf("a-%d", i)), "a")
			require.NoError(t, err)
		}
		_, err := s.Create("b-0", "b")
		require.NoError(t, err)

		as, err := s.List("a")
		require.NoError(t, err)
		assert.Len(t, as, 3)

		all, err := s.List("")
		require.NoError(t, err)
		assert.Len(t, all, 4)

		require.NoError(t, s.Delete("b-0"))
		bs, err := s.List("b")
		require.NoError(t, err)
		assert.Empty(t, bs)
	})

	t.Run("concurrent sessions", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := core.SessionID(fmt.Sprintf("s-%d", i))
				if _, err := s.Create(id, "a"); err != nil {
					t.Error(err)
					return
				}
				for j := 0; j < 5; j++ {
					if err := s.AppendTurns(id, TurnPair(j*2, "u", "a")...); err != nil {
						t.Error(err)
						return
					}
				}
			}(i)
		}
		wg.Wait()

		all, err := s.List("a")
		require.NoError(t, err)
		require.Len(t, all, 8)
		for _, sess := range all {
			assert.Len(t, sess.Turns, 10)
		}
	})
}
