package badger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/internal/testutil"
)

var _ core.SessionStore = (*Store)(nil)

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(func(o *Options) { o.InMemory = true })
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.CloseDB() })
	return s
}

func TestStore(t *testing.T) {
	testutil.RunSessionStoreSuite(t, func(t *testing.T) core.SessionStore {
		return openInMemory(t)
	})
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open()
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(func(o *Options) { o.Dir = dir })
	require.NoError(t, err)
	_, err = s.Create("s1", "a1")
	require.NoError(t, err)
	require.NoError(t, s.AppendTurns("s1", testutil.TurnPair(0, "hi", "hello", "g1")...))
	require.NoError(t, s.CloseDB())

	reopened, err := Open(func(o *Options) { o.Dir = dir })
	require.NoError(t, err)
	defer func() { _ = reopened.CloseDB() }()

	got, err := reopened.Get("s1")
	require.NoError(t, err)
	require.Len(t, got.Turns, 2)
	assert.Equal(t, "hello", got.Turns[1].Utterance)
	assert.Equal(t, []core.GuidelineID{"g1"}, got.Turns[1].GuidelineIDs)
}
