package cli

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guidemesh/config"
	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/evaluation"
	"github.com/hupe1980/guidemesh/logging"
)

func startRuntime(t *testing.T) *runtime {
	t.Helper()
	cfg, err := config.Load(filepath.Join("testdata", "car_dealer.yaml"))
	require.NoError(t, err)

	rt, err := build(context.Background(), cfg, newLogger(cfg.Logging, io.Discard))
	require.NoError(t, err)
	require.NoError(t, rt.start(context.Background()))
	t.Cleanup(func() { _ = rt.stop(context.Background()) })
	return rt
}

func lines(in ...string) func() (string, error) {
	return func() (string, error) {
		if len(in) == 0 {
			return "", io.EOF
		}
		l := in[0]
		in = in[1:]
		return l, nil
	}
}

func TestResolveAgent(t *testing.T) {
	rt := startRuntime(t)

	byDefault, err := rt.resolveAgent("")
	require.NoError(t, err)
	assert.Equal(t, core.AgentID("car-guy"), byDefault.ID())

	byName, err := rt.resolveAgent("Car Guy")
	require.NoError(t, err)
	assert.Equal(t, byDefault.ID(), byName.ID())

	_, err = rt.resolveAgent("nobody")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestChatLoop(t *testing.T) {
	rt := startRuntime(t)
	a, err := rt.resolveAgent("")
	require.NoError(t, err)

	var out strings.Builder
	err = chatLoop(context.Background(), rt.server.Engine(), a, "", false,
		lines("hello", "", "/session", "how fast is it?", "/exit", "never read"), &out)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Car Guy> Mock response to: hello\n")
	assert.Contains(t, text, "(guidelines: ")
	assert.Contains(t, text, "Car Guy> Mock response to: how fast is it?\n")
	assert.NotContains(t, text, "never read")

	sessions, err := rt.server.Engine().Sessions(a.ID())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Len(t, sessions[0].Turns, 4)
}

func TestChatLoop_NewSession(t *testing.T) {
	rt := startRuntime(t)
	a, err := rt.resolveAgent("")
	require.NoError(t, err)

	var out strings.Builder
	err = chatLoop(context.Background(), rt.server.Engine(), a, "", true,
		lines("hi", "/new", "hey", "/guidelines"), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Car Guy> Mock response to: hi\n")
	assert.Contains(t, out.String(), "Started a new session.")
	assert.Contains(t, out.String(), "[on] p=0 the user greets you -> greet them back with 'Vroom Vroom'")
	sessions, err := rt.server.Engine().Sessions(a.ID())
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestChatLoop_ReadError(t *testing.T) {
	rt := startRuntime(t)
	a, err := rt.resolveAgent("")
	require.NoError(t, err)

	boom := errors.New("tty gone")
	err = chatLoop(context.Background(), rt.server.Engine(), a, "", false,
		func() (string, error) { return "", boom }, io.Discard)
	assert.ErrorIs(t, err, boom)
}

func TestNewChecker(t *testing.T) {
	c, err := newChecker(context.Background(), config.Checker{Kind: config.CheckerNone}, logging.NoOpLogger{})
	require.NoError(t, err)
	conflict, err := c.Conflicts(context.Background(), core.ActiveDirective{}, core.ActiveDirective{})
	require.NoError(t, err)
	assert.False(t, conflict)

	c, err = newChecker(context.Background(), config.Checker{Kind: config.CheckerPolarity}, logging.NoOpLogger{})
	require.NoError(t, err)
	assert.IsType(t, &evaluation.PolarityChecker{}, c)

	_, err = newChecker(context.Background(), config.Checker{Kind: "vibes"}, logging.NoOpLogger{})
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = newChecker(context.Background(), config.Checker{Kind: config.CheckerPolicy, PolicyDir: t.TempDir()}, logging.NoOpLogger{})
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestNewStore_Badger(t *testing.T) {
	store, closer, err := newStore(config.Storage{Kind: config.StorageBadger, Dir: t.TempDir()}, logging.NoOpLogger{})
	require.NoError(t, err)
	require.NotNil(t, closer)
	assert.NotNil(t, store)
	assert.NoError(t, closer())
}

func TestNewModel_MissingKey(t *testing.T) {
	t.Setenv("GUIDEMESH_TEST_KEY", "")
	_, err := newModel(context.Background(), config.Model{Provider: config.ProviderOpenAI, Name: "gpt-4o-mini", APIKeyEnv: "GUIDEMESH_TEST_KEY"})
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestNewModel_Mock(t *testing.T) {
	m, err := newModel(context.Background(), config.Model{Provider: config.ProviderMock})
	require.NoError(t, err)
	assert.Equal(t, "mock", m.Info().Name)
}
