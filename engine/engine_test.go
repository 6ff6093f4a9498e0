package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guidemesh/agent"
	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/internal/testutil"
	"github.com/hupe1980/guidemesh/model"
	"github.com/hupe1980/guidemesh/session"
)

type fixture struct {
	engine *Engine
	model  *model.MockModel
	store  *session.InMemoryStore
	eval   *testutil.ScriptedEvaluator
}

// newFixture starts an engine with a mock model, a scripted evaluator and an
// in-memory store. The engine is stopped on cleanup.
func newFixture(t *testing.T, optFns ...func(o *Options)) *fixture {
	t.Helper()

	f := &fixture{
		model: model.NewMockModel("mock", "test"),
		store: session.NewInMemoryStore(),
		eval:  testutil.NewScriptedEvaluator(),
	}
	f.engine = New(append([]func(o *Options){func(o *Options) {
		o.Model = f.model
		o.Evaluator = f.eval
		o.SessionStore = f.store
	}}, optFns...)...)

	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(func() {
		_ = f.engine.Stop(context.Background(), time.Second)
	})
	return f
}

func (f *fixture) agent(t *testing.T, name string) *agent.Agent {
	t.Helper()
	a, err := f.engine.CreateAgent(name, func(o *agent.Options) {
		o.Description = "You like to talk about cars."
	})
	require.NoError(t, err)
	return a
}

type pingModel struct {
	*model.MockModel
	err error
}

func (m pingModel) Ping(context.Context) error { return m.err }

func TestEngine_StartRequiresWiring(t *testing.T) {
	t.Run("missing model", func(t *testing.T) {
		e := New(func(o *Options) { o.Evaluator = testutil.NewScriptedEvaluator() })
		err := e.Start(context.Background())
		require.ErrorIs(t, err, core.ErrConfiguration)
		assert.Equal(t, StateStopped, e.State())
	})

	t.Run("missing evaluator", func(t *testing.T) {
		e := New(func(o *Options) { o.Model = model.NewMockModel("mock", "test") })
		err := e.Start(context.Background())
		require.ErrorIs(t, err, core.ErrConfiguration)
		assert.Equal(t, StateStopped, e.State())
	})
}

func TestEngine_StartPingsBackend(t *testing.T) {
	down := pingModel{MockModel: model.NewMockModel("mock", "test"), err: errors.New("connection refused")}
	e := New(func(o *Options) {
		o.Model = down
		o.Evaluator = testutil.NewScriptedEvaluator()
	})
	err := e.Start(context.Background())
	require.ErrorIs(t, err, core.ErrConfiguration)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, StateStopped, e.State())

	up := pingModel{MockModel: model.NewMockModel("mock", "test")}
	e = New(func(o *Options) {
		o.Model = up
		o.Evaluator = testutil.NewScriptedEvaluator()
	})
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop(context.Background(), time.Second))
}

func TestEngine_Lifecycle(t *testing.T) {
	e := New(func(o *Options) {
		o.Model = model.NewMockModel("mock", "test")
		o.Evaluator = testutil.NewScriptedEvaluator()
	})
	assert.Equal(t, StateStopped, e.State())

	_, err := e.CreateAgent("Car Guy")
	require.ErrorIs(t, err, core.ErrServerNotRunning)

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateRunning, e.State())
	require.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)

	a, err := e.CreateAgent("Car Guy")
	require.NoError(t, err)
	assert.Len(t, e.Agents(), 1)

	require.NoError(t, e.Stop(context.Background(), time.Second))
	assert.Equal(t, StateStopped, e.State())
	assert.Empty(t, e.Agents(), "agents are deregistered on stop")
	require.NoError(t, e.Stop(context.Background(), time.Second), "stopping twice is a no-op")

	_, err = e.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hello"})
	require.ErrorIs(t, err, core.ErrServerNotRunning)

	// A stopped engine can be started again.
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateRunning, e.State())
	require.NoError(t, e.Stop(context.Background(), time.Second))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "STOPPED", StateStopped.String())
	assert.Equal(t, "STARTING", StateStarting.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "STOPPING", StateStopping.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestEngine_RegisterAgentIdempotent(t *testing.T) {
	f := newFixture(t)

	a, err := agent.New("Car Guy", func(o *agent.Options) { o.ID = "car-guy" })
	require.NoError(t, err)
	require.NoError(t, f.engine.RegisterAgent(a))
	require.NoError(t, f.engine.RegisterAgent(a), "same id and name registers once")

	again, err := f.engine.CreateAgent("Car Guy", func(o *agent.Options) { o.ID = "car-guy" })
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Len(t, f.engine.Agents(), 1)

	other, err := agent.New("Truck Guy", func(o *agent.Options) { o.ID = "car-guy" })
	require.NoError(t, err)
	require.ErrorIs(t, f.engine.RegisterAgent(other), core.ErrAgentConflict)

	require.ErrorIs(t, f.engine.RegisterAgent(nil), core.ErrInvalidArgument)
}

func TestEngine_AgentLookup(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Agent("missing")
	require.ErrorIs(t, err, core.ErrNotFound)

	first := f.agent(t, "First")
	second := f.agent(t, "Second")
	got, err := f.engine.Agent(second.ID())
	require.NoError(t, err)
	assert.Equal(t, "Second", got.Name())

	agents := f.engine.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, first.ID(), agents[0].ID())
}

func TestEngine_Guidelines(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")

	id, err := f.engine.CreateGuideline(a.ID(), "the user greets you", "greet them back", agent.WithPriority(3))
	require.NoError(t, err)

	g, err := a.Guideline(id)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Priority)

	_, err = f.engine.CreateGuideline(a.ID(), " ", "greet them back")
	require.ErrorIs(t, err, core.ErrInvalidGuideline)

	_, err = f.engine.CreateGuideline("missing", "c", "a")
	require.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, f.engine.RemoveGuideline(a.ID(), id))
	require.ErrorIs(t, f.engine.RemoveGuideline(a.ID(), id), core.ErrNotFound)
	assert.Empty(t, a.Guidelines(false))
}

func TestEngine_RemoveAgent(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hello"})
	require.NoError(t, err)

	require.NoError(t, f.engine.RemoveAgent(a.ID()))
	require.ErrorIs(t, f.engine.RemoveAgent(a.ID()), core.ErrNotFound)

	sess, err := f.engine.Session(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionClosed, sess.Status)

	_, err = f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), SessionID: res.SessionID, Utterance: "hello"})
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngine_StopGraceCompletesInFlightTurn(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	_, err := f.engine.CreateGuideline(a.ID(), "the user greets you", "greet them back")
	require.NoError(t, err)

	gate := make(chan struct{})
	started := make(chan string, 1)
	f.eval.Started = started
	f.eval.On("the user greets you", testutil.Script{
		Verdict: core.Verdict{Applies: true, Confidence: 1},
		Gate:    gate,
	})

	type outcome struct {
		res *TurnResult
		err error
	}
	turn := make(chan outcome, 1)
	go func() {
		res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), SessionID: "s1", Utterance: "hi there"})
		turn <- outcome{res, err}
	}()
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- f.engine.Stop(context.Background(), 5*time.Second) }()
	require.Eventually(t, func() bool { return f.engine.State() == StateStopping }, time.Second, time.Millisecond)

	_, err = f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "anyone there?"})
	require.ErrorIs(t, err, core.ErrServerShuttingDown)

	close(gate)
	out := <-turn
	require.NoError(t, out.err)
	require.NoError(t, <-stopped)
	assert.Equal(t, StateStopped, f.engine.State())

	sess, err := f.store.Get("s1")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2, "the completed turn is recorded")
	assert.Equal(t, out.res.AgentUtterance, sess.Turns[1].Utterance)
}

func TestEngine_StopCancelsAfterGrace(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	_, err := f.engine.CreateGuideline(a.ID(), "the user greets you", "greet them back")
	require.NoError(t, err)

	started := make(chan string, 1)
	f.eval.Started = started
	f.eval.On("the user greets you", testutil.Script{
		Verdict: core.Verdict{Applies: true, Confidence: 1},
		Gate:    make(chan struct{}), // never released
	})

	turn := make(chan error, 1)
	go func() {
		_, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), SessionID: "s1", Utterance: "hi there"})
		turn <- err
	}()
	<-started

	require.NoError(t, f.engine.Stop(context.Background(), 20*time.Millisecond))

	err = <-turn
	require.ErrorIs(t, err, core.ErrServerShuttingDown)
	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, core.SessionID("s1"), te.SessionID)

	sess, err := f.store.Get("s1")
	require.NoError(t, err)
	assert.Empty(t, sess.Turns, "a cancelled turn leaves no partial history")
	assert.Empty(t, f.model.Requests(), "generation never ran")
}

func TestEngine_StopContextExpires(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	_, err := f.engine.CreateGuideline(a.ID(), "the user greets you", "greet them back")
	require.NoError(t, err)

	started := make(chan string, 1)
	f.eval.Started = started
	f.eval.On("the user greets you", testutil.Script{Gate: make(chan struct{})})

	turn := make(chan error, 1)
	go func() {
		_, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hi there"})
		turn <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = f.engine.Stop(ctx, time.Hour)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, f.engine.State())
	require.ErrorIs(t, <-turn, core.ErrServerShuttingDown)
}
