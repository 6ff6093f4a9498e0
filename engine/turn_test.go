package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guidemesh/agent"
	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/internal/testutil"
)

const (
	greetCondition = "when the user greets you"
	greetAction    = "respond warmly and invite questions about cars"
)

func TestSubmitTurn_NoGuidelines(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, res.SessionID)
	assert.Empty(t, res.ActiveGuidelineIDs)
	assert.Empty(t, res.Directives)
	assert.Equal(t, "Mock response to: hello", res.AgentUtterance)
	assert.Equal(t, 0, res.TurnIndex)

	reqs := f.model.Requests()
	require.Len(t, reqs, 1, "generation is called exactly once")
	assert.NotContains(t, reqs[0].Instructions, "Follow these guidelines")
	assert.True(t, strings.HasPrefix(reqs[0].Instructions, "You are Car Guy."))
}

func TestSubmitTurn_SingleApplicableGuideline(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	id, err := f.engine.CreateGuideline(a.ID(), greetCondition, greetAction)
	require.NoError(t, err)
	f.eval.Applies(greetCondition, 0.9)

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hi there"})
	require.NoError(t, err)

	require.Len(t, res.Directives, 1)
	assert.Equal(t, []core.GuidelineID{id}, res.ActiveGuidelineIDs)
	assert.InDelta(t, 0.9, res.Directives[0].Confidence, 1e-9)
	assert.Equal(t, 1, res.Directives[0].Rank)

	reqs := f.model.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Instructions, greetAction)

	sess, err := f.engine.Session(res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, core.SpeakerUser, sess.Turns[0].Speaker)
	assert.Equal(t, "hi there", sess.Turns[0].Utterance)
	assert.Equal(t, core.SpeakerAgent, sess.Turns[1].Speaker)
	assert.Equal(t, []core.GuidelineID{id}, sess.Turns[1].GuidelineIDs, "agent turn is tagged with its directives")
}

func TestSubmitTurn_PriorityBeatsConfidence(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	low, err := f.engine.CreateGuideline(a.ID(), "the user asks about prices", "offer a test drive", agent.WithPriority(1))
	require.NoError(t, err)
	high, err := f.engine.CreateGuideline(a.ID(), "the user mentions a budget", "mention the spring sale", agent.WithPriority(5))
	require.NoError(t, err)

	f.eval.Applies("the user asks about prices", 0.99)
	f.eval.Applies("the user mentions a budget", 0.2)

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "what does it cost? I have 10k"})
	require.NoError(t, err)
	assert.Equal(t, []core.GuidelineID{high, low}, res.ActiveGuidelineIDs)

	instr := f.model.Requests()[0].Instructions
	assert.Less(t, strings.Index(instr, "mention the spring sale"), strings.Index(instr, "offer a test drive"))
}

func TestSubmitTurn_EvaluationFailureDegrades(t *testing.T) {
	var failed []core.GuidelineID
	var mu sync.Mutex
	f := newFixture(t)
	f.engine.RegisterCallback(NewFunctionCallback(CallbackEvaluationFailed, func(_ context.Context, c *CallbackContext) error {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, c.Failure.GuidelineID)
		return nil
	}))

	a := f.agent(t, "Car Guy")
	x, err := f.engine.CreateGuideline(a.ID(), "the user is angry", "apologize")
	require.NoError(t, err)
	y, err := f.engine.CreateGuideline(a.ID(), greetCondition, greetAction)
	require.NoError(t, err)

	f.eval.On("the user is angry", testutil.Script{Err: core.ErrEvaluationUnavailable})
	f.eval.Applies(greetCondition, 0.8)

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []core.GuidelineID{y}, res.ActiveGuidelineIDs)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, x, res.Failures[0].GuidelineID)
	require.ErrorIs(t, res.Failures[0].Err, core.ErrEvaluationUnavailable)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []core.GuidelineID{x}, failed)
}

func TestSubmitTurn_ContradictionDropsLowerRank(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	keep, err := f.engine.CreateGuideline(a.ID(), "c1", "mention the discount", agent.WithPriority(2))
	require.NoError(t, err)
	drop, err := f.engine.CreateGuideline(a.ID(), "c2", "never mention the discount")
	require.NoError(t, err)
	f.eval.Applies("c1", 1).Applies("c2", 1)

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "deal?"})
	require.NoError(t, err)
	assert.Equal(t, []core.GuidelineID{keep}, res.ActiveGuidelineIDs)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, drop, res.Dropped[0].Directive.Guideline.ID)
	assert.Equal(t, keep, res.Dropped[0].ConflictsWith)
}

func TestSubmitTurn_RetryAfterGenerationFailure(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	f.model.FailNext(errors.New("backend down"))

	_, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hello"})
	require.ErrorIs(t, err, core.ErrGenerationUnavailable)

	var te *TurnError
	require.ErrorAs(t, err, &te)
	require.NotEmpty(t, te.SessionID)

	sess, err := f.engine.Session(te.SessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.Turns, "failed turn records nothing")

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), SessionID: te.SessionID, Utterance: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.TurnIndex)

	sess, err = f.engine.Session(te.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, core.SpeakerUser, sess.Turns[0].Speaker)
	assert.Equal(t, core.SpeakerAgent, sess.Turns[1].Speaker)
}

func TestSubmitTurn_SerializesSession(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	_, err := f.engine.CreateGuideline(a.ID(), greetCondition, greetAction)
	require.NoError(t, err)
	f.eval.On(greetCondition, testutil.Script{
		Verdict: core.Verdict{Applies: true, Confidence: 1},
		Delay:   time.Millisecond,
	})

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), SessionID: "shared", Utterance: "hi"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sess, err := f.engine.Session("shared")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2*n)
	for i, turn := range sess.Turns {
		assert.Equal(t, i, turn.Index)
		if i%2 == 0 {
			assert.Equal(t, core.SpeakerUser, turn.Speaker)
		} else {
			assert.Equal(t, core.SpeakerAgent, turn.Speaker)
		}
	}
}

func TestSubmitTurn_HistoryIsPassedOn(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	f.model.AddResponse("hello", "Vroom Vroom")

	first, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Vroom Vroom", first.AgentUtterance)

	second, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), SessionID: first.SessionID, Utterance: "any SUVs?"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.TurnIndex)

	reqs := f.model.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 3)
	assert.Equal(t, "Vroom Vroom", reqs[1].Messages[1].Text)
}

func TestSubmitTurn_Streaming(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	f.model.AddResponse("hello", "Vroom Vroom")

	var sb strings.Builder
	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{
		AgentID:   a.ID(),
		Utterance: "hello",
		OnPartial: func(chunk string) { sb.WriteString(chunk) },
	})
	require.NoError(t, err)
	assert.Equal(t, "Vroom Vroom", res.AgentUtterance)
	assert.Equal(t, "Vroom Vroom", sb.String())
}

func TestSubmitTurn_SessionRules(t *testing.T) {
	f := newFixture(t)
	carGuy := f.agent(t, "Car Guy")
	truckGuy := f.agent(t, "Truck Guy")

	_, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: carGuy.ID(), Utterance: "   "})
	require.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: "nobody", Utterance: "hi"})
	require.ErrorIs(t, err, core.ErrNotFound)

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: carGuy.ID(), SessionID: "chosen-id", Utterance: "hi"})
	require.NoError(t, err)
	assert.Equal(t, core.SessionID("chosen-id"), res.SessionID, "unknown ids create a session with that id")

	_, err = f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: truckGuy.ID(), SessionID: "chosen-id", Utterance: "hi"})
	require.ErrorIs(t, err, core.ErrNotFound, "sessions of other agents are invisible")

	sessions, err := f.engine.Sessions(carGuy.ID())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, core.SessionID("chosen-id"), sessions[0].ID)

	sessions, err = f.engine.Sessions(truckGuy.ID())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCloseSession(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hello"})
	require.NoError(t, err)

	require.NoError(t, f.engine.CloseSession(res.SessionID))
	require.NoError(t, f.engine.CloseSession(res.SessionID), "closing twice is a no-op")
	require.ErrorIs(t, f.engine.CloseSession("missing"), core.ErrNotFound)

	_, err = f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), SessionID: res.SessionID, Utterance: "hello?"})
	require.ErrorIs(t, err, core.ErrSessionClosed)

	sess, err := f.engine.Session(res.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 2)
}

func TestCloseSession_CancelsInFlightTurn(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	_, err := f.engine.CreateGuideline(a.ID(), greetCondition, greetAction)
	require.NoError(t, err)

	started := make(chan string, 1)
	f.eval.Started = started
	f.eval.On(greetCondition, testutil.Script{Gate: make(chan struct{})})

	turn := make(chan error, 1)
	go func() {
		_, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), SessionID: "s1", Utterance: "hi"})
		turn <- err
	}()
	<-started

	require.NoError(t, f.engine.CloseSession("s1"))
	require.ErrorIs(t, <-turn, core.ErrSessionClosed)

	sess, err := f.engine.Session("s1")
	require.NoError(t, err)
	assert.Empty(t, sess.Turns)
	assert.Equal(t, StateRunning, f.engine.State(), "other sessions are unaffected")
}

func TestSubmitTurn_CallerCancellation(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	_, err := f.engine.CreateGuideline(a.ID(), greetCondition, greetAction)
	require.NoError(t, err)
	f.eval.On(greetCondition, testutil.Script{Delay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.engine.SubmitTurn(ctx, TurnRequest{AgentID: a.ID(), SessionID: "s1", Utterance: "hi"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	sess, err := f.engine.Session("s1")
	require.NoError(t, err)
	assert.Empty(t, sess.Turns)
}

func TestSubmitTurn_AgentIsolation(t *testing.T) {
	f := newFixture(t)
	carGuy := f.agent(t, "Car Guy")
	truckGuy := f.agent(t, "Truck Guy")

	gA, err := f.engine.CreateGuideline(carGuy.ID(), "car condition", "talk about cars")
	require.NoError(t, err)
	gB, err := f.engine.CreateGuideline(truckGuy.ID(), "truck condition", "talk about trucks")
	require.NoError(t, err)

	gate := make(chan struct{})
	started := make(chan string, 4)
	f.eval.Started = started
	f.eval.On("truck condition", testutil.Script{
		Verdict: core.Verdict{Applies: true, Confidence: 1},
		Gate:    gate,
	})
	f.eval.Applies("car condition", 1)

	turn := make(chan *TurnResult, 1)
	go func() {
		res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: truckGuy.ID(), Utterance: "hi"})
		assert.NoError(t, err)
		turn <- res
	}()
	require.Equal(t, "truck condition", <-started)

	// Mutations on Car Guy while Truck Guy's turn is in flight.
	require.NoError(t, f.engine.RemoveGuideline(carGuy.ID(), gA))
	_, err = f.engine.CreateGuideline(carGuy.ID(), "car condition", "talk about sports cars")
	require.NoError(t, err)
	// Truck Guy's own edit is not seen by the running turn either.
	_, err = f.engine.CreateGuideline(truckGuy.ID(), "car condition", "late addition")
	require.NoError(t, err)

	close(gate)
	res := <-turn
	require.NotNil(t, res)
	assert.Equal(t, []core.GuidelineID{gB}, res.ActiveGuidelineIDs)

	carRes, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: carGuy.ID(), Utterance: "hi"})
	require.NoError(t, err)
	require.Len(t, carRes.Directives, 1)
	assert.Equal(t, "talk about sports cars", carRes.Directives[0].Action)
}

func TestSubmitTurn_IndependentSessionsRunConcurrently(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	_, err := f.engine.CreateGuideline(a.ID(), greetCondition, greetAction)
	require.NoError(t, err)

	gate := make(chan struct{})
	started := make(chan string, 2)
	f.eval.Started = started
	f.eval.On(greetCondition, testutil.Script{Verdict: core.Verdict{Applies: true, Confidence: 1}, Gate: gate})

	var wg sync.WaitGroup
	for _, id := range []core.SessionID{"s1", "s2"} {
		wg.Add(1)
		go func(id core.SessionID) {
			defer wg.Done()
			_, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), SessionID: id, Utterance: "hi"})
			assert.NoError(t, err)
		}(id)
	}

	// Both evaluations start before either is released.
	<-started
	<-started
	close(gate)
	wg.Wait()
}

func TestReapIdle(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.IdleTimeout = time.Hour
	})
	a := f.agent(t, "Car Guy")

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hello"})
	require.NoError(t, err)

	assert.Equal(t, 0, f.engine.reapIdle(time.Now()), "fresh sessions are kept")
	assert.Equal(t, 1, f.engine.reapIdle(time.Now().Add(2*time.Hour)))

	sess, err := f.engine.Session(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionClosed, sess.Status)
}

func TestIdleReaperRuns(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.IdleTimeout = 30 * time.Millisecond
		o.Config.ReapInterval = 5 * time.Millisecond
	})
	a := f.agent(t, "Car Guy")

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, err := f.engine.Session(res.SessionID)
		return err == nil && sess.Status == core.SessionClosed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitTurn_SessionMetadata(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{
		AgentID:    a.ID(),
		Utterance:  "hello",
		CustomerID: "cust-7",
		Title:      "Looking for a roadster",
	})
	require.NoError(t, err)

	// Metadata of later turns does not rewrite the session.
	_, err = f.engine.SubmitTurn(context.Background(), TurnRequest{
		AgentID:    a.ID(),
		SessionID:  res.SessionID,
		Utterance:  "anything red?",
		CustomerID: "someone-else",
	})
	require.NoError(t, err)

	sess, err := f.engine.Session(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "cust-7", sess.CustomerID)
	assert.Equal(t, "Looking for a roadster", sess.Title)
}

func TestTurns_FromOffset(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hello"})
	require.NoError(t, err)
	_, err = f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), SessionID: res.SessionID, Utterance: "price?"})
	require.NoError(t, err)

	all, err := f.engine.Turns(res.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)

	tail, err := f.engine.Turns(res.SessionID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 2, tail[0].Index)
	assert.Equal(t, "price?", tail[0].Utterance)
	assert.Equal(t, core.SpeakerAgent, tail[1].Speaker)

	none, err := f.engine.Turns(res.SessionID, 4)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.engine.Turns("no-such-session", 0)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.engine.Turns(res.SessionID, -1)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestSubmitTurn_UserTurnTimestampedOnArrival(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "Car Guy")
	_, err := f.engine.CreateGuideline(a.ID(), greetCondition, greetAction)
	require.NoError(t, err)
	f.eval.On(greetCondition, testutil.Script{
		Verdict: core.Verdict{Applies: true, Confidence: 1},
		Delay:   30 * time.Millisecond,
	})

	res, err := f.engine.SubmitTurn(context.Background(), TurnRequest{AgentID: a.ID(), Utterance: "hello"})
	require.NoError(t, err)

	turns, err := f.engine.Turns(res.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.GreaterOrEqual(t, turns[1].Timestamp.Sub(turns[0].Timestamp), 30*time.Millisecond)
}
