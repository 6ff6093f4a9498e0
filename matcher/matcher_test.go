package matcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/evaluation"
	"github.com/hupe1980/guidemesh/internal/testutil"
)

const agentID core.AgentID = "car-guy"

func cc(utterance string) core.ConversationContext {
	return core.ConversationContext{AgentID: agentID, AgentName: "Car Guy", Utterance: utterance}
}

func guideline(seq uint64) *testutil.GuidelineBuilder {
	return testutil.NewGuidelineBuilder(agentID, seq)
}

func TestMatch_NoGuidelines(t *testing.T) {
	ev := testutil.NewScriptedEvaluator()
	res, err := New(ev).Match(context.Background(), cc("hello"), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Directives)
	assert.Empty(t, res.Failures)
	assert.Zero(t, ev.Calls())
}

func TestMatch_SingleApplicable(t *testing.T) {
	g := guideline(1).
		Condition("when the user greets you").
		Action("respond warmly and invite questions about cars").
		Build()
	ev := testutil.NewScriptedEvaluator().Applies("when the user greets you", 0.9)

	res, err := New(ev).Match(context.Background(), cc("hi there"), []core.Guideline{g})
	require.NoError(t, err)
	require.Len(t, res.Directives, 1)

	d := res.Directives[0]
	assert.Equal(t, g.ID, d.Guideline.ID)
	assert.Equal(t, "respond warmly and invite questions about cars", d.Action)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
	assert.Equal(t, 1, d.Rank)
	assert.Equal(t, []core.GuidelineID{g.ID}, res.GuidelineIDs())
}

func TestMatch_NonApplicableNeverAppears(t *testing.T) {
	applies := guideline(1).Condition("yes").Build()
	notApplies := guideline(2).Condition("no").Build()
	ev := testutil.NewScriptedEvaluator().
		Applies("yes", 0.5).
		On("no", testutil.Script{Verdict: core.Verdict{Applies: false, Confidence: 0.99}})

	res, err := New(ev).Match(context.Background(), cc("x"), []core.Guideline{applies, notApplies})
	require.NoError(t, err)
	assert.Equal(t, []core.GuidelineID{applies.ID}, res.GuidelineIDs())
	assert.Equal(t, 2, res.Evaluated)
}

func TestMatch_PriorityBeatsConfidence(t *testing.T) {
	low := guideline(1).Condition("low").Priority(1).Build()
	high := guideline(2).Condition("high").Priority(5).Build()
	ev := testutil.NewScriptedEvaluator().
		Applies("low", 0.99).
		Applies("high", 0.1)

	res, err := New(ev).Match(context.Background(), cc("x"), []core.Guideline{low, high})
	require.NoError(t, err)
	require.Len(t, res.Directives, 2)
	assert.Equal(t, high.ID, res.Directives[0].Guideline.ID)
	assert.Equal(t, 1, res.Directives[0].Rank)
	assert.Equal(t, low.ID, res.Directives[1].Guideline.ID)
	assert.Equal(t, 2, res.Directives[1].Rank)
}

func TestMatch_TieBreaks(t *testing.T) {
	g1 := guideline(1).Condition("a").Build()
	g2 := guideline(2).Condition("b").Build()
	g3 := guideline(3).Condition("c").Build()
	ev := testutil.NewScriptedEvaluator().
		Applies("a", 0.5).
		Applies("b", 0.8).
		Applies("c", 0.5)

	m := New(ev)
	want := []core.GuidelineID{g2.ID, g1.ID, g3.ID}
	for i := 0; i < 20; i++ {
		// Input order must not matter.
		res, err := m.Match(context.Background(), cc("x"), []core.Guideline{g3, g1, g2})
		require.NoError(t, err)
		assert.Equal(t, want, res.GuidelineIDs())
	}
}

func TestMatch_ConfidenceClamped(t *testing.T) {
	g1 := guideline(1).Condition("over").Build()
	g2 := guideline(2).Condition("under").Build()
	ev := testutil.NewScriptedEvaluator().
		Applies("over", 7).
		Applies("under", -2)

	res, err := New(ev).Match(context.Background(), cc("x"), []core.Guideline{g1, g2})
	require.NoError(t, err)
	require.Len(t, res.Directives, 2)
	assert.Equal(t, 1.0, res.Directives[0].Confidence)
	assert.Equal(t, 0.0, res.Directives[1].Confidence)
}

func TestMatch_EvaluationFailureExcludesGuideline(t *testing.T) {
	x := guideline(1).Condition("x").Build()
	y := guideline(2).Condition("y").Build()
	ev := testutil.NewScriptedEvaluator().
		On("x", testutil.Script{Err: core.ErrEvaluationUnavailable}).
		Applies("y", 0.7)

	res, err := New(ev).Match(context.Background(), cc("x"), []core.Guideline{x, y})
	require.NoError(t, err)
	assert.Equal(t, []core.GuidelineID{y.ID}, res.GuidelineIDs())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, x.ID, res.Failures[0].GuidelineID)
	assert.ErrorIs(t, res.Failures[0].Err, core.ErrEvaluationUnavailable)
}

func TestMatch_ForeignErrorsAreWrapped(t *testing.T) {
	boom := errors.New("boom")
	g := guideline(1).Condition("x").Build()
	ev := testutil.NewScriptedEvaluator().On("x", testutil.Script{Err: boom})

	res, err := New(ev).Match(context.Background(), cc("x"), []core.Guideline{g})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, core.ErrEvaluationUnavailable)
	assert.ErrorIs(t, res.Failures[0].Err, boom)
}

func TestMatch_PanicIsRecovered(t *testing.T) {
	g := guideline(1).Condition("x").Build()
	ev := testutil.NewScriptedEvaluator().On("x", testutil.Script{Panic: "kaboom"})

	res, err := New(ev).Match(context.Background(), cc("x"), []core.Guideline{g})
	require.NoError(t, err)
	assert.Empty(t, res.Directives)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, core.ErrEvaluationUnavailable)
}

func TestMatch_EvaluationTimeout(t *testing.T) {
	slow := guideline(1).Condition("slow").Build()
	fast := guideline(2).Condition("fast").Build()
	ev := testutil.NewScriptedEvaluator().
		On("slow", testutil.Script{Delay: time.Minute, Verdict: core.Verdict{Applies: true}}).
		Applies("fast", 1)

	m := New(ev, func(o *Options) { o.EvaluationTimeout = 20 * time.Millisecond })
	res, err := m.Match(context.Background(), cc("x"), []core.Guideline{slow, fast})
	require.NoError(t, err)
	assert.Equal(t, []core.GuidelineID{fast.ID}, res.GuidelineIDs())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, slow.ID, res.Failures[0].GuidelineID)
	assert.ErrorIs(t, res.Failures[0].Err, context.DeadlineExceeded)
}

func TestMatch_SkipsDisabledAndForeign(t *testing.T) {
	disabled := guideline(1).Condition("a").Disabled().Build()
	foreign := testutil.NewGuidelineBuilder("other-agent", 2).Condition("a").Build()
	ev := testutil.NewScriptedEvaluator().Applies("a", 1)

	res, err := New(ev).Match(context.Background(), cc("x"), []core.Guideline{disabled, foreign})
	require.NoError(t, err)
	assert.Empty(t, res.Directives)
	assert.Zero(t, ev.Calls())
}

func TestMatch_Contradictions(t *testing.T) {
	discount := guideline(1).Condition("asks price").Action("offer a discount").Build()
	noDiscount := guideline(2).Condition("asks price twice").Action("never offer discounts").Priority(3).Build()
	warm := guideline(3).Condition("greets").Action("respond warmly").Build()
	ev := testutil.NewScriptedEvaluator().
		Applies("asks price", 0.9).
		Applies("asks price twice", 0.4).
		Applies("greets", 0.8)

	m := New(ev, func(o *Options) { o.Checker = evaluation.NewPolarityChecker() })
	res, err := m.Match(context.Background(), cc("x"), []core.Guideline{discount, noDiscount, warm})
	require.NoError(t, err)

	assert.Equal(t, []core.GuidelineID{noDiscount.ID, warm.ID}, res.GuidelineIDs())
	assert.Equal(t, 1, res.Directives[0].Rank)
	assert.Equal(t, 2, res.Directives[1].Rank)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, discount.ID, res.Dropped[0].Directive.Guideline.ID)
	assert.Equal(t, noDiscount.ID, res.Dropped[0].ConflictsWith)
}

func TestMatch_CheckerErrorKeepsDirective(t *testing.T) {
	g1 := guideline(1).Condition("a").Build()
	g2 := guideline(2).Condition("b").Build()
	ev := testutil.NewScriptedEvaluator().Applies("a", 1).Applies("b", 1)
	checker := core.ContradictionCheckerFunc(func(context.Context, core.ActiveDirective, core.ActiveDirective) (bool, error) {
		return false, errors.New("policy offline")
	})

	res, err := New(ev, func(o *Options) { o.Checker = checker }).
		Match(context.Background(), cc("x"), []core.Guideline{g1, g2})
	require.NoError(t, err)
	assert.Len(t, res.Directives, 2)
	assert.Empty(t, res.Dropped)
}

func TestMatch_Cancellation(t *testing.T) {
	g := guideline(1).Condition("blocked").Build()
	gate := make(chan struct{})
	defer close(gate)
	ev := testutil.NewScriptedEvaluator().On("blocked", testutil.Script{Gate: gate})
	ev.Started = make(chan string, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := New(ev).Match(ctx, cc("x"), []core.Guideline{g})
		errCh <- err
	}()

	<-ev.Started
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Match did not return after cancellation")
	}
}

type countingEvaluator struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingEvaluator) Evaluate(context.Context, core.ConversationContext, string) (core.Verdict, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return core.Verdict{Applies: true, Confidence: 1}, nil
}

func TestMatch_MaxConcurrency(t *testing.T) {
	var gs []core.Guideline
	for i := uint64(1); i <= 12; i++ {
		gs = append(gs, guideline(i).Build())
	}
	ev := &countingEvaluator{}

	res, err := New(ev, func(o *Options) { o.MaxConcurrency = 3 }).Match(context.Background(), cc("x"), gs)
	require.NoError(t, err)
	assert.Len(t, res.Directives, 12)
	assert.LessOrEqual(t, ev.peak.Load(), int32(3))
}
