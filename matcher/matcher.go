package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/logging"
)

// Options configure a Matcher.
type Options struct {
	// MaxConcurrency bounds concurrent evaluations per turn. Zero is unbounded.
	MaxConcurrency int
	// EvaluationTimeout bounds each single evaluation. Zero disables the bound.
	EvaluationTimeout time.Duration
	// Checker detects contradictory directives. Nil disables the check.
	Checker core.ContradictionChecker
	Logger  logging.Logger
}

// Failure records a guideline excluded because its evaluation failed.
type Failure struct {
	GuidelineID core.GuidelineID
	Err         error
}

// Drop records a directive removed because it contradicts a higher ranked one.
type Drop struct {
	Directive     core.ActiveDirective
	ConflictsWith core.GuidelineID
}

// Result is the outcome of matching one turn.
type Result struct {
	// Directives are the kept active directives, Rank 1 first.
	Directives []core.ActiveDirective
	Failures   []Failure
	Dropped    []Drop
	// Evaluated counts the guidelines whose condition was evaluated.
	Evaluated int
}

// GuidelineIDs returns the ids of the kept directives in rank order.
func (r *Result) GuidelineIDs() []core.GuidelineID {
	ids := make([]core.GuidelineID, len(r.Directives))
	for i, d := range r.Directives {
		ids[i] = d.Guideline.ID
	}
	return ids
}

// Matcher produces ordered active directives for a turn. It holds no
// per-turn state and is safe for concurrent use.
type Matcher struct {
	evaluator core.Evaluator
	opts      Options
}

// New creates a Matcher using evaluator for every condition.
func New(evaluator core.Evaluator, optFns ...func(o *Options)) *Matcher {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Matcher{evaluator: evaluator, opts: opts}
}

type outcome struct {
	verdict core.Verdict
	err     error
	dur     time.Duration
}

// Match evaluates guidelines against cc. Disabled guidelines and guidelines
// owned by another agent are skipped. If ctx is cancelled before all
// evaluations joined, Match returns ctx.Err().
func (m *Matcher) Match(ctx context.Context, cc core.ConversationContext, guidelines []core.Guideline) (*Result, error) {
	candidates := make([]core.Guideline, 0, len(guidelines))
	for _, g := range guidelines {
		if !g.Enabled {
			continue
		}
		if cc.AgentID != "" && g.AgentID != cc.AgentID {
			m.opts.Logger.Warn("Skipping guideline of foreign agent",
				"guideline_id", g.ID, "owner", g.AgentID, "agent_id", cc.AgentID)
			continue
		}
		candidates = append(candidates, g)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := &Result{Evaluated: len(candidates)}
	if len(candidates) == 0 {
		return result, nil
	}

	outcomes, err := m.evaluateAll(ctx, cc, candidates)
	if err != nil {
		return nil, err
	}

	directives := make([]core.ActiveDirective, 0, len(candidates))
	for i, g := range candidates {
		o := outcomes[i]
		m.logEvaluation(g.ID, o)
		if o.err != nil {
			result.Failures = append(result.Failures, Failure{GuidelineID: g.ID, Err: o.err})
			continue
		}
		if !o.verdict.Applies {
			continue
		}
		directives = append(directives, core.ActiveDirective{
			Guideline:  g,
			Confidence: clamp(o.verdict.Confidence),
			Action:     g.Action,
		})
	}

	rank(directives)
	result.Directives, result.Dropped = m.resolve(ctx, directives)
	return result, nil
}

func (m *Matcher) logEvaluation(id core.GuidelineID, o outcome) {
	if rl, ok := m.opts.Logger.(*logging.RuntimeLogger); ok {
		rl.LogEvaluation(string(id), o.verdict.Applies, o.verdict.Confidence, o.dur, o.err)
		return
	}
	if o.err != nil {
		m.opts.Logger.Warn("Condition evaluation failed",
			"guideline_id", id, "duration", o.dur, "error", o.err)
		return
	}
	m.opts.Logger.Debug("Condition evaluated",
		"guideline_id", id, "applies", o.verdict.Applies, "confidence", o.verdict.Confidence, "duration", o.dur)
}

// evaluateAll fans out one evaluation per guideline and joins them.
func (m *Matcher) evaluateAll(ctx context.Context, cc core.ConversationContext, guidelines []core.Guideline) ([]outcome, error) {
	outcomes := make([]outcome, len(guidelines))

	var sem chan struct{}
	if m.opts.MaxConcurrency > 0 {
		sem = make(chan struct{}, m.opts.MaxConcurrency)
	}

	var wg sync.WaitGroup
	for i, g := range guidelines {
		wg.Add(1)
		go func(i int, g core.Guideline) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					outcomes[i] = outcome{err: ctx.Err()}
					return
				}
			}
			outcomes[i] = m.evaluate(ctx, cc, g)
		}(i, g)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (m *Matcher) evaluate(ctx context.Context, cc core.ConversationContext, g core.Guideline) (o outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: fmt.Errorf("%w: evaluator panic: %v", core.ErrEvaluationUnavailable, r)}
		}
		o.dur = time.Since(start)
	}()

	evalCtx := ctx
	if m.opts.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, m.opts.EvaluationTimeout)
		defer cancel()
	}

	v, err := m.evaluator.Evaluate(evalCtx, cc, g.Condition)
	if err == nil {
		err = evalCtx.Err()
	}
	if err != nil {
		if !errors.Is(err, core.ErrEvaluationUnavailable) {
			err = fmt.Errorf("%w: %w", core.ErrEvaluationUnavailable, err)
		}
		return outcome{err: err}
	}
	return outcome{verdict: v}
}

// rank sorts directives by priority desc, confidence desc, insertion order
// asc and assigns 1-based ranks.
func rank(directives []core.ActiveDirective) {
	sort.SliceStable(directives, func(i, j int) bool {
		a, b := directives[i], directives[j]
		if a.Guideline.Priority != b.Guideline.Priority {
			return a.Guideline.Priority > b.Guideline.Priority
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Guideline.Sequence < b.Guideline.Sequence
	})
	for i := range directives {
		directives[i].Rank = i + 1
	}
}

// resolve drops every directive that contradicts a higher ranked kept one.
// Kept directives are re-ranked 1..n; drops keep their original rank.
func (m *Matcher) resolve(ctx context.Context, ranked []core.ActiveDirective) ([]core.ActiveDirective, []Drop) {
	if m.opts.Checker == nil || len(ranked) < 2 {
		return ranked, nil
	}

	kept := make([]core.ActiveDirective, 0, len(ranked))
	var dropped []Drop
	for _, d := range ranked {
		conflictWith, conflict := m.conflictsWithKept(ctx, kept, d)
		if conflict {
			m.opts.Logger.Info("Dropping contradictory directive",
				"guideline_id", d.Guideline.ID, "rank", d.Rank, "conflicts_with", conflictWith)
			dropped = append(dropped, Drop{Directive: d, ConflictsWith: conflictWith})
			continue
		}
		kept = append(kept, d)
	}
	for i := range kept {
		kept[i].Rank = i + 1
	}
	return kept, dropped
}

func (m *Matcher) conflictsWithKept(ctx context.Context, kept []core.ActiveDirective, d core.ActiveDirective) (core.GuidelineID, bool) {
	for _, k := range kept {
		conflict, err := m.opts.Checker.Conflicts(ctx, k, d)
		if err != nil {
			m.opts.Logger.Warn("Contradiction check failed",
				"higher", k.Guideline.ID, "lower", d.Guideline.ID, "error", err)
			continue
		}
		if conflict {
			return k.Guideline.ID, true
		}
	}
	return "", false
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
