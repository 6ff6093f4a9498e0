package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/guidemesh/core"
)

// Script describes how a ScriptedEvaluator answers one condition.
type Script struct {
	Verdict core.Verdict
	Err     error
	// Delay blocks the evaluation (honoring ctx) before answering.
	Delay time.Duration
	// Panic makes the evaluation panic with this value when non-nil.
	Panic any
	// Gate, when non-nil, blocks the evaluation until closed or ctx ends.
	Gate <-chan struct{}
}

// ScriptedEvaluator is a core.Evaluator answering from per-condition scripts.
// Unscripted conditions do not apply.
type ScriptedEvaluator struct {
	mu      sync.RWMutex
	scripts map[string]Script
	calls   atomic.Int64
	// Started receives the condition of every evaluation as it begins, when non-nil.
	Started chan string
}

// NewScriptedEvaluator creates an empty ScriptedEvaluator.
func NewScriptedEvaluator() *ScriptedEvaluator {
	return &ScriptedEvaluator{scripts: make(map[string]Script)}
}

// On registers the script for condition (chainable).
func (e *ScriptedEvaluator) On(condition string, s Script) *ScriptedEvaluator {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[condition] = s
	return e
}

// Applies is shorthand for an applying verdict with the given confidence (chainable).
func (e *ScriptedEvaluator) Applies(condition string, confidence float64) *ScriptedEvaluator {
	return e.On(condition, Script{Verdict: core.Verdict{Applies: true, Confidence: confidence}})
}

// Calls returns the number of evaluations performed.
func (e *ScriptedEvaluator) Calls() int { return int(e.calls.Load()) }

// Evaluate implements core.Evaluator.
func (e *ScriptedEvaluator) Evaluate(ctx context.Context, _ core.ConversationContext, condition string) (core.Verdict, error) {
	e.calls.Add(1)
	if e.Started != nil {
		select {
		case e.Started <- condition:
		case <-ctx.Done():
			return core.Verdict{}, ctx.Err()
		}
	}

	e.mu.RLock()
	s, ok := e.scripts[condition]
	e.mu.RUnlock()
	if !ok {
		return core.Verdict{}, nil
	}

	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return core.Verdict{}, ctx.Err()
		}
	}
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return core.Verdict{}, ctx.Err()
		}
	}
	if s.Panic != nil {
		panic(s.Panic)
	}
	return s.Verdict, s.Err
}
