package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/logging"
)

// Evaluator is a core.Evaluator backed by the data.guidelines.verdict rule.
// Prepared queries are safe for concurrent evaluation.
type Evaluator struct {
	query  *rego.PreparedEvalQuery
	logger logging.Logger
}

// NewEvaluator compiles modules into a verdict evaluator.
func NewEvaluator(ctx context.Context, modules []Module, optFns ...func(o *Options)) (*Evaluator, error) {
	opts := resolveOptions(optFns)
	q, err := prepareQuery(ctx, modules, VerdictQuery, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Evaluator{query: q, logger: opts.Logger}, nil
}

// Evaluate implements core.Evaluator.
func (e *Evaluator) Evaluate(ctx context.Context, cc core.ConversationContext, condition string) (core.Verdict, error) {
	v, err := e.evaluate(ctx, cc, condition)
	if err != nil {
		e.logger.Warn("Policy evaluation failed", "query", VerdictQuery, "condition", condition, "error", err)
	}
	return v, err
}

func (e *Evaluator) evaluate(ctx context.Context, cc core.ConversationContext, condition string) (core.Verdict, error) {
	history := make([]map[string]any, 0, len(cc.History))
	for _, t := range cc.History {
		history = append(history, map[string]any{
			"index":     t.Index,
			"speaker":   string(t.Speaker),
			"utterance": t.Utterance,
		})
	}
	input := map[string]any{
		"condition": condition,
		"utterance": cc.Utterance,
		"history":   history,
		"agent": map[string]any{
			"id":          string(cc.AgentID),
			"name":        cc.AgentName,
			"description": cc.AgentDescription,
		},
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return core.Verdict{}, fmt.Errorf("%w: %v", core.ErrEvaluationUnavailable, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		e.logger.Debug("Policy verdict undefined", "condition", condition)
		return core.Verdict{Rationale: "verdict undefined"}, nil
	}

	obj, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return core.Verdict{}, fmt.Errorf("%w: verdict is %T, want object", core.ErrEvaluationUnavailable, rs[0].Expressions[0].Value)
	}

	v := core.Verdict{}
	v.Applies, _ = obj["applies"].(bool)
	v.Rationale, _ = obj["rationale"].(string)
	if c, ok := obj["confidence"]; ok {
		v.Confidence, err = toFloat(c)
		if err != nil {
			return core.Verdict{}, fmt.Errorf("%w: %v", core.ErrEvaluationUnavailable, err)
		}
	} else if v.Applies {
		v.Confidence = 1
	}
	return v, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("confidence is %T, want number", v)
	}
}
