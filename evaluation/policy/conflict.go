package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/logging"
)

// ConflictChecker is a core.ContradictionChecker backed by the
// data.guidelines.conflict rule.
type ConflictChecker struct {
	query  *rego.PreparedEvalQuery
	logger logging.Logger
}

// NewConflictChecker compiles modules into a contradiction checker.
func NewConflictChecker(ctx context.Context, modules []Module, optFns ...func(o *Options)) (*ConflictChecker, error) {
	opts := resolveOptions(optFns)
	q, err := prepareQuery(ctx, modules, ConflictQuery, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &ConflictChecker{query: q, logger: opts.Logger}, nil
}

// Conflicts implements core.ContradictionChecker.
func (c *ConflictChecker) Conflicts(ctx context.Context, higher, lower core.ActiveDirective) (bool, error) {
	conflict, err := c.conflicts(ctx, higher, lower)
	if err != nil {
		c.logger.Warn("Policy conflict check failed", "query", ConflictQuery,
			"higher", string(higher.Guideline.ID), "lower", string(lower.Guideline.ID), "error", err)
		return false, err
	}
	if conflict {
		c.logger.Debug("Policy reported conflict",
			"higher", string(higher.Guideline.ID), "lower", string(lower.Guideline.ID))
	}
	return conflict, nil
}

func (c *ConflictChecker) conflicts(ctx context.Context, higher, lower core.ActiveDirective) (bool, error) {
	input := map[string]any{
		"higher": directiveInput(higher),
		"lower":  directiveInput(lower),
	}
	rs, err := c.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate %s: %w", ConflictQuery, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	b, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("%s is %T, want boolean", ConflictQuery, rs[0].Expressions[0].Value)
	}
	return b, nil
}

func directiveInput(d core.ActiveDirective) map[string]any {
	tags := d.Guideline.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":         string(d.Guideline.ID),
		"condition":  d.Guideline.Condition,
		"action":     d.Action,
		"priority":   d.Guideline.Priority,
		"tags":       tags,
		"confidence": d.Confidence,
		"rank":       d.Rank,
	}
}
