// Package evaluation provides concrete condition evaluators and contradiction
// checkers for the guideline matcher.
//
// Evaluators implement core.Evaluator:
//
//   - RuleEvaluator: deterministic keyword / regular expression rules keyed by
//     condition text. No external backend; the default for tests and demos.
//   - ModelEvaluator: asks a model.Model for a JSON verdict.
//
// Contradiction checkers implement core.ContradictionChecker:
//
//   - PolarityChecker: flags directive pairs whose actions overlap in content
//     but differ in polarity ("offer a discount" vs "never offer discounts").
//   - NoConflicts: never reports a contradiction.
//
// Rego-backed variants of both live in the policy sub-package.
package evaluation
