// Package matcher decides which guidelines apply to a conversational turn.
//
// Match evaluates every enabled guideline of a snapshot concurrently (the
// only fan-out/fan-in point of turn processing), keeps the applicable ones,
// ranks them and resolves contradictions:
//
//   - ranking: priority descending, then confidence descending, then
//     insertion order ascending; repeated runs over identical input yield
//     identical order
//   - contradictions: walking the ranked list, a directive that conflicts
//     with an already kept directive is dropped; the lower rank always loses
//   - failures: an evaluator error, timeout or panic excludes only that
//     guideline and is recorded in Result.Failures
//
// No applicable guideline is the normal "no special instruction" case and
// yields an empty result, not an error.
package matcher
