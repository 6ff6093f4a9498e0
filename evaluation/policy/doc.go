// Package policy evaluates guideline conditions and directive contradictions
// with Open Policy Agent Rego policies.
//
// Policies are plain .rego modules in package "guidelines":
//
//   - data.guidelines.verdict: object {applies, confidence, rationale} for
//     input {condition, utterance, history, agent}
//   - data.guidelines.conflict: boolean for input {higher, lower} where each
//     side describes an active directive
//
// An undefined verdict means "does not apply"; an undefined conflict means
// "no contradiction".
package policy
