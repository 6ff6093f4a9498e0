package evaluation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hupe1980/guidemesh/core"
)

// Rule decides applicability of one condition from the current utterance.
// A rule applies when any keyword (case-insensitive, whole words) or any
// regular expression matches.
type Rule struct {
	Condition  string   `yaml:"condition" json:"condition"`
	Keywords   []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Patterns   []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Confidence float64  `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	// IncludeHistory also matches against earlier user turns.
	IncludeHistory bool `yaml:"include_history,omitempty" json:"include_history,omitempty"`
}

type compiledRule struct {
	rule     Rule
	matchers []*regexp.Regexp
}

// RuleEvaluator is a deterministic, backend-free core.Evaluator.
// Conditions without a rule never apply. It is immutable after construction
// and therefore safe for concurrent use.
type RuleEvaluator struct {
	rules map[string]compiledRule
}

// NewRuleEvaluator compiles the given rules. Invalid patterns or rules without
// any keyword or pattern are reported as core.ErrConfiguration.
func NewRuleEvaluator(rules ...Rule) (*RuleEvaluator, error) {
	e := &RuleEvaluator{rules: make(map[string]compiledRule, len(rules))}
	for _, r := range rules {
		key := normalizeCondition(r.Condition)
		if key == "" {
			return nil, fmt.Errorf("%w: rule without condition", core.ErrConfiguration)
		}
		if len(r.Keywords) == 0 && len(r.Patterns) == 0 {
			return nil, fmt.Errorf("%w: rule %q has neither keywords nor patterns", core.ErrConfiguration, r.Condition)
		}
		if r.Confidence <= 0 || r.Confidence > 1 {
			r.Confidence = 1
		}

		cr := compiledRule{rule: r}
		for _, kw := range r.Keywords {
			if re := keywordPattern(kw); re != nil {
				cr.matchers = append(cr.matchers, re)
			}
		}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %q: %v", core.ErrConfiguration, r.Condition, err)
			}
			cr.matchers = append(cr.matchers, re)
		}
		e.rules[key] = cr
	}
	return e, nil
}

// Evaluate implements core.Evaluator.
func (e *RuleEvaluator) Evaluate(ctx context.Context, cc core.ConversationContext, condition string) (core.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return core.Verdict{}, err
	}

	cr, ok := e.rules[normalizeCondition(condition)]
	if !ok {
		return core.Verdict{Rationale: "no rule for condition"}, nil
	}

	texts := []string{cc.Utterance}
	if cr.rule.IncludeHistory {
		for _, t := range cc.History {
			if t.Speaker == core.SpeakerUser {
				texts = append(texts, t.Utterance)
			}
		}
	}

	for _, re := range cr.matchers {
		for _, text := range texts {
			if re.MatchString(text) {
				return core.Verdict{
					Applies:    true,
					Confidence: cr.rule.Confidence,
					Rationale:  fmt.Sprintf("matched %q", re.String()),
				}, nil
			}
		}
	}
	return core.Verdict{Rationale: "no rule matched"}, nil
}

// keywordPattern matches kw case-insensitively as a whole word or phrase.
// Word boundaries are only enforced at edges that are letters or digits, so
// keywords such as "c++" or ".net" still match.
func keywordPattern(kw string) *regexp.Regexp {
	words := strings.Fields(kw)
	if len(words) == 0 {
		return nil
	}
	first, _ := utf8.DecodeRuneInString(words[0])
	last, _ := utf8.DecodeLastRuneInString(words[len(words)-1])

	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	expr := strings.Join(quoted, `\s+`)
	if isWordRune(first) {
		expr = `(?:^|[^\p{L}\p{N}_])` + expr
	}
	if isWordRune(last) {
		expr += `(?:$|[^\p{L}\p{N}_])`
	}
	return regexp.MustCompile(`(?i)` + expr)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Conditions returns the number of configured rules.
func (e *RuleEvaluator) Conditions() int { return len(e.rules) }

func normalizeCondition(c string) string {
	return strings.ToLower(strings.Join(strings.Fields(c), " "))
}
