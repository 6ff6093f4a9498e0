package evaluation

import (
	"context"
	"strings"
	"unicode"

	"github.com/hupe1980/guidemesh/core"
)

// NoConflicts is a core.ContradictionChecker that never reports a conflict.
var NoConflicts core.ContradictionChecker = core.ContradictionCheckerFunc(
	func(context.Context, core.ActiveDirective, core.ActiveDirective) (bool, error) { return false, nil },
)

var defaultNegations = []string{
	"do not", "don't", "dont", "never", "avoid", "refrain from", "must not", "should not",
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "to": {}, "of": {}, "and": {}, "or": {}, "in": {}, "on": {},
	"for": {}, "with": {}, "about": {}, "any": {}, "be": {}, "is": {}, "are": {}, "it": {},
	"them": {}, "their": {}, "your": {}, "you": {}, "user": {}, "users": {}, "please": {},
	"always": {}, "should": {}, "must": {}, "at": {}, "all": {}, "by": {},
}

// PolarityOptions configure a PolarityChecker.
type PolarityOptions struct {
	// Threshold is the minimum Jaccard similarity of content words for two
	// actions to be considered about the same thing.
	Threshold float64
	// Negations are phrases that flip the polarity of an action.
	Negations []string
}

// PolarityChecker reports a contradiction when two actions talk about the
// same content words but exactly one of them is negated.
type PolarityChecker struct {
	opts PolarityOptions
}

// NewPolarityChecker creates a PolarityChecker.
func NewPolarityChecker(optFns ...func(o *PolarityOptions)) *PolarityChecker {
	opts := PolarityOptions{Threshold: 0.5, Negations: defaultNegations}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &PolarityChecker{opts: opts}
}

// Conflicts implements core.ContradictionChecker.
func (c *PolarityChecker) Conflicts(_ context.Context, higher, lower core.ActiveDirective) (bool, error) {
	hNeg, hWords := c.analyze(higher.Action)
	lNeg, lWords := c.analyze(lower.Action)
	if hNeg == lNeg {
		return false, nil
	}
	return jaccard(hWords, lWords) >= c.opts.Threshold, nil
}

func (c *PolarityChecker) analyze(action string) (bool, map[string]struct{}) {
	text := " " + strings.Join(tokenize(action), " ") + " "
	negated := false
	for _, n := range c.opts.Negations {
		phrase := " " + strings.Join(tokenize(n), " ") + " "
		if strings.Contains(text, phrase) {
			negated = true
			text = strings.ReplaceAll(text, phrase, " ")
		}
	}

	words := make(map[string]struct{})
	for _, w := range strings.Fields(text) {
		if _, skip := stopWords[w]; skip {
			continue
		}
		words[stem(w)] = struct{}{}
	}
	return negated, words
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// stem strips a plural "s" so "discount" and "discounts" compare equal.
func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
