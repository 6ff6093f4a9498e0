package evaluation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guidemesh/core"
)

func directive(action string) core.ActiveDirective {
	return core.ActiveDirective{Action: action}
}

func TestPolarityChecker(t *testing.T) {
	c := NewPolarityChecker()

	tests := []struct {
		name   string
		higher string
		lower  string
		want   bool
	}{
		{"opposite polarity same topic", "Never offer discounts", "offer a discount", true},
		{"contraction", "don't mention competitor prices", "mention competitor prices", true},
		{"same polarity", "offer a discount", "offer discounts to students", false},
		{"different topics", "do not discuss politics", "respond warmly and invite questions about cars", false},
		{"both negated", "never swear", "avoid swearing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Conflicts(context.Background(), directive(tt.higher), directive(tt.lower))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolarityChecker_Threshold(t *testing.T) {
	strict := NewPolarityChecker(func(o *PolarityOptions) { o.Threshold = 0.9 })
	got, err := strict.Conflicts(context.Background(),
		directive("never offer discounts on new cars"),
		directive("offer discounts"))
	require.NoError(t, err)
	assert.False(t, got)
}

func TestNoConflicts(t *testing.T) {
	got, err := NoConflicts.Conflicts(context.Background(), directive("never x"), directive("x"))
	require.NoError(t, err)
	assert.False(t, got)
}
