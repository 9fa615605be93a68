package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextAsserter_Diff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		match    bool
	}{
		{
			name:     "surrounding blanks trimmed by default",
			actual:   "\nADDRESS  NAME   \nAA       HRM\n\n",
			expected: "ADDRESS  NAME\nAA       HRM",
			match:    true,
		},
		{
			name:     "alignment differences reported",
			actual:   "AA  HRM",
			expected: "AA   HRM",
		},
		{
			name:     "empty lines dropped on request",
			opts:     []TextOption{WithIgnoreEmptyLines(true)},
			actual:   "a\n\nb",
			expected: "a\nb",
			match:    true,
		},
		{
			name:     "trailing blanks significant when strict",
			opts:     []TextOption{WithIgnoreTrailingWhitespace(false), WithTrimSpace(false)},
			actual:   "a \n",
			expected: "a\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewTextAsserter(t, tt.opts...).Diff(tt.actual, tt.expected)

			if tt.match {
				assert.Empty(t, diff)
			} else {
				assert.Contains(t, diff, "--- expected")
				assert.Contains(t, diff, "+++ actual")
			}
		})
	}
}

func TestTextAsserter_Colors(t *testing.T) {
	diff := NewTextAsserter(t, WithEnableColors(true)).Diff("a b", "a  b")

	assert.Contains(t, diff, "\x1b[", "colored diff MUST carry ANSI escapes")
	assert.Contains(t, diff, "a·b", "blanks MUST be made visible")
}
