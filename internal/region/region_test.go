package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		hint string
		want Code
		ok   bool
	}{
		{"", Default, false},
		{"   ", Default, false},
		{"default", Default, false},
		{"ANY", Default, false},
		{"abc", Default, false},
		{"1a", Default, false},
		{"é", Default, false},
		{"US", "us", true},
		{" de ", "de", true},
		{"Fr", "fr", true},
	}

	for _, tt := range tests {
		got, ok := Normalize(tt.hint)
		assert.Equal(t, tt.want, got, "hint %q", tt.hint)
		assert.Equal(t, tt.ok, ok, "hint %q", tt.hint)
	}
}

func TestCode_String(t *testing.T) {
	assert.Equal(t, "default", Default.String())
	assert.True(t, Default.IsDefault())
	assert.Equal(t, "nl", Code("nl").String())
	assert.False(t, Code("nl").IsDefault())
}
