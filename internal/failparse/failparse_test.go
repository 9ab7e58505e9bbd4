package failparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailingTestsPatterns(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "unicode cross",
			text: "  ✗ rejects expired tokens\n  ✓ accepts fresh tokens",
			want: []string{"rejects expired tokens"},
		},
		{
			name: "ascii cross",
			text: "x handles empty input",
			want: []string{"handles empty input"},
		},
		{
			name: "jest FAIL lines",
			text: "PASS src/a.test.ts\nFAIL src/b.test.ts\nFAIL src/c.test.ts",
			want: []string{"src/b.test.ts", "src/c.test.ts"},
		},
		{
			name: "jest bullet headers",
			text: "● Auth › refresh flow\n\n  expect(received).toBe(expected)",
			want: []string{"auth › refresh flow"},
		},
		{
			name: "TAP not ok",
			text: "ok 1 first\nnot ok 2 - second case\nnot ok 3 third case",
			want: []string{"second case", "third case"},
		},
		{
			name: "mixed reporters dedupe",
			text: "✗ Login Works\nFAIL login   works",
			want: []string{"login works"},
		},
		{
			name: "no failures",
			text: "✓ everything passes\nok 1 fine",
			want: nil,
		},
		{
			name: "empty input",
			text: "",
			want: nil,
		},
		{
			name: "prose is ignored",
			text: "The build failed because of a network error.\nPlease retry.",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FailingTests(tt.text))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a b c", Normalize("  A   b\tC "))
	assert.Equal(t, "", Normalize("   "))
}

func TestSameSet(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want bool
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, true},
		{"order independent", []string{"a", "b"}, []string{"b", "a"}, true},
		{"case and spacing insensitive", []string{"Test  A", "b"}, []string{"b", "test a"}, true},
		{"different member", []string{"a", "b"}, []string{"a", "c"}, false},
		{"different size", []string{"a", "b"}, []string{"a"}, false},
		{"left empty", nil, []string{"a"}, false},
		{"right empty", []string{"a"}, nil, false},
		{"both empty inconclusive", nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SameSet(tt.a, tt.b))
		})
	}
}
