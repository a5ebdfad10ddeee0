package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"bool", true, "true"},
		{"phase", PhaseWriteCheckpoint, `"WriteCheckpoint"`},
		{"kind", KindNodeGroup, `"NodeGroup"`},
		{"element index", ElementIndex(7), "7"},
		{"empty array", []any{}, "[]"},
		{"phase list", []Phase{PhaseInitialization, PhaseExit}, `["Initialization","Exit"]`},
		{"empty object", map[string]any{}, "{}"},
		{"int map", map[string]int{"b": 2, "a": 1}, `{"a":1,"b":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNestedSortedKeys(t *testing.T) {
	obj := map[string]any{
		"z": map[string]any{"b": 1, "a": 2},
		"a": 3,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(result))
}

func TestMarshalCanonicalRejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = MarshalCanonical([]any{nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null is forbidden")
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical("<a&b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(result))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	result, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(result))

	// A literal backslash followed by u2028 text stays escaped.
	result, err = MarshalCanonical(`a\u2028`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028"`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// e followed by a combining acute accent normalizes to the precomposed form.
	result, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(result))
}

func TestCompareKeysRFC8785(t *testing.T) {
	// U+FB01 sorts before U+1F600 in UTF-8 but after it in UTF-16.
	assert.Negative(t, compareKeysRFC8785("\U0001F600", "\uFB01"))
	assert.Negative(t, compareKeysRFC8785("a", "ab"))
	assert.Zero(t, compareKeysRFC8785("same", "same"))
}
