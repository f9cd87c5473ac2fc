package protocol

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
		{"negative int", -100, "-100"},
		{"int64", int64(9223372036854775807), "9223372036854775807"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"null", nil, "null"},
		{"whole float", float64(890), "890"},
		{"fractional float", 123.45, "123.45"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"array of ints", []any{1, 2, 3}, "[1,2,3]"},
		{"array of nulls", []any{nil, nil, nil, nil}, "[null,null,null,null]"},
		{"simple object", map[string]any{"a": 1}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": 2,
		"beta":  3,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":3,"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+E000 vs U+10000: UTF-16 order differs from UTF-8. The surrogate
	// pair (0xD800, 0xDC00) sorts before 0xE000.
	obj := map[string]any{
		"\ue000":     1,
		"\U00010000": 2,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)

	expected := "{\"\U00010000\":2,\"\ue000\":1}"
	assert.Equal(t, expected, string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical("<key> & </key>")
	require.NoError(t, err)
	assert.Equal(t, `"<key> & </key>"`, string(result))
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// e + combining acute accent normalizes to the precomposed form.
	decomposed := "e\u0301"
	precomposed := "\u00e9"

	r1, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	r2, err := MarshalCanonical(precomposed)
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(r1))
	assert.Equal(t, string(r2), string(r1))
}

func TestMarshalCanonicalUnsupportedType(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestMarshalCanonicalJSONRoundTripStable(t *testing.T) {
	// Encoding, decoding through encoding/json (which yields float64 for
	// all numbers), and re-encoding must produce identical bytes.
	dict := map[string]any{
		"key":    "x",
		"nbytes": int64(890),
		"start":  123.4,
		"list":   []any{0, 1},
	}

	first, err := MarshalCanonical(dict)
	require.NoError(t, err)

	decoded, err := UnmarshalDict(first)
	require.NoError(t, err)

	second, err := MarshalCanonical(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestUnmarshalDictInvalid(t *testing.T) {
	_, err := UnmarshalDict([]byte("not json"))
	assert.Error(t, err)

	_, err = UnmarshalDict([]byte(`[1,2,3]`))
	assert.Error(t, err)
}
