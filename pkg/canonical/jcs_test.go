package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialize_Sorting(t *testing.T) {
	input := map[string]interface{}{"c": 3, "a": 1, "b": 2}

	b, err := Serialize(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestSerialize_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{"y": "foo", "x": "bar"},
		"a": 1,
	}

	b, err := Serialize(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestSerialize_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{"html": "<script>alert('xss')</script> &"}

	b, err := Serialize(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestHash_StableAcrossConstruction(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := Hash(v1)
	require.NoError(t, err)
	h2, err := Hash(v2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "hash must be stable for semantically identical inputs")
}

func TestSerialize_NumberTypes(t *testing.T) {
	input := map[string]interface{}{"num": json.Number("123.456")}

	b, err := Serialize(input)
	require.NoError(t, err)
	assert.Equal(t, `{"num":123.456}`, string(b))
}

func TestSerialize_RoundTrip(t *testing.T) {
	input := map[string]interface{}{
		"manifest_id": "m-1",
		"approved":    true,
		"nested":      []interface{}{"a", json.Number("1"), nil},
	}

	b, err := Serialize(input)
	require.NoError(t, err)

	v, err := Deserialize(b)
	require.NoError(t, err)

	b2, err := Serialize(v)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(b2), "serialize(deserialize(s)) must equal s")
}

func TestString_IsReachable(t *testing.T) {
	s, err := String(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.NotEmpty(t, s)
}
