package ident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	t.Parallel()

	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"c": 3, "a": 2, "b": 1})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(a))
}

func TestCanonicalJSON_NestedAndArrays(t *testing.T) {
	t.Parallel()

	out, err := CanonicalJSON(map[string]any{
		"outer": map[string]any{"z": true, "a": nil},
		"list":  []any{1, "two", 3.5},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"list":[1,"two",3.5],"outer":{"a":null,"z":true}}`, string(out))
}

func TestCanonicalJSON_Bytes(t *testing.T) {
	t.Parallel()

	out, err := CanonicalJSON([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, `{"base64":"AQID","kind":"bytes"}`, string(out))
}

func TestCanonicalJSON_Structs(t *testing.T) {
	t.Parallel()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	out, err := CanonicalJSON(payload{Name: "x", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, `{"count":2,"name":"x"}`, string(out))
}

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()

	f1, err := Fingerprint(map[string]any{"a": 1, "b": []any{"x", "y"}})
	require.NoError(t, err)
	f2, err := Fingerprint(map[string]any{"b": []any{"x", "y"}, "a": 1})
	require.NoError(t, err)

	assert.Equal(t, f1, f2)
	assert.Len(t, f1, FingerprintLen)
}

func TestFingerprint_Distinguishes(t *testing.T) {
	t.Parallel()

	f1, err := Fingerprint(map[string]any{"a": 1})
	require.NoError(t, err)
	f2, err := Fingerprint(map[string]any{"a": 2})
	require.NoError(t, err)

	assert.NotEqual(t, f1, f2)
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	key, err := CacheKey("uppercase", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "uppercase:"))
}

func TestIDGenerators(t *testing.T) {
	t.Parallel()

	assert.True(t, strings.HasPrefix(NewTaskID(), "task_"))
	assert.True(t, strings.HasPrefix(NewJobID(), "job_"))
	assert.True(t, strings.HasPrefix(NewRunID(), "run_"))
	assert.True(t, strings.HasPrefix(NewCheckpointID(), "ckpt_"))
	assert.NotEqual(t, NewJobID(), NewJobID())
}
