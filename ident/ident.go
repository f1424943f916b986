// Package ident provides stable identifiers and content fingerprints for the
// workflow runtime. Fingerprints are deterministic SHA-256 hashes over a
// canonical JSON rendering of the input, truncated to a fixed hex prefix so
// they are safe to embed in table keys and file names.
package ident

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// FingerprintLen is the number of hex characters kept from the SHA-256 digest.
const FingerprintLen = 32

// NewTaskID returns a short unique id for a task instance.
func NewTaskID() string {
	return "task_" + shortuuid.New()
}

// NewJobID returns a short unique id for a queued job.
func NewJobID() string {
	return "job_" + shortuuid.New()
}

// NewRunID returns a unique id for a graph run.
func NewRunID() string {
	return "run_" + shortuuid.New()
}

// NewCheckpointID returns a unique id for a checkpoint.
func NewCheckpointID() string {
	return "ckpt_" + uuid.New().String()
}

// Fingerprint hashes the canonical JSON form of v and returns the truncated
// hex digest. Two values with the same canonical form always produce the
// same fingerprint, regardless of map iteration order.
func Fingerprint(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:FingerprintLen], nil
}

// CacheKey builds the cache key for a task execution: the task type joined
// with the fingerprint of its canonicalized input.
func CacheKey(taskType string, input any) (string, error) {
	fp, err := Fingerprint(input)
	if err != nil {
		return "", err
	}
	return taskType + ":" + fp, nil
}

// CanonicalJSON serializes v to JSON with object keys sorted and byte slices
// normalized to a tagged base64 form, so that the output is byte-stable for
// semantically equal values.
func CanonicalJSON(v any) ([]byte, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(val))
	case string:
		return writeJSONValue(sb, val)
	case float64:
		return writeNumber(sb, val)
	case float32:
		return writeNumber(sb, float64(val))
	case int:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(val, 10))
	case json.Number:
		sb.WriteString(val.String())
	case []byte:
		return writeCanonical(sb, map[string]any{
			"kind":   "bytes",
			"base64": base64.StdEncoding.EncodeToString(val),
		})
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeJSONValue(sb, k); err != nil {
				return err
			}
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	default:
		// Round-trip through encoding/json to reduce arbitrary types
		// (structs, typed slices, typed maps) to the cases above.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical json: %w", err)
		}
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("canonical json: %w", err)
		}
		return writeCanonical(sb, generic)
	}
	return nil
}

// writeNumber renders floats the way encoding/json does so integral floats
// stay stable across encode/decode cycles.
func writeNumber(sb *strings.Builder, f float64) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("canonical json: %w", err)
	}
	sb.Write(raw)
	return nil
}

func writeJSONValue(sb *strings.Builder, s string) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canonical json: %w", err)
	}
	sb.Write(raw)
	return nil
}
