package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/teranos/tempo/errors"
)

// DataMap is the key/value data handed to an execution.
// Values must be JSON-encodable; integers survive a round trip as int64.
type DataMap map[string]any

// Clone returns a deep copy (nested maps and slices included)
func (m DataMap) Clone() DataMap {
	if m == nil {
		return DataMap{}
	}
	out := make(DataMap, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(DataMap(t).Clone())
	case DataMap:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// Merge returns a copy of m overlaid with each of others in order
func (m DataMap) Merge(others ...DataMap) DataMap {
	out := m.Clone()
	for _, o := range others {
		for k, v := range o {
			out[k] = cloneValue(v)
		}
	}
	return out
}

// GetString returns the value at key as a string
func (m DataMap) GetString(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// GetInt returns the value at key as an int64, accepting any integral encoding
func (m DataMap) GetInt(key string) (int64, bool) {
	switch t := m[key].(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		if t == float64(int64(t)) {
			return int64(t), true
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// GetBool returns the value at key as a bool
func (m DataMap) GetBool(key string) (bool, bool) {
	switch t := m[key].(type) {
	case bool:
		return t, true
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b, true
		}
	}
	return false, false
}

// Equal compares two maps by their JSON encoding
func (m DataMap) Equal(o DataMap) bool {
	a, err1 := EncodeData(m)
	b, err2 := EncodeData(o)
	return err1 == nil && err2 == nil && bytes.Equal(a, b)
}

// EncodeData serializes a data map for storage
func EncodeData(m DataMap) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode job data")
	}
	return data, nil
}

// DecodeData restores a stored data map. Whole numbers decode as int64.
func DecodeData(data []byte) (DataMap, error) {
	out := DataMap{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode job data")
	}
	for k, v := range raw {
		out[k] = normalizeNumbers(v)
	}
	return out, nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}
