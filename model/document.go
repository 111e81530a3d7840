package model

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Document is a schemaless record as held by the store. Values are whatever
// the store's codec produced: JSON-backed stores return float64 numbers and
// RFC 3339 strings for instants, the in-memory store returns the values it
// was given.
type Document map[string]any

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Has reports whether key is present with a non-nil value.
func (d Document) Has(key string) bool {
	v, ok := d[key]
	return ok && v != nil
}

// String returns the string value of key, or "".
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Int returns the integer value of key and whether it was numeric.
func (d Document) Int(key string) (int64, bool) {
	return ToInt(d[key])
}

// Time returns the instant stored under key and whether it could be parsed.
func (d Document) Time(key string) (time.Time, bool) {
	return ToTime(d[key])
}

// Truthy reports whether the value under key would be treated as set by the
// approval workflow: present, non-nil, and not false, zero or empty.
func (d Document) Truthy(key string) bool {
	return Truthy(d[key])
}

// ToInt converts the numeric representations produced by the store codecs
// to an int64.
func ToInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if math.Trunc(n) != n {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// ToTime converts the instant representations accepted by the service to a
// time.Time. Numbers are epoch milliseconds.
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	case int:
		return time.UnixMilli(int64(t)), true
	default:
		return time.Time{}, false
	}
}

// Truthy mirrors the loose "is set" checks used across the approval flow.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0 && !math.IsNaN(t)
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	default:
		return true
	}
}
