// Package changes compares an incoming partial update with the stored
// request document.
package changes

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/pitabwire/solicitudes/model"
)

// DateFields are compared as millisecond instants rather than by
// representation.
var DateFields = map[string]bool{
	model.FieldStart:    true,
	model.FieldEnd:      true,
	model.FieldDeadline: true,
}

// Result is the outcome of Detect.
type Result struct {
	// Changed holds the new value of every key that differs from the
	// current document.
	Changed map[string]any
	// Prior holds, for every incoming key, the value the document had
	// before the update, or model.PriorAbsent.
	Prior map[string]any
}

// Detect reports which keys of incoming differ from current. A key whose
// current value is absent or nil is always changed.
func Detect(incoming, current model.Document) Result {
	res := Result{
		Changed: make(map[string]any),
		Prior:   make(map[string]any, len(incoming)),
	}

	for key, value := range incoming {
		cur, present := current[key]
		present = present && cur != nil

		if DateFields[key] {
			value = normalizeInstant(value)
			if present {
				cur = normalizeInstant(cur)
			}
		}

		if present {
			res.Prior[key] = cur
		} else {
			res.Prior[key] = model.PriorAbsent
		}

		if !present || !equal(value, cur) {
			res.Changed[key] = value
		}
	}
	return res
}

// normalizeInstant returns v as a UTC time truncated to the millisecond,
// or v unchanged when it is not a recognizable instant.
func normalizeInstant(v any) any {
	t, ok := model.ToTime(v)
	if !ok {
		return v
	}
	return t.UTC().Truncate(time.Millisecond)
}

func equal(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
