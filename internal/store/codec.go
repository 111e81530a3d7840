package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/solicitudes/model"
)

// instantLayout is a fixed-width UTC layout so that stored instants sort
// lexicographically in the same order as chronologically.
const instantLayout = "2006-01-02T15:04:05.000Z"

// encodeValue rewrites instants into instantLayout, recursing into maps and
// slices.
func encodeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(instantLayout)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(instantLayout)
	case model.Document:
		return encodeMap(t)
	case map[string]any:
		return encodeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = encodeValue(e)
		}
		return out
	default:
		return v
	}
}

func encodeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = encodeValue(v)
	}
	return out
}

func marshalDocument(doc map[string]any) ([]byte, error) {
	data, err := json.Marshal(encodeMap(doc))
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return data, nil
}

func marshalValue(v any) ([]byte, error) {
	data, err := json.Marshal(encodeValue(v))
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshalDocument(data []byte) (model.Document, error) {
	doc := model.Document{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}
