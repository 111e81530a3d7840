package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/pitabwire/solicitudes/model"
)

// MemoryStore is an in-memory Store for testing and single-instance
// development.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]map[string]model.Document // collection -> id -> doc
	children map[string][]Child                   // collection/parent/child -> docs
	counters map[string]int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]map[string]model.Document),
		children: make(map[string][]Child),
		counters: make(map[string]int64),
	}
}

// Transact runs fn under the store lock.
func (s *MemoryStore) Transact(_ context.Context, counterKey string, fn CounterFunc) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.counters[counterKey])
	if err != nil {
		return 0, err
	}
	s.counters[counterKey] = next
	return next, nil
}

// GetDocument returns a copy of the stored document.
func (s *MemoryStore) GetDocument(_ context.Context, collection, id string) (model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("%s/%s not found", collection, id))
	}
	return doc.Clone(), nil
}

// QueryLatest returns the child with the greatest orderKey value.
func (s *MemoryStore) QueryLatest(_ context.Context, collection, parentID, childCollection, orderKey string) (model.Document, string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Child
	for i, c := range s.children[childKey(collection, parentID, childCollection)] {
		if latest == nil || compareValues(c.Doc[orderKey], latest.Doc[orderKey]) >= 0 {
			latest = &s.children[childKey(collection, parentID, childCollection)][i]
		}
	}
	if latest == nil {
		return nil, "", false, nil
	}
	return latest.Doc.Clone(), latest.ID, true, nil
}

// UpdateFields merges fields into an existing document.
func (s *MemoryStore) UpdateFields(_ context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[collection][id]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("%s/%s not found", collection, id))
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}

// AppendChild stores a child document under a generated ID.
func (s *MemoryStore) AppendChild(_ context.Context, collection, parentID, childCollection string, payload model.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[collection][parentID]; !ok {
		return "", model.NewNotFoundError(fmt.Sprintf("%s/%s not found", collection, parentID))
	}

	id := uuid.New().String()
	key := childKey(collection, parentID, childCollection)
	s.children[key] = append(s.children[key], Child{ID: id, Doc: payload.Clone()})
	return id, nil
}

// CreateDocument inserts a document under a generated ID.
func (s *MemoryStore) CreateDocument(_ context.Context, collection string, doc model.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	s.collection(collection)[id] = doc.Clone()
	return id, nil
}

// SetDocument replaces a document.
func (s *MemoryStore) SetDocument(_ context.Context, collection, id string, doc model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collection(collection)[id] = doc.Clone()
	return nil
}

// ListChildren returns child documents sorted ascending by orderKey.
func (s *MemoryStore) ListChildren(_ context.Context, collection, parentID, childCollection, orderKey string) ([]Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.children[childKey(collection, parentID, childCollection)]
	result := make([]Child, len(src))
	for i, c := range src {
		result[i] = Child{ID: c.ID, Doc: c.Doc.Clone()}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return compareValues(result[i].Doc[orderKey], result[j].Doc[orderKey]) < 0
	})
	return result, nil
}

// FindEqual returns the documents whose field equals value.
func (s *MemoryStore) FindEqual(_ context.Context, collection, field string, value any) ([]Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Child
	for id, doc := range s.docs[collection] {
		if valuesEqual(doc[field], value) {
			result = append(result, Child{ID: id, Doc: doc.Clone()})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Counter returns the current value of a counter. For testing.
func (s *MemoryStore) Counter(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[name]
}

// ChildCount returns the number of children under a parent. For testing.
func (s *MemoryStore) ChildCount(collection, parentID, childCollection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.children[childKey(collection, parentID, childCollection)])
}

func (s *MemoryStore) collection(name string) map[string]model.Document {
	c, ok := s.docs[name]
	if !ok {
		c = make(map[string]model.Document)
		s.docs[name] = c
	}
	return c
}

func childKey(collection, parentID, childCollection string) string {
	return collection + "/" + parentID + "/" + childCollection
}

// compareValues orders instants chronologically, numbers numerically and
// everything else by its formatted value.
func compareValues(a, b any) int {
	if ta, ok := model.ToTime(a); ok {
		if tb, ok := model.ToTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if ia, ok := model.ToInt(a); ok {
		if ib, ok := model.ToInt(b); ok {
			switch {
			case ia < ib:
				return -1
			case ia > ib:
				return 1
			}
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func valuesEqual(a, b any) bool {
	if ta, ok := model.ToTime(a); ok {
		if tb, ok := model.ToTime(b); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}
