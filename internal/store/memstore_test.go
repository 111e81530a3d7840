package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/solicitudes/model"
)

func increment(current int64) (int64, error) { return current + 1, nil }

// --- Transact ---

func TestMemoryStore_Transact_absentCounterStartsAtZero(t *testing.T) {
	s := NewMemoryStore()

	got, err := s.Transact(context.Background(), "requestCounter", increment)
	if err != nil {
		t.Fatalf("Transact error: %v", err)
	}
	if got != 1 {
		t.Errorf("Transact() = %d, want 1", got)
	}
}

func TestMemoryStore_Transact_fnErrorLeavesCounter(t *testing.T) {
	s := NewMemoryStore()
	_, _ = s.Transact(context.Background(), "c", increment)

	boom := errors.New("boom")
	_, err := s.Transact(context.Background(), "c", func(int64) (int64, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if s.Counter("c") != 1 {
		t.Errorf("Counter() = %d, want 1", s.Counter("c"))
	}
}

func TestMemoryStore_Transact_concurrent(t *testing.T) {
	s := NewMemoryStore()
	const n = 50

	var wg sync.WaitGroup
	results := make(chan int64, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Transact(context.Background(), "c", increment)
			if err != nil {
				t.Errorf("Transact error: %v", err)
				return
			}
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for v := range results {
		if seen[v] {
			t.Fatalf("duplicate counter value %d", v)
		}
		seen[v] = true
	}
	if len(seen) != n {
		t.Errorf("distinct values = %d, want %d", len(seen), n)
	}
}

// --- Documents ---

func TestMemoryStore_GetDocument_notFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetDocument(context.Background(), "solicitudes", "missing")
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_GetDocument_returnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.SetDocument(ctx, "solicitudes", "r1", model.Document{"state": 5})

	doc, _ := s.GetDocument(ctx, "solicitudes", "r1")
	doc["state"] = 99

	again, _ := s.GetDocument(ctx, "solicitudes", "r1")
	if again["state"] != 5 {
		t.Errorf("stored state mutated to %v", again["state"])
	}
}

func TestMemoryStore_UpdateFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, err := s.CreateDocument(ctx, "solicitudes", model.Document{"title": "t", "state": 2})
	if err != nil {
		t.Fatalf("CreateDocument error: %v", err)
	}

	if err := s.UpdateFields(ctx, "solicitudes", id, map[string]any{"state": 6, "OT": 3}); err != nil {
		t.Fatalf("UpdateFields error: %v", err)
	}

	doc, _ := s.GetDocument(ctx, "solicitudes", id)
	if doc["title"] != "t" || doc["state"] != 6 || doc["OT"] != 3 {
		t.Errorf("doc = %v", doc)
	}
}

func TestMemoryStore_UpdateFields_notFound(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpdateFields(context.Background(), "solicitudes", "nope", map[string]any{"state": 1})
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

// --- Children ---

func TestMemoryStore_QueryLatest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.SetDocument(ctx, "solicitudes", "r1", model.Document{})

	base := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	_, _ = s.AppendChild(ctx, "solicitudes", "r1", "events", model.Document{"date": base.Add(time.Hour), "newState": 6})
	_, _ = s.AppendChild(ctx, "solicitudes", "r1", "events", model.Document{"date": base, "newState": 4})

	doc, id, found, err := s.QueryLatest(ctx, "solicitudes", "r1", "events", "date")
	if err != nil || !found {
		t.Fatalf("QueryLatest = (%v, %v)", found, err)
	}
	if id == "" {
		t.Error("expected child id")
	}
	if doc["newState"] != 6 {
		t.Errorf("latest newState = %v, want 6", doc["newState"])
	}
}

func TestMemoryStore_QueryLatest_empty(t *testing.T) {
	s := NewMemoryStore()
	_, _, found, err := s.QueryLatest(context.Background(), "solicitudes", "r1", "events", "date")
	if err != nil || found {
		t.Errorf("QueryLatest = (%v, %v), want not found", found, err)
	}
}

func TestMemoryStore_AppendChild_missingParent(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.AppendChild(context.Background(), "solicitudes", "nope", "events", model.Document{})
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_ListChildren_sorted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.SetDocument(ctx, "solicitudes", "r1", model.Document{})

	base := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	for _, h := range []int{3, 1, 2} {
		_, _ = s.AppendChild(ctx, "solicitudes", "r1", "events", model.Document{
			"date": base.Add(time.Duration(h) * time.Hour), "n": h,
		})
	}

	children, err := s.ListChildren(ctx, "solicitudes", "r1", "events", "date")
	if err != nil {
		t.Fatalf("ListChildren error: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("len = %d, want 3", len(children))
	}
	for i, want := range []int{1, 2, 3} {
		if children[i].Doc["n"] != want {
			t.Errorf("children[%d].n = %v, want %d", i, children[i].Doc["n"], want)
		}
	}
}

func TestMemoryStore_FindEqual_instants(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	_ = s.SetDocument(ctx, "solicitudes", "a", model.Document{"start": day})
	_ = s.SetDocument(ctx, "solicitudes", "b", model.Document{"start": day.Format(time.RFC3339Nano)})
	_ = s.SetDocument(ctx, "solicitudes", "c", model.Document{"start": day.Add(24 * time.Hour)})

	got, err := s.FindEqual(ctx, "solicitudes", "start", day)
	if err != nil {
		t.Fatalf("FindEqual error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("FindEqual() = %+v, want a and b", got)
	}
}
