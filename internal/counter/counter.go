// Package counter allocates monotonically increasing, gap-tolerant numbers
// from named counters held in the store.
package counter

import (
	"context"
	"fmt"

	"github.com/pitabwire/solicitudes/internal/store"
	"github.com/pitabwire/solicitudes/model"
)

// Named counters.
const (
	RequestCounter = "requestCounter"
	OTCounter      = "otCounter"
)

// Service hands out counter values.
type Service struct {
	store store.Store
}

// NewService creates a counter service over the given store.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// NextValue atomically increments the named counter and returns the new
// value. An absent counter reads as zero, so the first value is 1.
func (s *Service) NextValue(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, model.NewBadRequestError("counter name is required")
	}
	v, err := s.store.Transact(ctx, name, func(current int64) (int64, error) {
		return current + 1, nil
	})
	if err != nil {
		if _, ok := model.AsEnvelope(err); ok {
			return 0, err
		}
		return 0, model.NewTransientStoreError(fmt.Sprintf("allocate %s", name), err)
	}
	return v, nil
}
