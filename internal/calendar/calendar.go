// Package calendar manages blocked scheduling days and checks how busy a
// start date already is.
package calendar

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/internal/store"
	"github.com/pitabwire/solicitudes/model"
)

// MessageAvailable is returned when no request starts at the queried date.
const MessageAvailable = "Fecha Disponible"

// BlockedDay is the stored state of a calendar day.
type BlockedDay struct {
	ID      string    `json:"id"`
	Day     time.Time `json:"day"`
	Blocked bool      `json:"blocked"`
	Cause   string    `json:"cause,omitempty"`
}

// Availability reports how many requests already start at an instant.
type Availability struct {
	Date      time.Time `json:"date"`
	Count     int       `json:"count"`
	Available bool      `json:"available"`
	Message   string    `json:"message"`
}

// Service implements the calendar operations.
type Service struct {
	store    store.Store
	metrics  *observability.Metrics
	logger   *zap.Logger
	location *time.Location
}

// NewService creates a calendar service. Days are cut at midnight in loc.
// metrics may be nil.
func NewService(s store.Store, loc *time.Location, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, metrics: metrics, logger: logger, location: loc}
}

// DayKey returns the document id of the day containing t: the Unix seconds
// of its midnight.
func (s *Service) DayKey(t time.Time) string {
	return strconv.FormatInt(s.startOfDay(t).Unix(), 10)
}

func (s *Service) startOfDay(t time.Time) time.Time {
	y, m, d := t.In(s.location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.location)
}

// ToggleBlockedDay unblocks a blocked day, or blocks an unblocked or unknown
// one. Blocking requires a cause.
func (s *Service) ToggleBlockedDay(ctx context.Context, day time.Time, cause string) (BlockedDay, error) {
	if day.IsZero() {
		return BlockedDay{}, requiredField("date")
	}
	id := s.DayKey(day)
	bd := BlockedDay{ID: id, Day: s.startOfDay(day)}

	doc, err := s.store.GetDocument(ctx, model.CollectionBlockedDays, id)
	switch {
	case err == nil:
	case model.HasCode(err, model.ErrNotFound):
		doc = nil
	default:
		return BlockedDay{}, model.NewTransientStoreError("load blocked day", err)
	}

	var next model.Document
	if doc.Truthy("blocked") {
		next = model.Document{"blocked": false}
	} else {
		cause = strings.TrimSpace(cause)
		if cause == "" {
			return BlockedDay{}, requiredField("cause")
		}
		next = model.Document{"blocked": true, "cause": cause}
		bd.Cause = cause
	}
	bd.Blocked = next.Truthy("blocked")

	if err := s.store.SetDocument(ctx, model.CollectionBlockedDays, id, next); err != nil {
		return BlockedDay{}, model.NewTransientStoreError("save blocked day", err)
	}

	observability.LoggerFrom(ctx, s.logger).Info("calendar day toggled",
		zap.String("day", id),
		zap.Bool("blocked", bd.Blocked),
	)
	s.metrics.RecordBlockedDayToggle(bd.Blocked)
	return bd, nil
}

// DateAvailability counts the requests whose start equals the given instant.
func (s *Service) DateAvailability(ctx context.Context, start time.Time) (Availability, error) {
	if start.IsZero() {
		return Availability{}, requiredField("date")
	}
	docs, err := s.store.FindEqual(ctx, model.CollectionRequests, model.FieldStart, start.UTC())
	if err != nil {
		return Availability{}, model.NewTransientStoreError("query requests by start", err)
	}

	a := Availability{Date: start.UTC(), Count: len(docs), Available: len(docs) == 0}
	if a.Available {
		a.Message = MessageAvailable
	} else {
		a.Message = fmt.Sprintf("La fecha que está tratando de agendar tiene %d Solicitudes. Le recomendamos seleccionar otro día", a.Count)
	}
	return a, nil
}

func requiredField(field string) error {
	return model.NewValidationError([]model.FieldError{{
		Field:   field,
		Code:    "REQUIRED",
		Message: field + " is required",
	}})
}
