package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pitabwire/solicitudes/internal/calendar"
	"github.com/pitabwire/solicitudes/model"
)

func handleToggleBlockedDay(cal *calendar.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Date  time.Time `json:"date"`
			Cause string    `json:"cause"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		day, err := cal.ToggleBlockedDay(r.Context(), body.Date, body.Cause)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, day)
	}
}

func handleDateAvailability(cal *calendar.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("date")
		if raw == "" {
			WriteValidationError(w, r, []model.FieldError{{
				Field: "date", Code: "REQUIRED", Message: "date is required",
			}})
			return
		}
		start, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			WriteValidationError(w, r, []model.FieldError{{
				Field: "date", Code: "INVALID_FORMAT", Message: "date must be an RFC 3339 timestamp",
			}})
			return
		}

		a, err := cal.DateAvailability(r.Context(), start)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, a)
	}
}
