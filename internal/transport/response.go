// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the work-request API.
package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/model"
)

// httpStatus maps ErrorEnvelope codes to HTTP status codes. Codes missing
// here, NOTIFICATION_ERROR among them, are reported as internal errors.
var httpStatus = map[string]int{
	model.ErrBadRequest:      http.StatusBadRequest,
	model.ErrUnauthorized:    http.StatusUnauthorized,
	model.ErrForbidden:       http.StatusForbidden,
	model.ErrNotFound:        http.StatusNotFound,
	model.ErrConflict:        http.StatusConflict,
	model.ErrValidationError: http.StatusUnprocessableEntity,
	model.ErrTransientStore:  http.StatusServiceUnavailable,
	model.ErrInternalError:   http.StatusInternalServerError,
}

// WriteJSON writes body as JSON with the given status. A nil body writes
// headers only.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

// WriteError resolves the ErrorEnvelope in err's chain and writes it with
// its HTTP status and the request's trace id. Errors without an envelope,
// or with an unmapped code, become INTERNAL_ERROR; their cause is logged
// but never sent to the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := model.AsEnvelope(err)
	status := 0
	if ok {
		status = httpStatus[ee.Code]
	}
	if status == 0 {
		ee, status = model.NewInternalError(), http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		observability.RequestLogger(r.Context(), nil).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	if ee.Retryable() {
		w.Header().Set("Retry-After", "1")
	}

	body := errorBody{Error: *ee}
	body.Error.TraceID = observability.TraceIDFromContext(r.Context())
	WriteJSON(w, status, body)
}

// WriteValidationError writes a 422 carrying field-level details.
func WriteValidationError(w http.ResponseWriter, r *http.Request, details []model.FieldError) {
	WriteError(w, r, model.NewValidationError(details))
}
