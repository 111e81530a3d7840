package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/solicitudes/internal/approval"
	"github.com/pitabwire/solicitudes/internal/idempotency"
	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/internal/workflow"
	"github.com/pitabwire/solicitudes/model"
)

// ApprovalIdempotency configures replay protection for approval submissions.
// A nil Store disables it.
type ApprovalIdempotency struct {
	Store idempotency.Store
	TTL   time.Duration
}

// Idempotency headers. A replayed response carries HeaderIdempotentReplayed.
const (
	HeaderIdempotencyKey     = "X-Idempotency-Key"
	HeaderIdempotentReplayed = "Idempotent-Replayed"
)

func handleCreateRequest(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var input model.NewRequest
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		req, err := engine.CreateRequest(r.Context(), input, rctx.Actor())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, req)
	}
}

func handleGetRequest(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := engine.GetRequest(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleGetRequestOwner(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owned, err := engine.GetDocumentAndOwner(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, owned)
	}
}

func handleListEvents(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := engine.History(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if events == nil {
			events = []model.WorkflowEvent{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

// handleLatestEvent answers 204 when the request has no recorded transition.
func handleLatestEvent(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evt, err := engine.LatestEvent(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if evt == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteJSON(w, http.StatusOK, evt)
	}
}

func handleSubmitApproval(engine *workflow.Engine, idem ApprovalIdempotency, metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		requestID := chi.URLParam(r, "id")
		log := observability.LoggerFrom(r.Context(), logger)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteError(w, r, model.NewBadRequestError("request body too large"))
				return
			}
			WriteError(w, r, model.NewBadRequestError("unreadable request body"))
			return
		}

		var payload struct {
			Approves json.RawMessage `json:"approves"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if ce := log.Check(zap.DebugLevel, "approval payload"); ce != nil {
			var dump map[string]any
			_ = json.Unmarshal(body, &dump)
			ce.Write(zap.Any("body", observability.RedactBody(dump, nil)))
		}

		action, err := approval.ParseAction(payload.Approves)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		var key, hash string
		if k := r.Header.Get(HeaderIdempotencyKey); k != "" && idem.Store != nil {
			key = idempotency.FormatKey(requestID, rctx.SubjectID, k)
			hash = idempotency.HashInput(body)

			cached, found, err := idem.Store.Reserve(r.Context(), key, hash)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			if found {
				log.Debug("idempotent replay", zap.String("request_id", requestID))
				metrics.RecordIdempotentReplay()
				w.Header().Set(HeaderIdempotentReplayed, "true")
				WriteJSON(w, http.StatusOK, cached)
				return
			}
		}

		// The reservation outlives a cancelled request so it is always
		// completed or released.
		bg := context.WithoutCancel(r.Context())

		transition, err := engine.SubmitApproval(r.Context(), requestID, action, rctx.Actor())
		if err != nil {
			if key != "" {
				if rerr := idem.Store.Release(bg, key); rerr != nil {
					log.Warn("idempotency release failed",
						zap.String("request_id", requestID),
						zap.Error(rerr),
					)
				}
			}
			WriteError(w, r, err)
			return
		}

		if key != "" {
			if err := idem.Store.Save(bg, key, hash, transition, idem.TTL); err != nil {
				log.Warn("idempotency save failed",
					zap.String("request_id", requestID),
					zap.Error(err),
				)
			}
		}
		WriteJSON(w, http.StatusOK, transition)
	}
}

func handleUpdatePhone(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Phone string `json:"phone"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		if err := engine.UpdateUserPhone(r.Context(), rctx.SubjectID, body.Phone); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
