package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/internal/store"
	"github.com/pitabwire/solicitudes/model"
)

var stateLabels = map[model.State]string{
	model.StateReturnedPetitioner: "devuelta al solicitante",
	model.StateReturnedContOp:     "devuelta al contract operator",
	model.StateContOwner:          "en revisión del contract owner",
	model.StatePlanner:            "en revisión del planificador",
	model.StateContAdmin:          "en revisión del administrador de contrato",
	model.StateSupervisor:         "en revisión del supervisor",
	model.StateDraftsman:          "asignada a proyectista",
	model.StateRejected:           "rechazada",
}

// StateLabel returns a human-readable label for a state code.
func StateLabel(s model.State) string {
	if l, ok := stateLabels[s]; ok {
		return l
	}
	return fmt.Sprintf("en estado %d", int(s))
}

// Handler turns queued notification tasks into mail.
type Handler struct {
	store   store.Store
	sender  Sender
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewHandler creates a Handler. metrics may be nil.
func NewHandler(s store.Store, sender Sender, metrics *observability.Metrics, logger *zap.Logger) *Handler {
	return &Handler{store: s, sender: sender, metrics: metrics, logger: logger}
}

// Register binds the task handlers to mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeStateChange, h.HandleStateChange)
	mux.HandleFunc(TypeNewRequest, h.HandleNewRequest)
}

// HandleStateChange mails the request owner about a transition.
func (h *Handler) HandleStateChange(ctx context.Context, task *asynq.Task) error {
	var p stateChangePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s: %v: %w", task.Type(), err, asynq.SkipRetry)
	}

	ctx, span := observability.StartConsumerSpan(ctx, p.Trace, task.Type(),
		observability.AttrRequestID.String(p.RequestID),
		observability.AttrNewState.Int(int(p.NewState)),
	)
	defer span.End()

	doc, err := h.store.GetDocument(ctx, model.CollectionUsers, p.OwnerID)
	if model.HasCode(err, model.ErrNotFound) {
		observability.EndSpanWithError(span, err)
		return fmt.Errorf("owner %s: %v: %w", p.OwnerID, err, asynq.SkipRetry)
	}
	if err != nil {
		observability.EndSpanWithError(span, err)
		return fmt.Errorf("load owner %s: %w", p.OwnerID, err)
	}
	owner := model.UserFromDocument(p.OwnerID, doc)
	if owner.Email == "" {
		err := fmt.Errorf("owner %s has no email: %w", p.OwnerID, asynq.SkipRetry)
		observability.EndSpanWithError(span, err)
		h.logger.Warn("state change notice has no recipient",
			zap.String("request_id", p.RequestID),
			zap.String("owner_id", p.OwnerID),
		)
		h.metrics.RecordNotificationFailure(KindStateChange)
		return err
	}

	msg := Message{
		To:      []string{owner.Email},
		Subject: fmt.Sprintf("Solicitud %s %s", p.RequestID, StateLabel(p.NewState)),
		Body: fmt.Sprintf("Hola %s,\n\n%s revisó la solicitud %s.\nEstado anterior: %s.\nEstado actual: %s.\n",
			owner.Name, actorName(p.Actor), p.RequestID, StateLabel(p.PrevState), StateLabel(p.NewState)),
	}
	if p.Actor.Email != "" && p.Actor.Email != owner.Email {
		msg.Cc = []string{p.Actor.Email}
	}

	return h.send(ctx, KindStateChange, msg)
}

// HandleNewRequest mails the petitioner and the listed receivers about a
// new request.
func (h *Handler) HandleNewRequest(ctx context.Context, task *asynq.Task) error {
	var p newRequestPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s: %v: %w", task.Type(), err, asynq.SkipRetry)
	}

	ctx, span := observability.StartConsumerSpan(ctx, p.Trace, task.Type(),
		observability.AttrRequestID.String(p.RequestID),
	)
	defer span.End()

	var to []string
	if p.Actor.Email != "" {
		to = append(to, p.Actor.Email)
	}
	to = append(to, p.Receivers...)
	if len(to) == 0 {
		h.logger.Warn("new request notice has no recipients", zap.String("request_id", p.RequestID))
		return nil
	}

	return h.send(ctx, KindNewRequest, Message{
		To:      to,
		Subject: fmt.Sprintf("Nueva solicitud N°%d: %s", p.RequestNumber, p.Title),
		Body: fmt.Sprintf("%s ingresó la solicitud N°%d \"%s\" (%s).\n",
			actorName(p.Actor), p.RequestNumber, p.Title, p.RequestID),
	})
}

func (h *Handler) send(ctx context.Context, kind string, msg Message) error {
	if err := h.sender.Send(ctx, msg); err != nil {
		h.metrics.RecordNotificationFailure(kind)
		return fmt.Errorf("send %s mail: %w", kind, err)
	}
	h.metrics.RecordNotificationSent(kind)
	h.logger.Debug("notification sent", zap.String("kind", kind), zap.Strings("to", msg.To))
	return nil
}

func actorName(a model.Actor) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Email
}
