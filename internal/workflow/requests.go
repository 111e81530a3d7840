package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/solicitudes/internal/counter"
	"github.com/pitabwire/solicitudes/internal/notify"
	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/model"
)

// OwnedRequest is a request together with its owner's user record.
type OwnedRequest struct {
	Request      model.WorkRequest `json:"request"`
	Owner        model.User        `json:"owner"`
	PreviousRole model.Role        `json:"previous_role"`
}

// CreateRequest validates input, allocates the next request number and
// stores a new request owned by actor. The request starts in the state
// matching the actor's role.
func (e *Engine) CreateRequest(ctx context.Context, input model.NewRequest, actor model.Actor) (model.WorkRequest, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create_request",
		observability.AttrSubjectID.String(actor.UID),
		observability.AttrRole.Int(int(actor.Role)),
	)
	defer span.End()

	if err := input.Validate(); err != nil {
		observability.EndSpanWithError(span, err)
		return model.WorkRequest{}, err
	}

	n, err := e.counters.NextValue(ctx, counter.RequestCounter)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return model.WorkRequest{}, err
	}
	e.metrics.RecordCounterAllocation(counter.RequestCounter)

	doc := model.Document{
		model.FieldTitle:         input.Title,
		model.FieldStart:         input.Start.UTC(),
		model.FieldPlant:         input.Plant,
		model.FieldArea:          input.Area,
		model.FieldContOp:        input.ContOp,
		model.FieldFnLocation:    input.FnLocation,
		model.FieldPetitioner:    input.Petitioner,
		model.FieldOpShift:       input.OpShift,
		model.FieldType:          input.Type,
		model.FieldDetention:     input.Detention,
		model.FieldSAP:           input.SAP,
		model.FieldObjective:     input.Objective,
		model.FieldDeliverable:   stringsToAny(input.Deliverable),
		model.FieldReceiver:      stringsToAny(input.Receiver),
		model.FieldDescription:   input.Description,
		model.FieldOwnerUID:      actor.UID,
		model.FieldOwnerName:     actor.DisplayName,
		model.FieldOwnerEmail:    actor.Email,
		model.FieldOwnerRole:     int(actor.Role),
		model.FieldCreatedAt:     e.now().UTC(),
		model.FieldRequestNumber: n,
		model.FieldEngineering:   actor.Engineering,
		model.FieldOTRequired:    input.OTRequired,
		model.FieldState:         int(actor.Role),
	}
	if !input.End.IsZero() {
		doc[model.FieldEnd] = input.End.UTC()
	}

	id, err := e.store.CreateDocument(ctx, model.CollectionRequests, doc)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return model.WorkRequest{}, storeError("create request", err)
	}
	span.SetAttributes(observability.AttrRequestID.String(id))

	logger := observability.RequestLogger(ctx, e.logger)
	logger.Info("request created",
		zap.String("request_id", id),
		zap.Int64("n_request", n),
		zap.Int("state", int(actor.Role)),
	)
	e.metrics.RecordRequestCreated()

	if err := e.notifier.NotifyNewRequest(ctx, notify.NewRequestNotice{
		Actor:         actor,
		RequestID:     id,
		RequestNumber: n,
		Title:         input.Title,
		Receivers:     input.Receiver,
	}); err != nil {
		logger.Warn("notification failed",
			zap.String("kind", notify.KindNewRequest),
			zap.Error(model.NewNotificationError("new request notification failed", err)),
		)
		e.metrics.RecordNotificationFailure(notify.KindNewRequest)
	}

	return model.RequestFromDocument(id, doc), nil
}

// GetRequest returns the typed view of a request.
func (e *Engine) GetRequest(ctx context.Context, id string) (model.WorkRequest, error) {
	doc, err := e.store.GetDocument(ctx, model.CollectionRequests, id)
	if err != nil {
		return model.WorkRequest{}, storeError("load request", err)
	}
	return model.RequestFromDocument(id, doc), nil
}

// GetDocumentAndOwner returns a request with its owner and the role that
// precedes the owner's in the chain.
func (e *Engine) GetDocumentAndOwner(ctx context.Context, id string) (OwnedRequest, error) {
	doc, err := e.store.GetDocument(ctx, model.CollectionRequests, id)
	if err != nil {
		return OwnedRequest{}, storeError("load request", err)
	}
	ownerID := doc.String(model.FieldOwnerUID)
	if ownerID == "" {
		return OwnedRequest{}, model.NewNotFoundError(fmt.Sprintf("request %s has no owner", id))
	}
	udoc, err := e.store.GetDocument(ctx, model.CollectionUsers, ownerID)
	if err != nil {
		return OwnedRequest{}, storeError("load owner", err)
	}
	owner := model.UserFromDocument(ownerID, udoc)
	return OwnedRequest{
		Request:      model.RequestFromDocument(id, doc),
		Owner:        owner,
		PreviousRole: owner.Role - 1,
	}, nil
}

// LatestEvent returns the most recent workflow event of a request, or nil
// when it has none. A missing request is NOT_FOUND.
func (e *Engine) LatestEvent(ctx context.Context, id string) (*model.WorkflowEvent, error) {
	if _, err := e.store.GetDocument(ctx, model.CollectionRequests, id); err != nil {
		return nil, storeError("load request", err)
	}
	return e.latestEvent(ctx, id)
}

func (e *Engine) latestEvent(ctx context.Context, id string) (*model.WorkflowEvent, error) {
	doc, eventID, found, err := e.store.QueryLatest(ctx, model.CollectionRequests, id, model.ChildEvents, model.EventDate)
	if err != nil {
		return nil, storeError("load latest event", err)
	}
	if !found {
		return nil, nil
	}
	evt := model.EventFromDocument(eventID, doc)
	return &evt, nil
}

// History returns all events of a request, oldest first.
func (e *Engine) History(ctx context.Context, id string) ([]model.WorkflowEvent, error) {
	if _, err := e.store.GetDocument(ctx, model.CollectionRequests, id); err != nil {
		return nil, storeError("load request", err)
	}
	children, err := e.store.ListChildren(ctx, model.CollectionRequests, id, model.ChildEvents, model.EventDate)
	if err != nil {
		return nil, storeError("list events", err)
	}
	events := make([]model.WorkflowEvent, 0, len(children))
	for _, c := range children {
		events = append(events, model.EventFromDocument(c.ID, c.Doc))
	}
	return events, nil
}

// UpdateUserPhone stores a user's phone number with whitespace removed.
func (e *Engine) UpdateUserPhone(ctx context.Context, uid, phone string) error {
	phone = strings.Join(strings.Fields(phone), "")
	if phone == "" {
		return model.NewValidationError([]model.FieldError{{
			Field: "phone", Code: "REQUIRED", Message: "phone is required",
		}})
	}
	if err := e.store.UpdateFields(ctx, model.CollectionUsers, uid, map[string]any{"phone": phone}); err != nil {
		return storeError("update user", err)
	}
	return nil
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
