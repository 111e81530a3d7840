// Package workflow drives work requests through the approval chain.
//
// The Engine loads a request and its latest event, asks the approval rules
// for the next state, runs the change detector on field edits, applies the
// shift and OT side effects, persists the merged fields with an audit event
// and finally notifies the owner. Everything before the write is required;
// the notification is best-effort.
package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/solicitudes/internal/approval"
	"github.com/pitabwire/solicitudes/internal/changes"
	"github.com/pitabwire/solicitudes/internal/counter"
	"github.com/pitabwire/solicitudes/internal/notify"
	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/internal/store"
	"github.com/pitabwire/solicitudes/model"
)

// Engine orchestrates approval submissions and request lifecycle.
type Engine struct {
	store    store.Store
	counters *counter.Service
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	location *time.Location
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records approval and notification metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLocation sets the zone in which the ISO week of a request's start is
// computed for the supervisor shift.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.location = loc }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a workflow engine.
func NewEngine(s store.Store, counters *counter.Service, notifier notify.Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		counters: counters,
		notifier: notifier,
		logger:   zap.NewNop(),
		location: time.UTC,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitApproval applies an approval action by actor to the request.
func (e *Engine) SubmitApproval(ctx context.Context, requestID string, action approval.Action, actor model.Actor) (model.Transition, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.submit_approval",
		observability.AttrRequestID.String(requestID),
		observability.AttrRole.Int(int(actor.Role)),
		observability.AttrActionKind.String(action.Kind.String()),
	)
	defer span.End()
	logger := observability.RequestLogger(ctx, e.logger).With(zap.String("request_id", requestID))

	t, err := e.submit(ctx, requestID, action, actor, logger)
	if err != nil {
		observability.EndSpanWithError(span, err)
		e.metrics.RecordApprovalFailure(errorCode(err))
		return model.Transition{}, err
	}

	span.SetAttributes(
		observability.AttrPrevState.Int(int(t.PrevState)),
		observability.AttrNewState.Int(int(t.NewState)),
		observability.AttrRule.String(t.Rule),
	)
	if t.Persisted {
		e.metrics.RecordApproval(int(actor.Role), action.Kind.String(), int(t.NewState), time.Since(start))
	} else {
		e.metrics.RecordApprovalNoop()
	}
	return t, nil
}

func (e *Engine) submit(ctx context.Context, requestID string, action approval.Action, actor model.Actor, logger *zap.Logger) (model.Transition, error) {
	if err := action.Validate(); err != nil {
		return model.Transition{}, err
	}

	// 1. Load the request and its latest event.
	doc, latest, err := e.loadRequest(ctx, requestID)
	if err != nil {
		return model.Transition{}, err
	}
	prevState := model.RequestState(doc)

	// 2-3. Classify and compute the next state.
	fieldEdits := action.Kind == approval.KindFieldEdits
	newState, rule := model.StateRejected, "rejected"
	if action.Approves() {
		newState, rule = approval.Evaluate(actor.Role, action, latest)
	}

	// 4. Change detection on the field-edit path.
	var detected changes.Result
	if fieldEdits {
		detected = changes.Detect(action.Edits, doc)
	}

	fields := make(map[string]any)

	// 5. Side effects. A rejection never assigns OT or shift.
	if action.Approves() {
		if e.otEligible(actor.Role, doc) {
			ot, err := e.counters.NextValue(ctx, counter.OTCounter)
			if err != nil {
				return model.Transition{}, err
			}
			e.metrics.RecordCounterAllocation(counter.OTCounter)
			fields[model.FieldOT] = ot
		}
		if shift, ok := e.shiftFor(actor.Role, prevState, newState, doc); ok {
			fields[model.FieldSupervisorShift] = shift
		}
	}

	// 6. Merge: catch-all, then detected changes, then state.
	if !fieldEdits && action.Raw() != nil {
		key := model.FieldHours
		if action.Kind == approval.KindDraftmanList {
			key = model.FieldDraftmen
		}
		fields[key] = action.Raw()
	}
	for k, v := range detected.Changed {
		fields[k] = v
	}
	fields[model.FieldState] = int(newState)

	t := model.Transition{
		RequestID: requestID,
		PrevState: prevState,
		NewState:  newState,
		Rule:      rule,
		Changed:   fields,
	}

	// 7. Persist and notify.
	evt := model.WorkflowEvent{
		PrevDoc:   detected.Prior,
		PrevState: prevState,
		NewState:  newState,
		User:      actor.Email,
		UserName:  actor.DisplayName,
		Date:      e.now().UTC(),
	}
	eventID, persisted, err := e.persist(ctx, requestID, fields, evt)
	if err != nil {
		return model.Transition{}, err
	}
	if !persisted {
		logger.Info("approval produced no changes")
		return t, nil
	}
	t.EventID = eventID
	t.Persisted = true

	logger.Info("request transitioned",
		zap.Int("prev_state", int(prevState)),
		zap.Int("new_state", int(newState)),
		zap.String("rule", rule),
		zap.String("action", action.Kind.String()),
		zap.Int("fields", len(fields)),
	)

	e.notifyStateChange(ctx, logger, notify.StateChange{
		Actor:     actor,
		PrevState: prevState,
		NewState:  newState,
		OwnerID:   doc.String(model.FieldOwnerUID),
		RequestID: requestID,
	})
	return t, nil
}

// loadRequest reads the request document and its latest event.
func (e *Engine) loadRequest(ctx context.Context, requestID string) (model.Document, *model.WorkflowEvent, error) {
	ctx, span := observability.StartSpan(ctx, "store.load_request",
		observability.AttrCollection.String(model.CollectionRequests),
	)
	defer span.End()

	doc, err := e.store.GetDocument(ctx, model.CollectionRequests, requestID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return nil, nil, storeError("load request", err)
	}
	latest, err := e.latestEvent(ctx, requestID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return nil, nil, err
	}
	return doc, latest, nil
}

// persist writes fields and appends evt. An empty field map writes nothing
// and creates no event.
func (e *Engine) persist(ctx context.Context, requestID string, fields map[string]any, evt model.WorkflowEvent) (string, bool, error) {
	if len(fields) == 0 {
		return "", false, nil
	}

	ctx, span := observability.StartSpan(ctx, "store.persist_transition",
		observability.AttrRequestID.String(requestID),
	)
	defer span.End()

	if err := e.store.UpdateFields(ctx, model.CollectionRequests, requestID, fields); err != nil {
		observability.EndSpanWithError(span, err)
		return "", false, storeError("update request", err)
	}
	id, err := e.store.AppendChild(ctx, model.CollectionRequests, requestID, model.ChildEvents, evt.Document())
	if err != nil {
		// The request is updated but has no audit event.
		observability.EndSpanWithError(span, err)
		observability.LoggerFrom(ctx, e.logger).Error("transition persisted without event",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return "", false, storeError("append event", err)
	}
	return id, true, nil
}

// otEligible reports whether a planner approval should allocate an OT
// number. A request that already has one keeps it.
func (e *Engine) otEligible(role model.Role, doc model.Document) bool {
	return role == model.RolePlanner &&
		doc.Truthy(model.FieldOTRequired) &&
		!doc.Has(model.FieldOT)
}

// shiftFor returns the supervisor shift to assign, if any. The shift is set
// once and needs the request's start date.
func (e *Engine) shiftFor(role model.Role, current, next model.State, doc model.Document) (string, bool) {
	eligible := (role == model.RoleContractOperator && current >= model.StateContAdmin) ||
		(role == model.RoleContractOwner && current == model.StateContAdmin) ||
		(role == model.RoleContractAdmin && next == model.StateContAdmin)
	if !eligible || doc.Truthy(model.FieldSupervisorShift) {
		return "", false
	}
	start, ok := doc.Time(model.FieldStart)
	if !ok {
		return "", false
	}
	_, week := start.In(e.location).ISOWeek()
	return approval.SupervisorShift(week), true
}

func (e *Engine) notifyStateChange(ctx context.Context, logger *zap.Logger, change notify.StateChange) {
	ctx, span := observability.StartSpan(ctx, "notify.state_change")
	defer span.End()

	if err := e.notifier.NotifyStateChange(ctx, change); err != nil {
		nerr := model.NewNotificationError("state change notification failed", err)
		observability.EndSpanWithError(span, nerr)
		logger.Warn("notification failed", zap.String("kind", notify.KindStateChange), zap.Error(nerr))
		e.metrics.RecordNotificationFailure(notify.KindStateChange)
	}
}

// storeError passes envelope errors through and maps anything else to a
// retryable TRANSIENT_STORE_ERROR.
func storeError(op string, err error) error {
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	return model.NewTransientStoreError(op, err)
}

func errorCode(err error) string {
	if ee, ok := model.AsEnvelope(err); ok {
		return ee.Code
	}
	return model.ErrInternalError
}
