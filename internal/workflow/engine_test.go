package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/solicitudes/internal/approval"
	"github.com/pitabwire/solicitudes/internal/counter"
	"github.com/pitabwire/solicitudes/internal/notify"
	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/internal/store"
	"github.com/pitabwire/solicitudes/model"
)

var fixedNow = time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	changes  []notify.StateChange
	requests []notify.NewRequestNotice
	err      error
}

func (r *recordingNotifier) NotifyStateChange(_ context.Context, c notify.StateChange) error {
	r.changes = append(r.changes, c)
	return r.err
}

func (r *recordingNotifier) NotifyNewRequest(_ context.Context, n notify.NewRequestNotice) error {
	r.requests = append(r.requests, n)
	return r.err
}

type fixture struct {
	engine   *Engine
	store    *store.MemoryStore
	notifier *recordingNotifier
	metrics  *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, ms *store.MemoryStore, wrap ...func(store.Store) store.Store) *fixture {
	t.Helper()
	var s store.Store = ms
	for _, w := range wrap {
		s = w(s)
	}
	n := &recordingNotifier{}
	m := observability.NewMetrics(prometheus.NewRegistry())
	e := NewEngine(s, counter.NewService(s), n,
		WithMetrics(m),
		WithClock(func() time.Time { return fixedNow }),
	)
	return &fixture{engine: e, store: ms, notifier: n, metrics: m}
}

func (f *fixture) seed(t *testing.T, id string, doc model.Document) {
	t.Helper()
	base := model.Document{
		model.FieldTitle:    "Cambio de bomba",
		model.FieldOwnerUID: "owner-1",
		model.FieldStart:    time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
	}
	for k, v := range doc {
		base[k] = v
	}
	require.NoError(t, f.store.SetDocument(context.Background(), model.CollectionRequests, id, base))
}

func (f *fixture) seedEvent(t *testing.T, id string, evt model.WorkflowEvent) {
	t.Helper()
	_, err := f.store.AppendChild(context.Background(), model.CollectionRequests, id, model.ChildEvents, evt.Document())
	require.NoError(t, err)
}

func (f *fixture) doc(t *testing.T, id string) model.Document {
	t.Helper()
	doc, err := f.store.GetDocument(context.Background(), model.CollectionRequests, id)
	require.NoError(t, err)
	return doc
}

func actorWithRole(r model.Role) model.Actor {
	return model.Actor{UID: "u-actor", Email: "actor@example.com", DisplayName: "Actor", Role: r}
}

func TestSubmitApproval_rejectShortCircuits(t *testing.T) {
	f := newFixture(t)
	// Conditions for both OT (role 5, ot flag) would match on approval.
	f.seed(t, "r1", model.Document{model.FieldState: 5, model.FieldOTRequired: true})

	tr, err := f.engine.SubmitApproval(context.Background(), "r1", approval.Reject(), actorWithRole(model.RolePlanner))
	require.NoError(t, err)

	assert.Equal(t, model.StateRejected, tr.NewState)
	assert.True(t, tr.Persisted)

	doc := f.doc(t, "r1")
	assert.Equal(t, 10, doc[model.FieldState])
	assert.Equal(t, false, doc[model.FieldHours])
	assert.False(t, doc.Has(model.FieldOT), "reject must not allocate an OT")
	assert.False(t, doc.Has(model.FieldSupervisorShift))
	assert.Equal(t, int64(0), f.store.Counter(counter.OTCounter))
}

func TestSubmitApproval_rejectSkipsShift(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{model.FieldState: 6})

	_, err := f.engine.SubmitApproval(context.Background(), "r1", approval.Reject(), actorWithRole(model.RoleContractOwner))
	require.NoError(t, err)
	assert.False(t, f.doc(t, "r1").Has(model.FieldSupervisorShift))
}

func TestSubmitApproval_plannerAssignsOTOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{model.FieldState: 5, model.FieldOTRequired: true})
	f.seed(t, "r2", model.Document{model.FieldState: 5, model.FieldOTRequired: true})
	ctx := context.Background()
	planner := actorWithRole(model.RolePlanner)

	_, err := f.engine.SubmitApproval(ctx, "r1", approval.Accept(), planner)
	require.NoError(t, err)
	_, err = f.engine.SubmitApproval(ctx, "r2", approval.Accept(), planner)
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.doc(t, "r1")[model.FieldOT])
	assert.Equal(t, int64(2), f.doc(t, "r2")[model.FieldOT])

	// A second planner approval keeps the existing number.
	_, err = f.engine.SubmitApproval(ctx, "r1", approval.Accept(), planner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.doc(t, "r1")[model.FieldOT])
	assert.Equal(t, int64(2), f.store.Counter(counter.OTCounter))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CounterAllocationsTotal.WithLabelValues(counter.OTCounter)))
}

func TestSubmitApproval_plannerWithoutOTFlag(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{model.FieldState: 5})

	_, err := f.engine.SubmitApproval(context.Background(), "r1", approval.Accept(), actorWithRole(model.RolePlanner))
	require.NoError(t, err)
	assert.False(t, f.doc(t, "r1").Has(model.FieldOT))
}

func TestSubmitApproval_supervisorShift(t *testing.T) {
	tests := []struct {
		name      string
		role      model.Role
		state     int
		start     time.Time
		wantShift string
	}{
		// 2024-01-08 is ISO week 2, 2024-01-01 is ISO week 1.
		{"contadmin fallthrough even week", model.RoleContractAdmin, 6, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), "A"},
		{"contadmin fallthrough odd week", model.RoleContractAdmin, 6, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), "B"},
		{"contop on contadmin state", model.RoleContractOperator, 7, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), "A"},
		{"contowner on contadmin state", model.RoleContractOwner, 6, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), "B"},
		{"contowner before contadmin", model.RoleContractOwner, 4, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), ""},
		{"contop before contadmin", model.RoleContractOperator, 5, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "r1", model.Document{model.FieldState: tt.state, model.FieldStart: tt.start})

			_, err := f.engine.SubmitApproval(context.Background(), "r1", approval.Accept(), actorWithRole(tt.role))
			require.NoError(t, err)

			doc := f.doc(t, "r1")
			if tt.wantShift == "" {
				assert.False(t, doc.Has(model.FieldSupervisorShift))
				return
			}
			assert.Equal(t, tt.wantShift, doc[model.FieldSupervisorShift])
		})
	}
}

func TestSubmitApproval_shiftSetOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{
		model.FieldState:           6,
		model.FieldSupervisorShift: "B",
		model.FieldStart:           time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
	})

	tr, err := f.engine.SubmitApproval(context.Background(), "r1", approval.Accept(), actorWithRole(model.RoleContractAdmin))
	require.NoError(t, err)
	assert.NotContains(t, tr.Changed, model.FieldSupervisorShift)
	assert.Equal(t, "B", f.doc(t, "r1")[model.FieldSupervisorShift])
}

func TestSubmitApproval_fieldEdits(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{model.FieldState: 6, model.FieldArea: "Chancado"})

	edits := model.Document{
		model.FieldArea:  "Molienda",
		model.FieldTitle: "Cambio de bomba",
		"detention":      "yes",
	}
	tr, err := f.engine.SubmitApproval(context.Background(), "r1", approval.FieldEdits(edits), actorWithRole(model.RoleContractAdmin))
	require.NoError(t, err)

	assert.Equal(t, model.StateReturnedPetitioner, tr.NewState)
	assert.Equal(t, "contadmin_edits", tr.Rule)
	assert.Equal(t, "Molienda", tr.Changed[model.FieldArea])
	assert.Equal(t, "yes", tr.Changed["detention"])
	assert.NotContains(t, tr.Changed, model.FieldTitle)
	assert.NotContains(t, tr.Changed, model.FieldHours)

	latest, err := f.engine.LatestEvent(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "Chancado", latest.PrevDoc[model.FieldArea])
	assert.Equal(t, model.PriorAbsent, latest.PrevDoc["detention"])
	assert.Equal(t, "Cambio de bomba", latest.PrevDoc[model.FieldTitle])
	assert.Equal(t, model.State(6), latest.PrevState)
	assert.Equal(t, "actor@example.com", latest.User)
	assert.True(t, latest.Date.Equal(fixedNow))
}

func TestSubmitApproval_readOnlyEditsRejectedBeforeStoreAccess(t *testing.T) {
	tests := []struct {
		name  string
		edits model.Document
		field string
	}{
		{"clear OT", model.Document{model.FieldOT: nil}, "approves.OT"},
		{"overwrite OT", model.Document{model.FieldOT: 99, model.FieldArea: "Molienda"}, "approves.OT"},
		{"clear shift", model.Document{model.FieldSupervisorShift: ""}, "approves.supervisorShift"},
		{"duplicate request number", model.Document{model.FieldRequestNumber: 1}, "approves.n_request"},
		{"force state", model.Document{model.FieldState: 1}, "approves.state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counting := &countingStore{}
			f := newFixtureWithStore(t, store.NewMemoryStore(), func(s store.Store) store.Store {
				counting.Store = s
				return counting
			})
			f.seed(t, "r1", model.Document{
				model.FieldState:           6,
				model.FieldOT:              41,
				model.FieldOTRequired:      true,
				model.FieldRequestNumber:   7,
				model.FieldSupervisorShift: "A",
				model.FieldArea:            "Chancado",
			})

			_, err := f.engine.SubmitApproval(context.Background(), "r1", approval.FieldEdits(tt.edits), actorWithRole(model.RoleContractAdmin))

			require.Error(t, err)
			ee, ok := model.AsEnvelope(err)
			require.True(t, ok)
			assert.Equal(t, model.ErrValidationError, ee.Code)
			require.Len(t, ee.Details, 1)
			assert.Equal(t, tt.field, ee.Details[0].Field)
			assert.Zero(t, counting.calls, "no store access")

			doc := f.doc(t, "r1")
			assert.Equal(t, 41, doc[model.FieldOT])
			assert.Equal(t, 7, doc[model.FieldRequestNumber])
			assert.Equal(t, "A", doc[model.FieldSupervisorShift])
			assert.Equal(t, 6, doc[model.FieldState])
			assert.Equal(t, "Chancado", doc[model.FieldArea])
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ApprovalFailuresTotal.WithLabelValues(model.ErrValidationError)))
		})
	}
}

func TestSubmitApproval_plannerEditsKeepAllocatedOT(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{model.FieldState: 5, model.FieldOTRequired: true})
	planner := actorWithRole(model.RolePlanner)

	tr, err := f.engine.SubmitApproval(context.Background(), "r1", approval.FieldEdits(model.Document{model.FieldArea: "Molienda"}), planner)
	require.NoError(t, err)
	require.True(t, tr.Persisted)
	first := f.doc(t, "r1")[model.FieldOT]
	require.NotNil(t, first)

	_, err = f.engine.SubmitApproval(context.Background(), "r1", approval.FieldEdits(model.Document{model.FieldOT: nil}), planner)
	require.Error(t, err)

	_, err = f.engine.SubmitApproval(context.Background(), "r1", approval.Accept(), planner)
	require.NoError(t, err)
	assert.Equal(t, first, f.doc(t, "r1")[model.FieldOT])
	assert.Equal(t, int64(1), f.store.Counter(counter.OTCounter), "one OT per request")
}

func TestSubmitApproval_catchAllFields(t *testing.T) {
	tests := []struct {
		name   string
		action approval.Action
		key    string
	}{
		{"accept", approval.Accept(), model.FieldHours},
		{"return reason", approval.ReturnReason("falta plano"), model.FieldHours},
		{"draftman list", approval.DraftmanList([]any{"d-1", "d-2"}), model.FieldDraftmen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "r1", model.Document{model.FieldState: 7})

			_, err := f.engine.SubmitApproval(context.Background(), "r1", tt.action, actorWithRole(model.RoleSupervisor))
			require.NoError(t, err)
			assert.Equal(t, tt.action.Raw(), f.doc(t, "r1")[tt.key])
		})
	}
}

func TestSubmitApproval_returnsViaLatestEvent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{model.FieldState: 0})
	f.seedEvent(t, "r1", model.WorkflowEvent{
		PrevState: model.StatePlanner, NewState: model.StateReturnedPetitioner,
		Date: fixedNow.Add(-time.Hour),
	})

	tr, err := f.engine.SubmitApproval(context.Background(), "r1", approval.Accept(), actorWithRole(model.RoleContractOperator))
	require.NoError(t, err)
	assert.Equal(t, model.StateContAdmin, tr.NewState)
	assert.Equal(t, "petitioner_accepts_planner_return", tr.Rule)
}

func TestSubmitApproval_notifiesOwner(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{model.FieldState: 2})

	_, err := f.engine.SubmitApproval(context.Background(), "r1", approval.Accept(), actorWithRole(model.RoleContractOwner))
	require.NoError(t, err)

	require.Len(t, f.notifier.changes, 1)
	c := f.notifier.changes[0]
	assert.Equal(t, "owner-1", c.OwnerID)
	assert.Equal(t, "r1", c.RequestID)
	assert.Equal(t, model.State(2), c.PrevState)
	assert.Equal(t, model.State(3), c.NewState)
}

func TestSubmitApproval_notificationFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("queue unavailable")
	f.seed(t, "r1", model.Document{model.FieldState: 2})

	tr, err := f.engine.SubmitApproval(context.Background(), "r1", approval.Accept(), actorWithRole(model.RoleContractOwner))
	require.NoError(t, err)
	assert.True(t, tr.Persisted)
	assert.Equal(t, 3, f.doc(t, "r1")[model.FieldState])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.NotificationFailuresTotal.WithLabelValues(notify.KindStateChange)))
}

func TestSubmitApproval_notFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SubmitApproval(context.Background(), "missing", approval.Accept(), actorWithRole(model.RolePlanner))
	assert.True(t, model.HasCode(err, model.ErrNotFound), "err = %v", err)
	assert.Empty(t, f.notifier.changes)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ApprovalFailuresTotal.WithLabelValues(model.ErrNotFound)))
}

// countingStore counts the reads and writes the engine issues.
type countingStore struct {
	store.Store
	calls int
}

func (c *countingStore) GetDocument(ctx context.Context, collection, id string) (model.Document, error) {
	c.calls++
	return c.Store.GetDocument(ctx, collection, id)
}

func (c *countingStore) QueryLatest(ctx context.Context, collection, parentID, child, orderKey string) (model.Document, string, bool, error) {
	c.calls++
	return c.Store.QueryLatest(ctx, collection, parentID, child, orderKey)
}

func (c *countingStore) Transact(ctx context.Context, key string, fn store.CounterFunc) (int64, error) {
	c.calls++
	return c.Store.Transact(ctx, key, fn)
}

func (c *countingStore) UpdateFields(ctx context.Context, collection, id string, fields map[string]any) error {
	c.calls++
	return c.Store.UpdateFields(ctx, collection, id, fields)
}

type failingUpdates struct {
	store.Store
}

func (failingUpdates) UpdateFields(context.Context, string, string, map[string]any) error {
	return errors.New("connection reset")
}

func TestSubmitApproval_storeFailureIsTransient(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixtureWithStore(t, ms, func(s store.Store) store.Store { return failingUpdates{s} })
	f.seed(t, "r1", model.Document{model.FieldState: 2})

	_, err := f.engine.SubmitApproval(context.Background(), "r1", approval.Accept(), actorWithRole(model.RoleContractOwner))
	require.Error(t, err)
	ee, ok := model.AsEnvelope(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrTransientStore, ee.Code)
	assert.True(t, ee.Retryable())
	assert.Equal(t, 0, ms.ChildCount(model.CollectionRequests, "r1", model.ChildEvents))
	assert.Empty(t, f.notifier.changes)
}

func TestPersist_emptyFieldsIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{model.FieldState: 5})

	id, persisted, err := f.engine.persist(context.Background(), "r1", map[string]any{}, model.WorkflowEvent{})
	require.NoError(t, err)
	assert.False(t, persisted)
	assert.Empty(t, id)
	assert.Equal(t, 0, f.store.ChildCount(model.CollectionRequests, "r1", model.ChildEvents))
	assert.Equal(t, 5, f.doc(t, "r1")[model.FieldState])
}

func TestSubmitApproval_appendsOneEventPerTransition(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{model.FieldState: 2})
	ctx := context.Background()

	_, err := f.engine.SubmitApproval(ctx, "r1", approval.Accept(), actorWithRole(model.RoleContractOwner))
	require.NoError(t, err)
	_, err = f.engine.SubmitApproval(ctx, "r1", approval.Accept(), actorWithRole(model.RolePlannerPredecessor))
	require.NoError(t, err)

	history, err := f.engine.History(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.State(3), history[0].NewState)
	assert.Equal(t, model.State(4), history[1].NewState)
}
