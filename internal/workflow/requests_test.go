package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/solicitudes/internal/counter"
	"github.com/pitabwire/solicitudes/model"
)

func validInput() model.NewRequest {
	return model.NewRequest{
		Title:       "Levantamiento de planta",
		Start:       time.Date(2024, 4, 2, 13, 0, 0, 0, time.UTC),
		Plant:       "Concentradora",
		Area:        "Molienda",
		Objective:   "Actualizar planos",
		Description: "Levantamiento de la línea 2",
		Receiver:    []string{"jefe@example.com"},
		OTRequired:  true,
	}
}

func TestCreateRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	petitioner := model.Actor{UID: "u-1", Email: "p@example.com", DisplayName: "Pía", Role: model.RoleContractOperator}

	first, err := f.engine.CreateRequest(ctx, validInput(), petitioner)
	require.NoError(t, err)
	second, err := f.engine.CreateRequest(ctx, validInput(), petitioner)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.RequestNumber)
	assert.Equal(t, int64(2), second.RequestNumber)
	assert.Equal(t, model.State(2), first.State)
	assert.Equal(t, "u-1", first.OwnerUID)
	assert.True(t, first.CreatedAt.Equal(fixedNow))
	assert.True(t, first.OTRequired)

	doc := f.doc(t, first.ID)
	assert.Equal(t, 2, doc[model.FieldOwnerRole])
	assert.Equal(t, []any{"jefe@example.com"}, doc[model.FieldReceiver])
	assert.False(t, doc.Has(model.FieldEnd))

	require.Len(t, f.notifier.requests, 2)
	assert.Equal(t, first.ID, f.notifier.requests[0].RequestID)
	assert.Equal(t, []string{"jefe@example.com"}, f.notifier.requests[0].Receivers)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RequestsCreatedTotal))
}

func TestCreateRequest_invalidInputAllocatesNothing(t *testing.T) {
	f := newFixture(t)
	input := validInput()
	input.Title = ""
	input.Receiver = []string{"not-an-email"}

	_, err := f.engine.CreateRequest(context.Background(), input, actorWithRole(model.RoleContractOperator))
	require.Error(t, err)

	ee, ok := model.AsEnvelope(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrValidationError, ee.Code)
	assert.Len(t, ee.Details, 2)
	assert.Equal(t, int64(0), f.store.Counter(counter.RequestCounter))
	assert.Empty(t, f.notifier.requests)
}

func TestGetDocumentAndOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "r1", model.Document{model.FieldState: 4})
	require.NoError(t, f.store.SetDocument(ctx, model.CollectionUsers, "owner-1", model.Document{
		"name": "Olga", "email": "olga@example.com", "role": 3,
	}))

	got, err := f.engine.GetDocumentAndOwner(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.Request.ID)
	assert.Equal(t, "olga@example.com", got.Owner.Email)
	assert.Equal(t, model.Role(2), got.PreviousRole)
}

func TestGetDocumentAndOwner_missingOwner(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{})

	_, err := f.engine.GetDocumentAndOwner(context.Background(), "r1")
	assert.True(t, model.HasCode(err, model.ErrNotFound), "err = %v", err)
}

func TestGetRequest_notFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GetRequest(context.Background(), "nope")
	assert.True(t, model.HasCode(err, model.ErrNotFound))
}

func TestLatestEvent_noEvents(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{})

	evt, err := f.engine.LatestEvent(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, evt)

	_, err = f.engine.LatestEvent(context.Background(), "nope")
	assert.True(t, model.HasCode(err, model.ErrNotFound))
}

func TestHistory_ordered(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", model.Document{})
	for _, h := range []int{3, 1, 2} {
		f.seedEvent(t, "r1", model.WorkflowEvent{
			NewState: model.State(h),
			Date:     fixedNow.Add(time.Duration(h) * time.Hour),
		})
	}

	history, err := f.engine.History(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, want := range []model.State{1, 2, 3} {
		assert.Equal(t, want, history[i].NewState)
		assert.NotEmpty(t, history[i].ID)
	}
}

func TestUpdateUserPhone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetDocument(ctx, model.CollectionUsers, "u-1", model.Document{"name": "Ana"}))

	require.NoError(t, f.engine.UpdateUserPhone(ctx, "u-1", "+56 9 1234 5678"))
	doc, err := f.store.GetDocument(ctx, model.CollectionUsers, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "+56912345678", doc["phone"])

	err = f.engine.UpdateUserPhone(ctx, "u-1", "   ")
	assert.True(t, model.HasCode(err, model.ErrValidationError))

	err = f.engine.UpdateUserPhone(ctx, "ghost", "123")
	assert.True(t, model.HasCode(err, model.ErrNotFound))
}
