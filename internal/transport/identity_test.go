package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/model"
)

// serveIdentity runs claims through Identity and returns the status and the
// caller the handler saw, if it was reached.
func serveIdentity(t *testing.T, paths map[string]string, logger *zap.Logger, claims map[string]any, probe func(*http.Request)) (int, *model.RequestContext) {
	t.Helper()
	var caller *model.RequestContext
	h := Identity(paths, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = model.RequestContextFrom(r.Context())
		if probe != nil {
			probe(r)
		}
	}))

	var status int
	Correlate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r.WithContext(WithClaims(r.Context(), claims)))
		status = rec.Code
	})).ServeHTTP(httptest.NewRecorder(), func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/requests/r1", nil)
		req.Header.Set(HeaderCorrelationID, "corr-1")
		return req
	}())
	return status, caller
}

func TestIdentity_defaultClaims(t *testing.T) {
	status, caller := serveIdentity(t, nil, zap.NewNop(), map[string]any{
		"sub":         "user-42",
		"email":       "carla@example.com",
		"name":        " Carla Contreras ",
		"role":        float64(6),
		"engineering": true,
	}, nil)

	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, caller)
	assert.Equal(t, model.RequestContext{
		SubjectID:     "user-42",
		Email:         "carla@example.com",
		DisplayName:   "Carla Contreras",
		Role:          model.RoleContractAdmin,
		Engineering:   true,
		CorrelationID: "corr-1",
	}, *caller)
}

func TestIdentity_nestedClaimPaths(t *testing.T) {
	paths := map[string]string{
		"subject_id":  "uid",
		"role":        "app.role",
		"engineering": "app.flags.engineering",
	}
	status, caller := serveIdentity(t, paths, zap.NewNop(), map[string]any{
		"sub": "ignored",
		"uid": "user-99",
		"app": map[string]any{
			"role":  "2",
			"flags": map[string]any{"engineering": "si"},
		},
	}, nil)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "user-99", caller.SubjectID)
	assert.Equal(t, model.RoleContractOperator, caller.Role)
	assert.Equal(t, model.Truthy("si"), caller.Engineering)
}

func TestIdentity_rejects(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		want   int
	}{
		{"no claims", nil, http.StatusUnauthorized},
		{"no subject", map[string]any{"role": float64(5)}, http.StatusUnauthorized},
		{"blank subject", map[string]any{"sub": "  ", "role": float64(5)}, http.StatusUnauthorized},
		{"no role", map[string]any{"sub": "u"}, http.StatusForbidden},
		{"unknown role", map[string]any{"sub": "u", "role": float64(42)}, http.StatusForbidden},
		{"fractional role", map[string]any{"sub": "u", "role": 5.5}, http.StatusForbidden},
		{"named role", map[string]any{"sub": "u", "role": "planner"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, caller := serveIdentity(t, nil, zap.NewNop(), tt.claims, nil)
			assert.Equal(t, tt.want, status)
			assert.Nil(t, caller)
		})
	}
}

func TestIdentity_requestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	status, _ := serveIdentity(t, nil, zap.New(core), map[string]any{"sub": "user-7", "role": float64(7)}, func(r *http.Request) {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Info("inside")
	})
	require.Equal(t, http.StatusOK, status)

	entries := logs.FilterMessage("inside").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "user-7", fields["subject_id"])
	assert.Equal(t, int64(7), fields["role"])
	assert.Equal(t, "corr-1", fields["correlation_id"])
}

func TestClaimAt(t *testing.T) {
	claims := map[string]any{
		"sub":     "user-1",
		"profile": map[string]any{"role": float64(6), "tags": []any{"a"}},
	}
	assert.Equal(t, "user-1", claimAt(claims, "sub"))
	assert.Equal(t, float64(6), claimAt(claims, "profile.role"))
	assert.Nil(t, claimAt(claims, "profile.tags.0"))
	assert.Nil(t, claimAt(claims, "missing.path"))
	assert.Nil(t, claimAt(claims, ""))
	assert.Nil(t, claimAt(nil, "sub"))
	assert.Equal(t, "", claimString(claims, "profile"))
}

func TestClaimRole(t *testing.T) {
	tests := []struct {
		raw  any
		want model.Role
	}{
		{float64(5), model.RolePlanner},
		{2, model.RoleContractOperator},
		{"7", model.RoleSupervisor},
		{" 3 ", model.Role(3)},
		{"admin", 0},
		{true, 0},
		{nil, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, claimRole(tt.raw), "%#v", tt.raw)
	}
}
