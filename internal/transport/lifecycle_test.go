package transport

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/solicitudes/internal/calendar"
	"github.com/pitabwire/solicitudes/internal/counter"
	"github.com/pitabwire/solicitudes/internal/idempotency"
	"github.com/pitabwire/solicitudes/internal/notify"
	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/internal/store"
	"github.com/pitabwire/solicitudes/internal/workflow"
	"github.com/pitabwire/solicitudes/model"
)

// liveServer is a fully wired instance behind real JWT verification.
type liveServer struct {
	t     *testing.T
	srv   *httptest.Server
	key   *rsa.PrivateKey
	store *store.MemoryStore
}

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()
	key := generateRSAKey(t)
	jwks := startJWKSServer(t, rsaKeyToJWK("test-key", &key.PublicKey))

	ms := store.NewMemoryStore()
	m := observability.NewMetrics(prometheus.NewRegistry())

	// Each call advances one minute so event ordering is deterministic.
	var ticks atomic.Int64
	base := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Minute) }

	engine := workflow.NewEngine(ms, counter.NewService(ms), notify.NewLogNotifier(nil),
		workflow.WithMetrics(m),
		workflow.WithClock(clock),
	)

	deps := testDeps()
	deps.Config.Identity = testIdentityCfg()
	deps.Metrics = m
	deps.Authenticate = JWTAuthenticator(deps.Config.Identity, NewJWKSClient(jwks.URL, time.Hour, nil), nil)
	deps.Engine = engine
	deps.Calendar = calendar.NewService(ms, time.UTC, m, nil)
	deps.Idempotency = ApprovalIdempotency{Store: idempotency.NewMemoryStore(), TTL: time.Hour}
	deps.Readiness = observability.ReadinessChecks{Store: ms}

	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return &liveServer{t: t, srv: srv, key: key, store: ms}
}

func (s *liveServer) token(role model.Role, sub string) string {
	claims := validClaims()
	claims["sub"] = sub
	claims["email"] = sub + "@example.com"
	claims["role"] = int(role)
	return signJWT(s.t, s.key, jwt.SigningMethodRS256, "test-key", claims)
}

func (s *liveServer) call(method, path, token string, body any, out any) int {
	s.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(s.t, err)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, bytes.NewReader(payload))
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.srv.Client().Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *liveServer) approve(id string, role model.Role, approves any) model.Transition {
	s.t.Helper()
	var tr model.Transition
	status := s.call("POST", "/api/requests/"+id+"/approval", s.token(role, fmt.Sprintf("role-%d", role)), map[string]any{"approves": approves}, &tr)
	require.Equal(s.t, http.StatusOK, status, "role %d approval", role)
	return tr
}

func TestLifecycle_fullApprovalChain(t *testing.T) {
	s := newLiveServer(t)

	// 1. A contract operator submits a request that needs a work order.
	var created model.WorkRequest
	status := s.call("POST", "/api/requests", s.token(model.RoleContractOperator, "contop"), map[string]any{
		"title":       "Cambio de bomba",
		"start":       "2024-04-02T09:00:00Z",
		"plant":       "Planta Norte",
		"area":        "Chancado",
		"objective":   "Mantención correctiva",
		"description": "Bomba con vibración",
		"ot":          true,
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, model.State(2), created.State)
	id := created.ID

	// 2. The contract owner accepts; no rule matches so the role code wins.
	tr := s.approve(id, model.RoleContractOwner, true)
	assert.Equal(t, model.State(3), tr.NewState)

	// 3. The planner's predecessor edits the area and sends it back.
	tr = s.approve(id, model.RolePlannerPredecessor, map[string]any{"area": "Molienda"})
	assert.Equal(t, model.StateReturnedPetitioner, tr.NewState)
	assert.Equal(t, "Molienda", tr.Changed[model.FieldArea])

	// 4. The planner accepts and a work order number is allocated.
	tr = s.approve(id, model.RolePlanner, true)
	assert.Equal(t, model.StatePlanner, tr.NewState)

	// 5. The contract administrator accepts; the supervisor shift is fixed.
	tr = s.approve(id, model.RoleContractAdmin, true)
	assert.Equal(t, model.StateContAdmin, tr.NewState)

	// 6. The supervisor returns it with a reason.
	tr = s.approve(id, model.RoleSupervisor, "Falta permiso de trabajo")
	assert.Equal(t, model.StateReturnedPetitioner, tr.NewState)

	// 7. Finally the operator withdraws it.
	tr = s.approve(id, model.RoleContractOperator, false)
	assert.Equal(t, model.StateRejected, tr.NewState)

	var req model.WorkRequest
	require.Equal(t, http.StatusOK, s.call("GET", "/api/requests/"+id, s.token(model.RolePlanner, "reader"), nil, &req))
	assert.Equal(t, model.StateRejected, req.State)
	assert.Equal(t, int64(1), req.OT)
	assert.Equal(t, "A", req.SupervisorShift, "2024-04-02 falls in ISO week 14")
	assert.Equal(t, "Molienda", req.Area)

	var history struct {
		Events []model.WorkflowEvent `json:"events"`
	}
	require.Equal(t, http.StatusOK, s.call("GET", "/api/requests/"+id+"/events", s.token(model.RolePlanner, "reader"), nil, &history))
	got := make([]model.State, len(history.Events))
	for i, e := range history.Events {
		got[i] = e.NewState
	}
	assert.Equal(t, []model.State{3, 0, 5, 6, 0, 10}, got)
	assert.Equal(t, "Chancado", history.Events[1].PrevDoc[model.FieldArea])
}

func TestLifecycle_authentication(t *testing.T) {
	s := newLiveServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.call("GET", "/api/requests/r1", "", nil, nil))

	expired := validClaims()
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	token := signJWT(t, s.key, jwt.SigningMethodRS256, "test-key", expired)
	assert.Equal(t, http.StatusUnauthorized, s.call("GET", "/api/requests/r1", token, nil, nil))

	noRole := validClaims()
	delete(noRole, "role")
	token = signJWT(t, s.key, jwt.SigningMethodRS256, "test-key", noRole)
	assert.Equal(t, http.StatusForbidden, s.call("GET", "/api/requests/r1", token, nil, nil))

	assert.Equal(t, http.StatusOK, s.call("GET", "/health", "", nil, nil))
}
