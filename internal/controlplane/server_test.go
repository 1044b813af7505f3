package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fentz26/steward/internal/audit"
	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/deploy"
	"github.com/fentz26/steward/internal/locks"
	"github.com/fentz26/steward/internal/metrics"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/monitor"
	"github.com/fentz26/steward/internal/opportunity"
	"github.com/fentz26/steward/internal/rollback"
	"github.com/fentz26/steward/internal/scheduler"
	"github.com/fentz26/steward/internal/store"
	"github.com/fentz26/steward/internal/validation"
	"github.com/fentz26/steward/internal/versions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	v1Artifact   = "def execute(x):\n  return x\n"
	goodArtifact = "def execute(x):\n  return 'good'\n"
	badArtifact  = "def execute(x):\n  return 'bad'\n"
)

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &health))
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))
}

func TestRegisterAndListComponents(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/components", RegisterRequest{Name: "search", Artifact: v1Artifact})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var reg Registration
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &reg))
	assert.Equal(t, "search", reg.Component.Name)
	assert.Equal(t, models.DefaultEntryPoint, reg.Component.EntryPoint)
	assert.Equal(t, 1, reg.Version.VersionNumber)
	assert.True(t, reg.Version.IsCurrent)

	resp = env.do(http.MethodPost, "/components", RegisterRequest{Name: "search", Artifact: v1Artifact})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = env.do(http.MethodGet, "/components", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var comps []models.Component
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &comps))
	require.Len(t, comps, 1)
	assert.Equal(t, reg.Component.ID, comps[0].ID)
}

func TestRegisterRejectsInvalidBodies(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"name":`},
		{"missing artifact", `{"name":"search"}`},
		{"unknown field", `{"name":"search","artifact":"x","owner":"me"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.doRaw(http.MethodPost, "/components", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
}

func TestStatusUnknownComponent(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodGet, "/components/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCreateVersionPipeline(t *testing.T) {
	env := newTestEnv(t)
	comp := env.register("search")
	path := "/components/" + comp.ID + "/versions"

	// A candidate failing its declared cases is never written.
	resp := env.do(http.MethodPost, path, versionRequest(badArtifact))
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Body.String(), `"testing_failed"`)
	assert.Contains(t, resp.Body.String(), `"strategy":"synthetic"`)

	history, err := env.store.ListVersions(context.Background(), comp.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	resp = env.do(http.MethodPost, path, versionRequest(goodArtifact))
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var outcome deploy.Outcome
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &outcome))
	require.NotNil(t, outcome.Deploy)
	assert.Equal(t, 2, outcome.Deploy.Version.VersionNumber)
	assert.Equal(t, models.CreatedByHuman, outcome.Deploy.Version.CreatedBy)
	assert.Equal(t, models.SessionStatusActive, outcome.Deploy.Session.Status)

	// The new version is under monitoring.
	resp = env.do(http.MethodPost, path, versionRequest(goodArtifact))
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Contains(t, resp.Body.String(), "session_active")

	resp = env.do(http.MethodGet, "/components/"+comp.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var st Status
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &st))
	require.NotNil(t, st.CurrentVersion)
	assert.Equal(t, 2, st.CurrentVersion.VersionNumber)
	require.NotNil(t, st.ActiveSession)
	assert.Len(t, st.History, 2)
	assert.Empty(t, st.History[0].Artifact)
}

func TestCreateVersionStaleParent(t *testing.T) {
	env := newTestEnv(t)
	comp := env.register("search")

	req := versionRequest(goodArtifact)
	req.ParentVersionID = "some-older-version"
	resp := env.do(http.MethodPost, "/components/"+comp.ID+"/versions", req)
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Contains(t, resp.Body.String(), "stale_candidate")
}

func TestCreateVersionReloadFailure(t *testing.T) {
	env := newTestEnv(t)
	comp := env.register("search")
	env.reloadErr = assert.AnError

	resp := env.do(http.MethodPost, "/components/"+comp.ID+"/versions", versionRequest(goodArtifact))
	assert.Equal(t, http.StatusBadGateway, resp.Code)

	cur, err := env.store.GetCurrentVersion(context.Background(), comp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.VersionNumber)
}

func TestForceRollback(t *testing.T) {
	env := newTestEnv(t)
	comp := env.register("search")
	ctx := context.Background()

	resp := env.do(http.MethodPost, "/components/"+comp.ID+"/rollback", RollbackRequest{Reason: "nothing to roll back to"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(http.MethodPost, "/components/"+comp.ID+"/versions", versionRequest(goodArtifact))
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	resp = env.doRaw(http.MethodPost, "/components/"+comp.ID+"/rollback", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code, "reason is required")

	resp = env.do(http.MethodPost, "/components/"+comp.ID+"/rollback", RollbackRequest{Reason: "operator request"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var ev models.RollbackEvent
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &ev))
	assert.Equal(t, models.RollbackManual, ev.RollbackType)
	assert.True(t, ev.Success)

	cur, err := env.store.GetCurrentVersion(ctx, comp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.VersionNumber)
	assert.Equal(t, ev.ToVersionID, cur.ID)

	sess, err := env.store.GetActiveSession(ctx, comp.ID)
	require.NoError(t, err)
	assert.Nil(t, sess)

	assert.Equal(t, int64(1), env.sch.GetStats().RollbacksByType["manual"])

	// Rolling back to the current version changes nothing.
	resp = env.do(http.MethodPost, "/components/"+comp.ID+"/rollback", RollbackRequest{VersionID: cur.ID, Reason: "again"})
	require.Equal(t, http.StatusOK, resp.Code)
	events, err := env.store.ListRollbackEvents(ctx, comp.ID, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRollbackUnknownVersion(t *testing.T) {
	env := newTestEnv(t)
	comp := env.register("search")
	resp := env.do(http.MethodPost, "/components/"+comp.ID+"/rollback", RollbackRequest{VersionID: "nope", Reason: "r"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestClearHold(t *testing.T) {
	env := newTestEnv(t)
	comp := env.register("search")
	ctx := context.Background()

	resp := env.do(http.MethodDelete, "/components/"+comp.ID+"/hold", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	_, err := env.store.PlaceHold(ctx, comp.ID, models.HoldDegraded, "rollback failed")
	require.NoError(t, err)

	// Held components refuse deploys.
	resp = env.do(http.MethodPost, "/components/"+comp.ID+"/versions", versionRequest(goodArtifact))
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Contains(t, resp.Body.String(), "component_held")

	resp = env.do(http.MethodGet, "/holds", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), comp.ID)

	resp = env.do(http.MethodDelete, "/components/"+comp.ID+"/hold", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	hold, err := env.store.GetHold(ctx, comp.ID)
	require.NoError(t, err)
	assert.Nil(t, hold)

	decisions, err := env.store.ListDecisions(ctx, comp.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, decisions)
	assert.Equal(t, audit.ActionUnhold, decisions[0].Action)
}

func TestCompareVersions(t *testing.T) {
	env := newTestEnv(t)
	comp := env.register("search")

	resp := env.do(http.MethodPost, "/components/"+comp.ID+"/versions", versionRequest(goodArtifact))
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var outcome deploy.Outcome
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &outcome))

	resp = env.do(http.MethodGet, "/components/"+comp.ID+"/compare?from="+comp.CurrentVersionID+"&to="+outcome.Deploy.Version.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var cmp versions.Comparison
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &cmp))
	assert.Contains(t, cmp.TextDiff, "+  return 'good'")
	assert.False(t, cmp.IsBreakingChange)

	resp = env.do(http.MethodGet, "/components/"+comp.ID+"/compare?from="+comp.CurrentVersionID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHealthChecksWithoutSessions(t *testing.T) {
	env := newTestEnv(t)
	comp := env.register("search")

	resp := env.do(http.MethodGet, "/components/"+comp.ID+"/health", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &report))
	assert.Nil(t, report.Session)
	assert.Empty(t, report.Checks)

	resp = env.do(http.MethodGet, "/components/"+comp.ID+"/health?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestLoopControl(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/loop/pause", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, env.sch.Paused())

	resp = env.do(http.MethodGet, "/statistics", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var stats scheduler.Stats
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	assert.True(t, stats.Paused)

	resp = env.do(http.MethodPost, "/loop/resume", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, env.sch.Paused())

	resp = env.do(http.MethodGet, "/opportunities", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `[]`, resp.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/components", nil)

	resp := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `steward_api_http_requests_total{method="GET",route="/components`)
	assert.Contains(t, string(body), `status="200"`)
}

// --- helpers ---

type testEnv struct {
	t         *testing.T
	store     *store.Store
	sch       *scheduler.Scheduler
	handler   http.Handler
	reloadErr error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	env := &testEnv{t: t, store: s}
	logger := zaptest.NewLogger(t)
	recorder := audit.NewRecorder(s, logger)
	registry := connectors.RegistryFunc(func(context.Context, string) error { return env.reloadErr })
	lk := locks.New()
	vs := versions.New(s, s, registry, logger, versions.WithRecorder(recorder))

	engine, err := validation.NewEngine(s, artifactExecutor{}, validation.DefaultConfig(), logger)
	require.NoError(t, err)
	dm := deploy.NewManager(s, vs, s, engine, lk, recorder, deploy.DefaultConfig(), logger)
	mon := monitor.New(s, vs, rollback.NewDetector(s, rollback.DefaultConfig()), s, lk, monitor.DefaultConfig(), logger)
	m := metrics.New()

	env.sch = scheduler.New(scheduler.Deps{
		Store:    s,
		Monitor:  mon,
		Detector: opportunity.NewDetector(s, s, opportunity.DefaultConfig(), logger),
		Deployer: dm,
		Recorder: recorder,
		Metrics:  m,
		Locks:    lk,
	}, scheduler.DefaultConfig(), logger)

	svc := NewService(s, vs, dm, env.sch, lk, recorder, logger)
	env.handler = NewServer(svc, Options{Version: "test"}, m, logger).Handler()

	t.Cleanup(func() {
		env.sch.Stop()
		s.Close()
	})
	return env
}

func (env *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	env.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(env.t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func (env *testEnv) doRaw(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func (env *testEnv) register(name string) *models.Component {
	env.t.Helper()
	comp, _, err := env.store.RegisterComponent(context.Background(), name, "execute", v1Artifact, models.CreatedByHuman)
	require.NoError(env.t, err)
	return comp
}

func versionRequest(artifact string) CreateVersionRequest {
	return CreateVersionRequest{
		Artifact: artifact,
		Reason:   "handle empty input",
		TestCases: []models.TestCase{
			{Name: "returns ok", Input: json.RawMessage(`1`), ExpectedOutput: json.RawMessage(`"ok"`)},
		},
	}
}

// artifactExecutor answers "ok" for artifacts that return 'good'.
type artifactExecutor struct{}

func (artifactExecutor) Name() string { return "fake" }

func (artifactExecutor) Execute(_ context.Context, artifact, _ string, _ json.RawMessage) (*connectors.ExecResult, error) {
	if strings.Contains(artifact, "'good'") {
		return &connectors.ExecResult{Output: json.RawMessage(`"ok"`)}, nil
	}
	return &connectors.ExecResult{Output: json.RawMessage(`"wrong"`)}, nil
}
