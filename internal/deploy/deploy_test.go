package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/steward/internal/audit"
	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/locks"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/store"
	"github.com/fentz26/steward/internal/validation"
	"github.com/fentz26/steward/internal/versions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDeployOpensSessionWithBaseline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 100 executions of version 1 in the preceding week, 90 successful.
	for i := 0; i < 100; i++ {
		require.NoError(t, env.store.InsertExecution(ctx, &models.ExecutionRecord{
			ComponentID: env.comp.ID,
			VersionID:   env.v1.ID,
			Timestamp:   env.now.Add(-time.Duration(i+1) * time.Hour),
			Success:     i%10 != 0,
			DurationMS:  100,
		}))
	}
	// Too old to count.
	require.NoError(t, env.store.InsertExecution(ctx, &models.ExecutionRecord{
		ComponentID: env.comp.ID, VersionID: env.v1.ID, Timestamp: env.now.Add(-8 * 24 * time.Hour),
	}))

	res, err := env.mgr.Deploy(ctx, env.comp.ID, "def execute(x):\n  return 'good'\n", Metadata{Reason: "fix", ParentVersionID: env.v1.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version.VersionNumber)
	assert.True(t, res.Version.IsCurrent)
	assert.Equal(t, models.CreatedByAutonomous, res.Version.CreatedBy)
	assert.Equal(t, env.v1.ID, res.PreviousVersionID)
	assert.Equal(t, 1, env.reloads)

	sess := res.Session
	assert.Equal(t, models.SessionStatusActive, sess.Status)
	assert.Equal(t, 100, sess.Baseline.Total)
	assert.Equal(t, 90, sess.Baseline.Successes)
	assert.Equal(t, env.now, sess.DeploymentTime)
	assert.Equal(t, env.now.Add(-7*24*time.Hour), sess.BaselineWindow.Start)
	assert.Equal(t, env.now.Add(24*time.Hour), sess.MonitoringWindow.End)
	assert.Equal(t, 0.15, sess.RegressionThreshold)

	active, err := env.store.GetActiveSession(ctx, env.comp.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, sess.ID, active.ID)

	v1, err := env.store.GetVersion(ctx, env.v1.ID)
	require.NoError(t, err)
	assert.False(t, v1.IsCurrent)
	assert.InDelta(t, 0.9, v1.SuccessRate, 0.01, "metrics snapshot refreshed when the version left the pointer")
}

func TestDeployReloadFailureReverts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.reloadErr = errors.New("syntax error on import")

	_, err := env.mgr.Deploy(ctx, env.comp.ID, "def execute(x):\n  return x\n", Metadata{})
	var df *models.DeploymentFailure
	require.ErrorAs(t, err, &df)
	assert.True(t, df.Reverted)

	cur, err := env.store.GetCurrentVersion(ctx, env.comp.ID)
	require.NoError(t, err)
	assert.Equal(t, env.v1.ID, cur.ID)

	n, err := env.store.CountCurrentVersions(ctx, env.comp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := env.store.GetActiveSession(ctx, env.comp.ID)
	require.NoError(t, err)
	assert.Nil(t, active, "the failed deploy's session is closed")

	decisions, err := env.store.ListDecisions(ctx, env.comp.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, decisions)
	assert.Equal(t, audit.OutcomeFailure, decisions[0].Outcome)
}

func TestDeployPreconditions(t *testing.T) {
	ctx := context.Background()
	artifact := "def execute(x):\n  return x\n"

	t.Run("stale candidate", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.mgr.Deploy(ctx, env.comp.ID, artifact, Metadata{ParentVersionID: "older"})
		assert.ErrorIs(t, err, ErrStaleCandidate)
	})

	t.Run("active session", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.mgr.Deploy(ctx, env.comp.ID, artifact, Metadata{})
		require.NoError(t, err)
		_, err = env.mgr.Deploy(ctx, env.comp.ID, artifact, Metadata{})
		assert.ErrorIs(t, err, ErrSessionActive)
	})

	t.Run("held", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.store.PlaceHold(ctx, env.comp.ID, models.HoldDegraded, "rollback failed")
		require.NoError(t, err)
		_, err = env.mgr.Deploy(ctx, env.comp.ID, artifact, Metadata{})
		assert.ErrorIs(t, err, models.ErrComponentHeld)
	})

	t.Run("inactive", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.store.SetComponentStatus(ctx, env.comp.ID, models.ComponentStatusDeleted))
		_, err := env.mgr.Deploy(ctx, env.comp.ID, artifact, Metadata{})
		assert.ErrorIs(t, err, models.ErrComponentInactive)
	})

	t.Run("unknown component", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.mgr.Deploy(ctx, "nope", artifact, Metadata{})
		assert.ErrorIs(t, err, models.ErrComponentNotFound)
	})

	t.Run("empty artifact", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.mgr.Deploy(ctx, env.comp.ID, "", Metadata{})
		assert.ErrorIs(t, err, versions.ErrEmptyArtifact)
	})
}

func TestValidateAndDeploy(t *testing.T) {
	ctx := context.Background()

	t.Run("passing candidate is deployed", func(t *testing.T) {
		env := newTestEnv(t)
		out, err := env.mgr.ValidateAndDeploy(ctx, env.candidate("def execute(x):\n  return 'good'\n"))
		require.NoError(t, err)
		assert.Equal(t, validation.StrategySynthetic, out.Validation.Strategy)
		require.NotNil(t, out.Deploy)
		assert.Equal(t, 2, out.Deploy.Version.VersionNumber)
	})

	t.Run("failing candidate is never written", func(t *testing.T) {
		env := newTestEnv(t)
		out, err := env.mgr.ValidateAndDeploy(ctx, env.candidate("def execute(x):\n  return 'bad'\n"))
		var tf *models.TestingFailure
		require.ErrorAs(t, err, &tf)
		assert.False(t, out.Validation.Passed)
		assert.Nil(t, out.Deploy)

		history, err := env.store.ListVersions(ctx, env.comp.ID, 0)
		require.NoError(t, err)
		assert.Len(t, history, 1)
		assert.Zero(t, env.reloads)
	})

	t.Run("manual candidate is logged, not deployed", func(t *testing.T) {
		env := newTestEnv(t)
		cand := env.candidate("def execute(x):\n  return 'good'\n")
		cand.TestCases = nil
		cand.Characteristics = models.Characteristics{HasSideEffects: true}
		_, err := env.mgr.ValidateAndDeploy(ctx, cand)
		assert.ErrorIs(t, err, validation.ErrManualReview)

		decisions, err := env.store.ListDecisions(ctx, env.comp.ID, 10)
		require.NoError(t, err)
		require.Len(t, decisions, 1)
		assert.Equal(t, audit.ActionValidate, decisions[0].Action)
		assert.Equal(t, audit.OutcomeSkipped, decisions[0].Outcome)
	})
}

func TestConcurrentDeploysKeepOneCurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.mgr.ValidateAndDeploy(ctx, env.candidate("def execute(x):\n  return 'good'\n"))
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrSessionActive) || errors.Is(err, ErrStaleCandidate), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	n, err := env.store.CountCurrentVersions(ctx, env.comp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type testEnv struct {
	store     *store.Store
	mgr       *Manager
	comp      *models.Component
	v1        *models.Version
	now       time.Time
	mu        sync.Mutex
	reloads   int
	reloadErr error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	deployAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{store: s, now: deployAt.Add(-30 * 24 * time.Hour)}
	s.SetClock(func() time.Time { return env.now })
	clock := func() time.Time { return env.now }

	comp, v1, err := s.RegisterComponent(context.Background(), "search", "execute", "def execute(x):\n  return x\n", models.CreatedByHuman)
	require.NoError(t, err)
	env.comp, env.v1 = comp, v1
	env.now = deployAt

	logger := zaptest.NewLogger(t)
	recorder := audit.NewRecorder(s, logger)
	registry := connectors.RegistryFunc(func(context.Context, string) error {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.reloads++
		return env.reloadErr
	})
	vs := versions.New(s, s, registry, logger, versions.WithClock(clock), versions.WithRecorder(recorder))

	engine, err := validation.NewEngine(s, artifactExecutor{}, validation.DefaultConfig(), logger)
	require.NoError(t, err)
	engine.SetClock(clock)

	env.mgr = NewManager(s, vs, s, engine, locks.New(), recorder, DefaultConfig(), logger)
	env.mgr.SetClock(clock)
	return env
}

func (env *testEnv) candidate(artifact string) *models.Candidate {
	return &models.Candidate{
		ComponentID:     env.comp.ID,
		ParentVersionID: env.v1.ID,
		Artifact:        artifact,
		Characteristics: models.Characteristics{HasSideEffects: true, HasDeclaredTestCases: true},
		TestCases: []models.TestCase{
			{Name: "returns ok", Input: json.RawMessage(`1`), ExpectedOutput: json.RawMessage(`"ok"`)},
		},
		Reason:    "improve",
		CreatedBy: models.CreatedByAutonomous,
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
