package scheduler

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
	"github.com/fentz26/steward/internal/deploy"
	"github.com/fentz26/steward/internal/locks"
	"github.com/fentz26/steward/internal/metrics"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/monitor"
	"github.com/fentz26/steward/internal/opportunity"
	"github.com/fentz26/steward/internal/rollback"
	"github.com/fentz26/steward/internal/store"
	"github.com/fentz26/steward/internal/validation"
	"github.com/fentz26/steward/internal/versions"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const goodArtifact = "def execute(x):\n  return 'good'\n"

func TestOpportunityCycleDeploysImprovement(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	comp := env.underperforming("search", 20, 5)

	submitted, err := env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, models.PriorityHigh, submitted[0].Priority)
	env.waitIdle()

	stats := env.sch.GetStats()
	assert.Equal(t, int64(1), stats.OpportunityCycles)
	assert.Equal(t, int64(1), stats.OpportunitiesDetected)
	assert.Equal(t, int64(1), stats.OpportunitiesAttempted)
	assert.Equal(t, int64(1), stats.ImprovementsDeployed)
	assert.Zero(t, stats.ImprovementsFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ImprovementsDeployed))

	cur, err := env.store.GetCurrentVersion(ctx, comp.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.VersionNumber)
	assert.Equal(t, models.CreatedByAutonomous, cur.CreatedBy)
	assert.Equal(t, "rewrote the failing branch", cur.ImprovementReason)

	decisions, err := env.store.ListDecisions(ctx, comp.ID, 10)
	require.NoError(t, err)
	var actions []string
	for _, d := range decisions {
		actions = append(actions, d.Action+"/"+d.Outcome)
	}
	assert.ElementsMatch(t, []string{"investigate/success", "generate/success", "validate/success", "deploy/success"}, actions)

	// The deployed version is being monitored, so the next cycle skips it.
	submitted, err = env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, submitted)
}

func TestInvestigatorTimeoutCoolsDown(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.InvestigateTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()
	env.investigator.block = true
	comp := env.underperforming("search", 20, 5)

	submitted, err := env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	env.waitIdle()

	stats := env.sch.GetStats()
	assert.Equal(t, int64(1), stats.ImprovementsFailed)
	assert.Equal(t, int64(1), stats.FailuresByStage[StageInvestigate])
	assert.Equal(t, 1, stats.CoolingDown)
	assert.Zero(t, env.generator.calls)

	decisions, err := env.store.ListDecisions(ctx, comp.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, decisions)
	assert.Equal(t, audit.ActionInvestigate, decisions[0].Action)
	assert.Equal(t, audit.OutcomeTimeout, decisions[0].Outcome)

	// Still cooling down.
	submitted, err = env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, submitted)
	assert.Equal(t, int64(1), env.sch.GetStats().Skipped)

	// After the cooldown the component is attempted again.
	env.investigator.block = false
	env.advance(2 * time.Hour)
	submitted, err = env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	env.waitIdle()
	assert.Equal(t, int64(1), env.sch.GetStats().ImprovementsDeployed)
}

func TestLockedComponentIsSkipped(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	comp := env.underperforming("search", 20, 5)

	unlock, err := env.locks.Lock(ctx, comp.ID)
	require.NoError(t, err)

	submitted, err := env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, submitted)
	assert.Equal(t, int64(1), env.sch.GetStats().Skipped)

	decisions, err := env.store.ListDecisions(ctx, comp.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, decisions)
	assert.Equal(t, audit.ActionSkip, decisions[0].Action)
	assert.Contains(t, decisions[0].Details, "locked")

	unlock()
	submitted, err = env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	env.waitIdle()
}

func TestFailureStages(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(env *testEnv)
		stage    string
		outcome  string
		action   string
		versions int
	}{
		{
			name:     "generator error",
			setup:    func(env *testEnv) { env.generator.err = errors.New("model unavailable") },
			stage:    StageGenerate,
			action:   audit.ActionGenerate,
			outcome:  audit.OutcomeFailure,
			versions: 1,
		},
		{
			name:     "candidate fails its test cases",
			setup:    func(env *testEnv) { env.generator.artifact = "def execute(x):\n  return 'bad'\n" },
			stage:    StageValidate,
			action:   audit.ActionValidate,
			outcome:  audit.OutcomeFailure,
			versions: 1,
		},
		{
			name:     "runtime cannot load the candidate",
			setup:    func(env *testEnv) { env.reloadErr = errors.New("import error") },
			stage:    StageDeploy,
			action:   audit.ActionDeploy,
			outcome:  audit.OutcomeFailure,
			versions: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			ctx := context.Background()
			tt.setup(env)
			comp := env.underperforming("search", 20, 5)

			_, err := env.sch.RunOpportunityCycle(ctx)
			require.NoError(t, err)
			env.waitIdle()

			stats := env.sch.GetStats()
			assert.Equal(t, int64(1), stats.FailuresByStage[tt.stage])
			assert.Zero(t, stats.ImprovementsDeployed)
			assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ImprovementsFailed.WithLabelValues(tt.stage)))

			decisions, err := env.store.ListDecisions(ctx, comp.ID, 10)
			require.NoError(t, err)
			require.NotEmpty(t, decisions)
			assert.Equal(t, tt.action, decisions[0].Action)
			assert.Equal(t, tt.outcome, decisions[0].Outcome)

			history, err := env.store.ListVersions(ctx, comp.ID, 0)
			require.NoError(t, err)
			assert.Len(t, history, tt.versions)
			cur, err := env.store.GetCurrentVersion(ctx, comp.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, cur.VersionNumber)
		})
	}
}

func TestPauseStopsNewWork(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.underperforming("search", 20, 5)

	env.sch.Pause()
	assert.True(t, env.sch.GetStats().Paused)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Paused))

	submitted, err := env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, submitted)
	assert.Zero(t, env.investigator.calls)

	env.sch.Resume()
	submitted, err = env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	assert.Len(t, submitted, 1)
	env.waitIdle()
	assert.Equal(t, int64(1), env.sch.GetStats().ImprovementsDeployed)
}

func TestDeployRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxDeploysPerHour = 1
	})
	ctx := context.Background()
	env.underperforming("search", 30, 5)
	env.underperforming("ranker", 20, 5)

	submitted, err := env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	env.waitIdle()

	stats := env.sch.GetStats()
	assert.Equal(t, int64(1), stats.ImprovementsDeployed)
	assert.Equal(t, int64(1), stats.Skipped)

	decisions, err := env.store.ListDecisions(ctx, "", 50)
	require.NoError(t, err)
	var skips int
	for _, d := range decisions {
		if d.Action == audit.ActionSkip {
			skips++
			assert.Contains(t, d.Details, "rate limit")
		}
	}
	assert.Equal(t, 1, skips)
}

func TestFailedAttemptReturnsDeployToken(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxDeploysPerHour = 1
		cfg.Cooldown = 0
	})
	ctx := context.Background()
	env.generator.err = errors.New("model unavailable")
	env.underperforming("search", 20, 5)

	_, err := env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	env.waitIdle()

	env.generator.err = nil
	submitted, err := env.sch.RunOpportunityCycle(ctx)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	env.waitIdle()
	assert.Equal(t, int64(1), env.sch.GetStats().ImprovementsDeployed)
}

func TestMonitorCycleCountsRollbacks(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	comp := env.underperforming("search", 20, 5)

	res, err := env.deployer.Deploy(ctx, comp.ID, goodArtifact, deploy.Metadata{Reason: "manual"})
	require.NoError(t, err)
	env.advance(time.Minute)
	for i := 1; i <= 3; i++ {
		require.NoError(t, env.store.InsertExecution(ctx, &models.ExecutionRecord{
			ComponentID: comp.ID,
			VersionID:   res.Version.ID,
			Timestamp:   env.clock().Add(-time.Duration(i) * time.Second),
			ErrorClass:  "TypeError",
		}))
	}

	require.NoError(t, env.sch.RunMonitorCycle(ctx))
	stats := env.sch.GetStats()
	assert.Equal(t, int64(1), stats.MonitorCycles)
	assert.Equal(t, int64(1), stats.HealthChecks)
	assert.Equal(t, int64(1), stats.RollbacksByType[string(models.RollbackImmediate)])
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Rollbacks.WithLabelValues("immediate", "true")))

	cur, err := env.store.GetCurrentVersion(ctx, comp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.VersionNumber)

	env.sch.RecordRollback(&models.RollbackEvent{RollbackType: models.RollbackManual, Success: true})
	assert.Equal(t, int64(1), env.sch.GetStats().RollbacksByType[string(models.RollbackManual)])
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MonitorInterval = 10 * time.Millisecond
		cfg.OpportunityInterval = 15 * time.Millisecond
	})
	env.underperforming("search", 20, 5)

	env.sch.Start()
	require.Eventually(t, func() bool {
		s := env.sch.GetStats()
		return s.MonitorCycles > 0 && s.OpportunityCycles > 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, env.sch.GetStats().Running)

	env.sch.Stop()
	assert.False(t, env.sch.GetStats().Running)
}

func TestCallWithTimeout(t *testing.T) {
	ctx := context.Background()

	v, err := callWithTimeout(ctx, "investigator", "c1", time.Second, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	// A collaborator that ignores its context still times out.
	release := make(chan struct{})
	defer close(release)
	_, err = callWithTimeout(ctx, "generator", "c1", 20*time.Millisecond, func(context.Context) (int, error) {
		<-release
		return 0, nil
	})
	var timeout *models.ExternalCollaboratorTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "generator", timeout.Collaborator)
	assert.True(t, models.IsTransient(err))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = callWithTimeout(cctx, "generator", "c1", time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, models.IsTransient(err))
}

type testEnv struct {
	t            *testing.T
	store        *store.Store
	sch          *Scheduler
	deployer     *deploy.Manager
	metrics      *metrics.Metrics
	locks        *locks.Keyed
	investigator *fakeInvestigator
	generator    *fakeGenerator

	mu        sync.Mutex
	now       time.Time
	reloadErr error
}

func newTestEnv(t *testing.T, configure func(*Config)) *testEnv {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	env := &testEnv{
		t:            t,
		store:        s,
		now:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		investigator: &fakeInvestigator{},
		generator:    &fakeGenerator{artifact: goodArtifact},
	}
	clock := env.clock
	s.SetClock(clock)

	logger := zaptest.NewLogger(t)
	recorder := audit.NewRecorder(s, logger)
	registry := connectors.RegistryFunc(func(context.Context, string) error {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.reloadErr
	})
	lk := locks.New()
	env.locks = lk
	vs := versions.New(s, s, registry, logger, versions.WithClock(clock), versions.WithRecorder(recorder))

	engine, err := validation.NewEngine(s, artifactExecutor{}, validation.DefaultConfig(), logger)
	require.NoError(t, err)
	engine.SetClock(clock)

	env.deployer = deploy.NewManager(s, vs, s, engine, lk, recorder, deploy.DefaultConfig(), logger)
	env.deployer.SetClock(clock)

	detector := rollback.NewDetector(s, rollback.DefaultConfig())
	detector.SetClock(clock)
	mon := monitor.New(s, vs, detector, s, lk, monitor.DefaultConfig(), logger)
	mon.SetClock(clock)

	opps := opportunity.NewDetector(s, s, opportunity.DefaultConfig(), logger)
	opps.SetClock(clock)

	cfg := DefaultConfig()
	if configure != nil {
		configure(cfg)
	}
	env.metrics = metrics.New()
	env.sch = New(Deps{
		Store:        s,
		Monitor:      mon,
		Detector:     opps,
		Deployer:     env.deployer,
		Investigator: env.investigator,
		Generator:    env.generator,
		Recorder:     recorder,
		Metrics:      env.metrics,
		Locks:        lk,
	}, cfg, logger)
	env.sch.SetClock(clock)

	t.Cleanup(func() {
		env.sch.Stop()
		s.Close()
	})
	return env
}

func (env *testEnv) clock() time.Time {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.now
}

func (env *testEnv) advance(d time.Duration) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.now = env.now.Add(d)
}

func (env *testEnv) waitIdle() {
	env.t.Helper()
	require.Eventually(env.t, func() bool {
		return env.sch.GetStats().ActiveWorkers == 0
	}, 5*time.Second, 5*time.Millisecond)
}

// underperforming registers a component whose version 1 served total
// executions over the last day, successes of them successful.
func (env *testEnv) underperforming(name string, total, successes int) *models.Component {
	env.t.Helper()
	ctx := context.Background()
	now := env.clock()
	comp, v1, err := env.store.RegisterComponent(ctx, name, "execute", "def execute(x):\n  return x\n", models.CreatedByHuman)
	require.NoError(env.t, err)
	for i := 0; i < total; i++ {
		require.NoError(env.t, env.store.InsertExecution(ctx, &models.ExecutionRecord{
			ComponentID: comp.ID,
			VersionID:   v1.ID,
			Timestamp:   now.Add(-time.Duration(i+1) * 10 * time.Minute),
			Success:     i < successes,
			ErrorClass:  "RuntimeError",
		}))
	}
	return comp
}

type fakeInvestigator struct {
	mu    sync.Mutex
	calls int
	block bool
}

func (f *fakeInvestigator) Investigate(ctx context.Context, componentID string, m models.Metrics) (*models.Diagnosis, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &models.Diagnosis{ComponentID: componentID, Summary: "null input not handled", Confidence: 0.8}, nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	artifact string
	err      error
}

func (f *fakeGenerator) Generate(_ context.Context, componentID string, _ *models.Diagnosis) (*connectors.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &connectors.Generation{
		Artifact:        f.artifact,
		Characteristics: models.Characteristics{HasSideEffects: true, HasDeclaredTestCases: true},
		TestCases: []models.TestCase{
			{Name: "returns ok", Input: json.RawMessage(`1`), ExpectedOutput: json.RawMessage(`"ok"`)},
		},
		Reason: "rewrote the failing branch",
	}, nil
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
