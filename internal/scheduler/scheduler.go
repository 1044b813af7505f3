package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/steward/internal/audit"
	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/deploy"
	"github.com/fentz26/steward/internal/locks"
	"github.com/fentz26/steward/internal/metrics"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/monitor"
	"github.com/fentz26/steward/internal/opportunity"
	"github.com/fentz26/steward/internal/store"
	"github.com/fentz26/steward/internal/validation"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Failure stages reported in statistics.
const (
	StageInvestigate = "investigate"
	StageGenerate    = "generate"
	StageValidate    = "validate"
	StageDeploy      = "deploy"
)

// errPaused aborts an attempt at a step boundary after Pause.
var errPaused = errors.New("loop paused")

// Deps are the collaborators the loop drives.
type Deps struct {
	Store        *store.Store
	Monitor      *monitor.Monitor
	Detector     *opportunity.Detector
	Deployer     *deploy.Manager
	Investigator connectors.Investigator
	Generator    connectors.Generator
	Recorder     *audit.Recorder
	Metrics      *metrics.Metrics
	// Locks is the component lock set shared with the deployer, monitor and
	// control plane. Optional.
	Locks *locks.Keyed
}

// Stats are the loop's running counters.
type Stats struct {
	Running                bool             `json:"running"`
	Paused                 bool             `json:"paused"`
	CyclesCompleted        int64            `json:"cycles_completed"`
	MonitorCycles          int64            `json:"monitor_cycles"`
	OpportunityCycles      int64            `json:"opportunity_cycles"`
	OpportunitiesDetected  int64            `json:"opportunities_detected"`
	OpportunitiesAttempted int64            `json:"opportunities_attempted"`
	ImprovementsDeployed   int64            `json:"improvements_deployed"`
	ImprovementsFailed     int64            `json:"improvements_failed"`
	FailuresByStage        map[string]int64 `json:"failures_by_stage"`
	Skipped                int64            `json:"skipped"`
	RollbacksByType        map[string]int64 `json:"rollbacks_by_type"`
	HealthChecks           int64            `json:"health_checks"`
	ActiveWorkers          int              `json:"active_workers"`
	CoolingDown            int              `json:"cooling_down"`
	LastMonitorAt          *time.Time       `json:"last_monitor_at,omitempty"`
	LastOpportunityAt      *time.Time       `json:"last_opportunity_at,omitempty"`
}

// Scheduler is the autonomous loop.
type Scheduler struct {
	deps    Deps
	config  *Config
	logger  *zap.Logger
	pool    *workerpool.WorkerPool
	limiter *rate.Limiter
	now     func() time.Time

	mu        sync.Mutex
	paused    bool
	running   bool
	stats     Stats
	cooldowns map[string]time.Time
	inFlight  map[string]bool

	pendingDeploys int

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(deps Deps, cfg *Config, logger *zap.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	perHour := cfg.MaxDeploysPerHour
	if perHour <= 0 {
		perHour = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		deps:      deps,
		config:    cfg,
		logger:    logger,
		pool:      workerpool.New(workers),
		limiter:   rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour),
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
		inFlight:  make(map[string]bool),
		stats: Stats{
			FailuresByStage: make(map[string]int64),
			RollbacksByType: make(map[string]int64),
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetClock replaces the time source used for cooldowns and the deploy limiter.
func (sch *Scheduler) SetClock(now func() time.Time) { sch.now = now }

// Start begins the scheduler loop.
func (sch *Scheduler) Start() {
	sch.mu.Lock()
	if sch.running {
		sch.mu.Unlock()
		return
	}
	sch.running = true
	sch.mu.Unlock()

	sch.wg.Add(1)
	go sch.schedulerLoop()
	sch.logger.Info("scheduler started",
		zap.Duration("monitor_interval", sch.config.MonitorInterval),
		zap.Duration("opportunity_interval", sch.config.OpportunityInterval))
}

// Stop cancels the loop and waits for in-flight attempts to finish.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.pool.StopWait()

	sch.mu.Lock()
	sch.running = false
	sch.mu.Unlock()
	sch.logger.Info("scheduler stopped")
}

// Pause stops new work from starting. In-flight attempts stop at their next
// step boundary; transactions already started complete.
func (sch *Scheduler) Pause() {
	sch.mu.Lock()
	sch.paused = true
	sch.mu.Unlock()
	if sch.deps.Metrics != nil {
		sch.deps.Metrics.Paused.Set(1)
	}
	sch.logger.Info("loop paused")
}

// Resume lets the loop start new work again.
func (sch *Scheduler) Resume() {
	sch.mu.Lock()
	sch.paused = false
	sch.mu.Unlock()
	if sch.deps.Metrics != nil {
		sch.deps.Metrics.Paused.Set(0)
	}
	sch.logger.Info("loop resumed")
}

// Paused reports whether the loop is paused.
func (sch *Scheduler) Paused() bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.paused
}

// schedulerLoop runs the two cadences until Stop.
func (sch *Scheduler) schedulerLoop() {
	defer sch.wg.Done()

	monitorTicker := time.NewTicker(sch.config.MonitorInterval)
	defer monitorTicker.Stop()
	opportunityTicker := time.NewTicker(sch.config.OpportunityInterval)
	defer opportunityTicker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-monitorTicker.C:
			if sch.Paused() {
				continue
			}
			if err := sch.RunMonitorCycle(sch.ctx); err != nil && sch.ctx.Err() == nil {
				sch.logger.Error("monitor cycle failed", zap.Error(err))
			}
		case <-opportunityTicker.C:
			if sch.Paused() {
				continue
			}
			if _, err := sch.RunOpportunityCycle(sch.ctx); err != nil && sch.ctx.Err() == nil {
				sch.logger.Error("opportunity cycle failed", zap.Error(err))
			}
		}
	}
}

// RunMonitorCycle evaluates every active monitoring session once.
func (sch *Scheduler) RunMonitorCycle(ctx context.Context) error {
	evals, err := sch.deps.Monitor.EvaluateAll(ctx)
	if err != nil {
		return err
	}

	now := sch.now().UTC()
	sch.mu.Lock()
	sch.stats.MonitorCycles++
	sch.stats.CyclesCompleted++
	sch.stats.LastMonitorAt = &now
	for _, ev := range evals {
		if ev.Check != nil {
			sch.stats.HealthChecks++
		}
		if ev.Rollback != nil {
			sch.stats.RollbacksByType[string(ev.Rollback.RollbackType)]++
		}
	}
	sch.mu.Unlock()

	m := sch.deps.Metrics
	if m != nil {
		m.Cycles.WithLabelValues("monitor").Inc()
		m.ActiveSessions.Set(float64(len(evals)))
	}
	for _, ev := range evals {
		logger := sch.logger.With(zap.String("session_id", ev.Session.ID), zap.String("component_id", ev.Session.ComponentID))
		if ev.Check != nil && m != nil {
			m.HealthChecks.WithLabelValues(string(ev.Check.Severity)).Inc()
		}
		if ev.Rollback != nil {
			m.ObserveRollback(string(ev.Rollback.RollbackType), true)
		}
		var rf *models.RollbackFailure
		switch {
		case errors.As(ev.Err, &rf):
			typ := models.RollbackStandard
			if ev.Verdict != nil && ev.Verdict.Triggered {
				typ = ev.Verdict.RollbackType
			}
			m.ObserveRollback(string(typ), false)
			logger.Error("rollback failed, component held", zap.Bool("critical", true), zap.Error(ev.Err))
		case ev.Err != nil:
			logger.Warn("session evaluation failed", zap.Error(ev.Err))
		}
	}
	return nil
}

// ListOpportunities runs detection without attempting anything.
func (sch *Scheduler) ListOpportunities(ctx context.Context) ([]models.Opportunity, error) {
	return sch.deps.Detector.Detect(ctx)
}

// RunOpportunityCycle detects opportunities and submits up to
// MaxAttemptsPerCycle of them to the worker pool. It returns the
// opportunities that were submitted.
func (sch *Scheduler) RunOpportunityCycle(ctx context.Context) ([]models.Opportunity, error) {
	opps, err := sch.deps.Detector.Detect(ctx)
	if err != nil {
		return nil, err
	}

	now := sch.now().UTC()
	sch.mu.Lock()
	sch.stats.OpportunityCycles++
	sch.stats.CyclesCompleted++
	sch.stats.OpportunitiesDetected += int64(len(opps))
	sch.stats.LastOpportunityAt = &now
	sch.mu.Unlock()
	if sch.deps.Metrics != nil {
		sch.deps.Metrics.Cycles.WithLabelValues("opportunity").Inc()
		sch.deps.Metrics.OpportunitiesDetected.Add(float64(len(opps)))
	}

	var submitted []models.Opportunity
	for _, opp := range opps {
		opp := opp
		if len(submitted) >= sch.config.MaxAttemptsPerCycle {
			break
		}
		if ctx.Err() != nil || sch.Paused() {
			break
		}
		if reason, skip := sch.skipReason(ctx, opp.ComponentID, now); skip {
			sch.skip(ctx, opp, reason)
			continue
		}

		// A token is only spent when an attempt deploys; attempts in flight
		// hold a claim on one so concurrent workers cannot overshoot.
		sch.mu.Lock()
		if sch.limiter.TokensAt(now)-float64(sch.pendingDeploys) < 1 {
			sch.mu.Unlock()
			sch.skip(ctx, opp, "deploy rate limit reached")
			continue
		}
		sch.pendingDeploys++
		sch.inFlight[opp.ComponentID] = true
		sch.stats.OpportunitiesAttempted++
		sch.stats.ActiveWorkers++
		sch.mu.Unlock()
		if sch.deps.Metrics != nil {
			sch.deps.Metrics.OpportunitiesAttempt.Inc()
		}

		sch.pool.Submit(func() {
			sch.runAttempt(opp)
		})
		submitted = append(submitted, opp)
	}
	return submitted, nil
}

// skipReason reports why a component must not be attempted right now.
func (sch *Scheduler) skipReason(ctx context.Context, componentID string, now time.Time) (string, bool) {
	sch.mu.Lock()
	if sch.inFlight[componentID] {
		sch.mu.Unlock()
		return "attempt in flight", true
	}
	if until, ok := sch.cooldowns[componentID]; ok {
		if now.Before(until) {
			sch.mu.Unlock()
			return fmt.Sprintf("cooling down until %s", until.Format(time.RFC3339)), true
		}
		delete(sch.cooldowns, componentID)
	}
	sch.mu.Unlock()

	if sch.deps.Locks != nil && sch.deps.Locks.Held(componentID) {
		return "component locked by another operation", true
	}

	sess, err := sch.deps.Store.GetActiveSession(ctx, componentID)
	if err != nil {
		return fmt.Sprintf("check active session: %v", err), true
	}
	if sess != nil {
		return "deployment still being monitored", true
	}
	return "", false
}

func (sch *Scheduler) skip(ctx context.Context, opp models.Opportunity, reason string) {
	sch.mu.Lock()
	sch.stats.Skipped++
	sch.mu.Unlock()
	sch.logger.Debug("opportunity skipped", zap.String("component_id", opp.ComponentID), zap.String("reason", reason))
	sch.deps.Recorder.Record(ctx, audit.ActionSkip, opp, audit.OutcomeSkipped, opp.ComponentID, reason)
}

// runAttempt executes one improvement attempt on a pool worker. It never
// lets a failure or panic escape into the pool.
func (sch *Scheduler) runAttempt(opp models.Opportunity) {
	deployed := false
	defer func() {
		if r := recover(); r != nil {
			sch.logger.Error("improvement attempt panicked",
				zap.String("component_id", opp.ComponentID),
				zap.Any("panic", r))
			sch.fail(opp.ComponentID, StageDeploy, true)
		}
		sch.mu.Lock()
		if deployed {
			sch.limiter.AllowN(sch.now(), 1)
		}
		sch.pendingDeploys--
		delete(sch.inFlight, opp.ComponentID)
		sch.stats.ActiveWorkers--
		sch.mu.Unlock()
	}()

	stage, err := sch.attempt(sch.ctx, opp)
	logger := sch.logger.With(zap.String("component_id", opp.ComponentID), zap.String("priority", string(opp.Priority)))
	switch {
	case err == nil:
		deployed = true
		sch.mu.Lock()
		sch.stats.ImprovementsDeployed++
		sch.mu.Unlock()
		if sch.deps.Metrics != nil {
			sch.deps.Metrics.ImprovementsDeployed.Inc()
		}
		logger.Info("improvement deployed")
	case errors.Is(err, errPaused), sch.ctx.Err() != nil:
		logger.Info("improvement attempt interrupted", zap.String("stage", stage))
	case errors.Is(err, deploy.ErrSessionActive), errors.Is(err, deploy.ErrStaleCandidate):
		// Lost a race with another deploy; the next cycle sees the new state.
		logger.Info("improvement attempt superseded", zap.String("stage", stage), zap.Error(err))
		sch.fail(opp.ComponentID, stage, false)
	case models.IsTransient(err):
		logger.Warn("improvement attempt hit a transient failure", zap.String("stage", stage), zap.Error(err))
		sch.fail(opp.ComponentID, stage, true)
	default:
		logger.Warn("improvement attempt failed", zap.String("stage", stage), zap.Error(err))
		sch.fail(opp.ComponentID, stage, true)
	}
}

func (sch *Scheduler) fail(componentID, stage string, cooldown bool) {
	sch.mu.Lock()
	sch.stats.ImprovementsFailed++
	sch.stats.FailuresByStage[stage]++
	if cooldown && sch.config.Cooldown > 0 {
		sch.cooldowns[componentID] = sch.now().UTC().Add(sch.config.Cooldown)
	}
	sch.mu.Unlock()
	if sch.deps.Metrics != nil {
		sch.deps.Metrics.ImprovementsFailed.WithLabelValues(stage).Inc()
	}
}

// attempt runs investigate, generate, validate and deploy for one
// opportunity, returning the stage it stopped at.
func (sch *Scheduler) attempt(ctx context.Context, opp models.Opportunity) (string, error) {
	if sch.Paused() {
		return StageInvestigate, errPaused
	}
	cur, err := sch.deps.Store.GetCurrentVersion(ctx, opp.ComponentID)
	if err != nil {
		return StageInvestigate, err
	}

	diag, err := callWithTimeout(ctx, "investigator", opp.ComponentID, sch.config.InvestigateTimeout,
		func(ctx context.Context) (*models.Diagnosis, error) {
			return sch.deps.Investigator.Investigate(ctx, opp.ComponentID, opp.Metrics)
		})
	if err != nil {
		sch.deps.Recorder.Record(ctx, audit.ActionInvestigate, opp, outcomeOf(err), opp.ComponentID, err.Error())
		return StageInvestigate, err
	}
	sch.deps.Recorder.Record(ctx, audit.ActionInvestigate, opp, audit.OutcomeSuccess, opp.ComponentID, diag.Summary)

	if sch.Paused() {
		return StageGenerate, errPaused
	}
	gen, err := callWithTimeout(ctx, "generator", opp.ComponentID, sch.config.GenerateTimeout,
		func(ctx context.Context) (*connectors.Generation, error) {
			return sch.deps.Generator.Generate(ctx, opp.ComponentID, diag)
		})
	if err != nil {
		sch.deps.Recorder.Record(ctx, audit.ActionGenerate, diag, outcomeOf(err), opp.ComponentID, err.Error())
		return StageGenerate, err
	}
	sch.deps.Recorder.Record(ctx, audit.ActionGenerate, diag, audit.OutcomeSuccess, opp.ComponentID, gen.Reason)

	if sch.Paused() {
		return StageValidate, errPaused
	}
	reason := gen.Reason
	if reason == "" {
		reason = opp.Reason
	}
	out, err := sch.deps.Deployer.ValidateAndDeploy(ctx, &models.Candidate{
		ComponentID:     opp.ComponentID,
		ParentVersionID: cur.ID,
		Artifact:        gen.Artifact,
		Characteristics: gen.Characteristics,
		TestCases:       gen.TestCases,
		Reason:          reason,
		CreatedBy:       models.CreatedByAutonomous,
	})
	if err != nil {
		var tf *models.TestingFailure
		var du *models.DataUnavailableError
		if errors.As(err, &tf) || errors.As(err, &du) || errors.Is(err, validation.ErrManualReview) {
			return StageValidate, err
		}
		return StageDeploy, err
	}
	if out.Deploy != nil {
		sch.logger.Info("candidate deployed",
			zap.String("component_id", opp.ComponentID),
			zap.String("strategy", string(out.Validation.Strategy)),
			zap.Int("version_number", out.Deploy.Version.VersionNumber))
	}
	return StageDeploy, nil
}

// callWithTimeout bounds an external call. A deadline hit becomes an
// ExternalCollaboratorTimeout even if the collaborator ignores its context.
func callWithTimeout[T any](ctx context.Context, collaborator, componentID string, timeout time.Duration,
	fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v, err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return zero, &models.ExternalCollaboratorTimeout{
				Collaborator: collaborator, ComponentID: componentID, Timeout: timeout, Err: r.err,
			}
		}
		return r.v, r.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &models.ExternalCollaboratorTimeout{
			Collaborator: collaborator, ComponentID: componentID, Timeout: timeout, Err: cctx.Err(),
		}
	}
}

func outcomeOf(err error) string {
	if models.IsTransient(err) {
		return audit.OutcomeTimeout
	}
	return audit.OutcomeFailure
}

// GetStats returns a snapshot of the loop's counters.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	s := sch.stats
	s.Running = sch.running
	s.Paused = sch.paused
	s.FailuresByStage = make(map[string]int64, len(sch.stats.FailuresByStage))
	for k, v := range sch.stats.FailuresByStage {
		s.FailuresByStage[k] = v
	}
	s.RollbacksByType = make(map[string]int64, len(sch.stats.RollbacksByType))
	for k, v := range sch.stats.RollbacksByType {
		s.RollbacksByType[k] = v
	}
	now := sch.now().UTC()
	s.CoolingDown = 0
	for _, until := range sch.cooldowns {
		if now.Before(until) {
			s.CoolingDown++
		}
	}
	return s
}

// RecordRollback counts a rollback performed outside the monitor cycle, such
// as an operator's forced rollback.
func (sch *Scheduler) RecordRollback(ev *models.RollbackEvent) {
	if ev == nil {
		return
	}
	if ev.Success {
		sch.mu.Lock()
		sch.stats.RollbacksByType[string(ev.RollbackType)]++
		sch.mu.Unlock()
	}
	sch.deps.Metrics.ObserveRollback(string(ev.RollbackType), ev.Success)
}
