// Package monitor owns monitoring sessions. Each evaluation compares a
// deployed version's health with the baseline of the version it replaced and
// rolls back on regression.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/locks"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/rollback"
	"github.com/fentz26/steward/internal/store"
	"github.com/fentz26/steward/internal/versions"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the regression thresholds.
type Config struct {
	MinExecutions  int     `yaml:"min_executions" validate:"gte=1"`
	HighDrop       float64 `yaml:"high_drop" validate:"gt=0,lte=1"`
	CriticalDrop   float64 `yaml:"critical_drop" validate:"gtfield=HighDrop,lte=1"`
	DurationFactor float64 `yaml:"duration_factor" validate:"gt=1"`
	Concurrency    int     `yaml:"concurrency" validate:"gte=1"`
}

// DefaultConfig returns the default thresholds. The medium threshold is the
// session's regression threshold.
func DefaultConfig() Config {
	return Config{
		MinExecutions:  10,
		HighDrop:       0.20,
		CriticalDrop:   0.30,
		DurationFactor: 2.0,
		Concurrency:    4,
	}
}

// Assessment is the statistical comparison of two aggregates.
type Assessment struct {
	Drop               float64
	Severity           models.Severity
	DurationRegression bool
	NeedsRollback      bool
	InsufficientData   bool
}

// Assess compares current with baseline. threshold is the smallest drop that
// counts as a medium regression.
func Assess(baseline, current models.Metrics, threshold float64, cfg Config) Assessment {
	if baseline.Total < cfg.MinExecutions || current.Total < cfg.MinExecutions {
		return Assessment{Severity: models.SeverityNone, InsufficientData: true}
	}
	a := Assessment{Drop: round6(math.Max(0, baseline.SuccessRate()-current.SuccessRate()))}
	switch {
	case a.Drop >= cfg.CriticalDrop:
		a.Severity = models.SeverityCritical
	case a.Drop >= cfg.HighDrop:
		a.Severity = models.SeverityHigh
	case a.Drop >= threshold:
		a.Severity = models.SeverityMedium
	default:
		a.Severity = models.SeverityNone
	}
	a.DurationRegression = baseline.AvgDurationMS > 0 && current.AvgDurationMS >= cfg.DurationFactor*baseline.AvgDurationMS
	a.NeedsRollback = a.Severity != models.SeverityNone || a.DurationRegression
	return a
}

// Evaluation is the outcome of evaluating one session.
type Evaluation struct {
	Session   *models.MonitoringSession `json:"session"`
	Check     *models.HealthCheck       `json:"health_check,omitempty"`
	Verdict   *rollback.Verdict         `json:"fast_verdict,omitempty"`
	Rollback  *models.RollbackEvent     `json:"rollback,omitempty"`
	Completed bool                      `json:"completed"`
	Held      bool                      `json:"held"`
	Err       error                     `json:"-"`
}

// Monitor is the Deployment Monitor.
type Monitor struct {
	store     *store.Store
	versions  *versions.Service
	detector  *rollback.Detector
	telemetry connectors.Telemetry
	locks     *locks.Keyed
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// New creates a Deployment Monitor.
func New(st *store.Store, vs *versions.Service, detector *rollback.Detector, telemetry connectors.Telemetry,
	lk *locks.Keyed, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Monitor{
		store:     st,
		versions:  vs,
		detector:  detector,
		telemetry: telemetry,
		locks:     lk,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// EvaluateAll evaluates every active session. A failure of one session is
// reported in its Evaluation and never stops the others.
func (m *Monitor) EvaluateAll(ctx context.Context) ([]*Evaluation, error) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}

	evals := make([]*Evaluation, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i := range sessions {
		i := i
		sess := sessions[i]
		g.Go(func() error {
			ev, err := m.Evaluate(gctx, sess.ID)
			if ev == nil {
				ev = &Evaluation{Session: &sess}
			}
			ev.Err = err
			evals[i] = ev
			return nil
		})
	}
	g.Wait()
	return evals, ctx.Err()
}

// Evaluate runs one evaluation of a session under the component lock. The fast
// detector runs first; statistical comparison only happens when it does not
// trigger. Every evaluation of an active session writes a health check.
func (m *Monitor) Evaluate(ctx context.Context, sessionID string) (*Evaluation, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	unlock, err := m.locks.Lock(ctx, sess.ComponentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; a rollback may have closed it meanwhile.
	sess, err = m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ev := &Evaluation{Session: sess}
	if sess.Status != models.SessionStatusActive {
		return ev, nil
	}

	logger := m.logger.With(
		zap.String("component_id", sess.ComponentID),
		zap.String("session_id", sess.ID),
		zap.String("version_id", sess.VersionID))
	now := m.now().UTC()

	check := &models.HealthCheck{SessionID: sess.ID, CheckedAt: now, Severity: models.SeverityNone}
	ev.Check = check

	hold, err := m.store.GetHold(ctx, sess.ComponentID)
	if err != nil {
		return nil, err
	}
	if hold != nil {
		ev.Held = true
		check.Detail = "component held: " + hold.Reason
		logger.Warn("session component is held", zap.String("hold_kind", hold.Kind), zap.String("reason", hold.Reason))
		return ev, m.writeCheck(ctx, check)
	}

	end := sess.MonitoringWindow.End
	if now.Before(end) {
		end = now.Add(time.Second)
	}
	current, err := m.telemetry.Aggregate(ctx, models.AggregateQuery{
		ComponentID: sess.ComponentID,
		VersionID:   sess.VersionID,
		Start:       sess.MonitoringWindow.Start,
		End:         end,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate current window: %w", err)
	}
	check.Current = current

	verdict, err := m.detector.Check(ctx, sess.ComponentID, sess.VersionID)
	if err != nil {
		return nil, err
	}
	ev.Verdict = verdict
	if verdict.Triggered {
		check.Baseline = sess.Baseline
		check.Severity = models.SeverityCritical
		check.NeedsRollback = true
		check.Detail = verdict.Reason
		if err := m.writeCheck(ctx, check); err != nil {
			return nil, err
		}
		logger.Warn("fast rollback triggered", zap.String("pattern", string(verdict.Pattern)))
		return ev, m.rollback(ctx, ev, verdict.RollbackType, verdict.Reason)
	}

	baseline, err := m.baseline(ctx, sess)
	if err != nil {
		return nil, err
	}
	check.Baseline = baseline

	a := Assess(baseline, current, sess.RegressionThreshold, m.cfg)
	check.SuccessRateDrop = a.Drop
	check.Severity = a.Severity
	check.DurationRegression = a.DurationRegression
	check.NeedsRollback = a.NeedsRollback
	check.InsufficientData = a.InsufficientData
	elapsed := !now.Before(sess.MonitoringWindow.End)

	switch {
	case a.InsufficientData:
		check.Detail = fmt.Sprintf("insufficient data: baseline %d, current %d executions (need %d)",
			baseline.Total, current.Total, m.cfg.MinExecutions)
		if elapsed {
			check.Detail += "; window elapsed, session completed without verdict"
		}
	case a.NeedsRollback:
		check.Detail = fmt.Sprintf("success rate %.2f -> %.2f (drop %.2f, %s)",
			baseline.SuccessRate(), current.SuccessRate(), a.Drop, a.Severity)
		if a.DurationRegression {
			check.Detail += fmt.Sprintf("; avg duration %.0fms -> %.0fms", baseline.AvgDurationMS, current.AvgDurationMS)
		}
	default:
		check.Detail = fmt.Sprintf("healthy: drop %.2f", a.Drop)
	}
	if err := m.writeCheck(ctx, check); err != nil {
		return nil, err
	}

	if a.NeedsRollback {
		logger.Warn("regression detected",
			zap.String("severity", string(a.Severity)),
			zap.Float64("drop", a.Drop),
			zap.Bool("duration_regression", a.DurationRegression))
		return ev, m.rollback(ctx, ev, models.RollbackStandard, check.Detail)
	}

	if elapsed {
		if err := m.store.CloseSession(ctx, sess.ID, models.SessionStatusCompleted); err != nil && !errors.Is(err, store.ErrSessionNotActive) {
			return nil, err
		}
		ev.Completed = true
		ev.Session.Status = models.SessionStatusCompleted
		logger.Info("monitoring session completed", zap.Bool("insufficient_data", a.InsufficientData))
	}
	return ev, nil
}

// baseline re-aggregates the previous version over the baseline window so
// late telemetry is included. Without a previous version the stored snapshot
// is used.
func (m *Monitor) baseline(ctx context.Context, sess *models.MonitoringSession) (models.Metrics, error) {
	if sess.PreviousVersionID == "" {
		return sess.Baseline, nil
	}
	b, err := m.telemetry.Aggregate(ctx, models.AggregateQuery{
		ComponentID: sess.ComponentID,
		VersionID:   sess.PreviousVersionID,
		Start:       sess.BaselineWindow.Start,
		End:         sess.BaselineWindow.End,
	})
	if err != nil {
		return models.Metrics{}, fmt.Errorf("aggregate baseline window: %w", err)
	}
	return b, nil
}

func (m *Monitor) writeCheck(ctx context.Context, check *models.HealthCheck) error {
	if err := m.store.InsertHealthCheck(ctx, check); err != nil {
		return fmt.Errorf("write health check: %w", err)
	}
	return nil
}

func (m *Monitor) rollback(ctx context.Context, ev *Evaluation, typ models.RollbackType, reason string) error {
	sess := ev.Session
	if sess.PreviousVersionID == "" {
		return fmt.Errorf("session %s has no previous version to roll back to", sess.ID)
	}
	rb, err := m.versions.RollbackTo(ctx, versions.RollbackRequest{
		ComponentID: sess.ComponentID,
		VersionID:   sess.PreviousVersionID,
		Reason:      reason,
		Type:        typ,
		SessionID:   sess.ID,
	})
	if err != nil {
		return err
	}
	ev.Rollback = rb
	ev.Session.Status = models.SessionStatusRolledBack
	return nil
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}
