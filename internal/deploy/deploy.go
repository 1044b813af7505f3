// Package deploy swaps a component's current version and opens the
// monitoring session for the new version.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/steward/internal/audit"
	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/locks"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/store"
	"github.com/fentz26/steward/internal/validation"
	"github.com/fentz26/steward/internal/versions"
	"go.uber.org/zap"
)

var (
	// ErrStaleCandidate means the current pointer moved after the candidate
	// was generated.
	ErrStaleCandidate = errors.New("candidate was generated against a version that is no longer current")

	// ErrSessionActive means the previous deploy is still being monitored.
	ErrSessionActive = store.ErrSessionActive
)

// Config holds deployment windows.
type Config struct {
	BaselineWindow      time.Duration `yaml:"baseline_window" validate:"gt=0"`
	MonitoringWindow    time.Duration `yaml:"monitoring_window" validate:"gt=0"`
	RegressionThreshold float64       `yaml:"regression_threshold" validate:"gt=0,lte=1"`
}

// DefaultConfig returns the default windows.
func DefaultConfig() Config {
	return Config{
		BaselineWindow:      7 * 24 * time.Hour,
		MonitoringWindow:    24 * time.Hour,
		RegressionThreshold: 0.15,
	}
}

// Metadata describes where a deployed artifact came from.
type Metadata struct {
	CreatedBy       models.CreatedBy
	Reason          string
	ParentVersionID string
}

// Result holds what a deploy wrote.
type Result struct {
	Version           *models.Version           `json:"version"`
	Session           *models.MonitoringSession `json:"session"`
	PreviousVersionID string                    `json:"previous_version_id"`
	BreakingChange    *versions.BreakingChange  `json:"breaking_change,omitempty"`
}

// Outcome is the result of the validate-then-deploy pipeline.
type Outcome struct {
	Validation *validation.Result `json:"validation"`
	Deploy     *Result            `json:"deploy,omitempty"`
}

// Manager is the Deployment Manager.
type Manager struct {
	store     *store.Store
	versions  *versions.Service
	telemetry connectors.Telemetry
	engine    *validation.Engine
	locks     *locks.Keyed
	recorder  *audit.Recorder
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// NewManager creates a Deployment Manager.
func NewManager(st *store.Store, vs *versions.Service, telemetry connectors.Telemetry, engine *validation.Engine,
	lk *locks.Keyed, recorder *audit.Recorder, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     st,
		versions:  vs,
		telemetry: telemetry,
		engine:    engine,
		locks:     lk,
		recorder:  recorder,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// ValidateAndDeploy validates a candidate and deploys it if the selected
// strategy passes. Validation and deploy run under the component lock, so no
// other deploy or rollback of the component can interleave.
func (m *Manager) ValidateAndDeploy(ctx context.Context, cand *models.Candidate) (*Outcome, error) {
	unlock, err := m.locks.Lock(ctx, cand.ComponentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	comp, cur, err := m.preflight(ctx, cand.ComponentID, cand.ParentVersionID)
	if err != nil {
		return nil, err
	}

	res, err := m.engine.Validate(ctx, validation.Request{
		Candidate:       cand,
		EntryPoint:      comp.EntryPoint,
		CurrentArtifact: cur.Artifact,
	})
	outcome := &Outcome{Validation: res}
	if err != nil {
		m.recorder.Record(ctx, audit.ActionValidate, cand, validateOutcome(err), cand.ComponentID, err.Error())
		return outcome, err
	}
	m.recorder.Record(ctx, audit.ActionValidate, cand, audit.OutcomeSuccess, cand.ComponentID, string(res.Strategy))

	dr, err := m.deployLocked(ctx, comp, cur, cand.Artifact, Metadata{
		CreatedBy:       cand.CreatedBy,
		Reason:          cand.Reason,
		ParentVersionID: cand.ParentVersionID,
	})
	outcome.Deploy = dr
	return outcome, err
}

// Deploy makes artifact the current version of a component and opens its
// monitoring session. The artifact must already have passed validation.
func (m *Manager) Deploy(ctx context.Context, componentID, artifact string, meta Metadata) (*Result, error) {
	unlock, err := m.locks.Lock(ctx, componentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	comp, cur, err := m.preflight(ctx, componentID, meta.ParentVersionID)
	if err != nil {
		return nil, err
	}
	return m.deployLocked(ctx, comp, cur, artifact, meta)
}

// preflight loads the component and its current version and refuses
// components that cannot take a deploy right now.
func (m *Manager) preflight(ctx context.Context, componentID, parentVersionID string) (*models.Component, *models.Version, error) {
	comp, err := m.store.GetComponent(ctx, componentID)
	if err != nil {
		return nil, nil, err
	}
	if comp.Status != models.ComponentStatusActive {
		return nil, nil, models.ErrComponentInactive
	}
	hold, err := m.store.GetHold(ctx, componentID)
	if err != nil {
		return nil, nil, err
	}
	if hold != nil {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrComponentHeld, hold.Reason)
	}
	if err := m.versions.CheckInvariant(ctx, componentID); err != nil {
		return nil, nil, err
	}
	sess, err := m.store.GetActiveSession(ctx, componentID)
	if err != nil {
		return nil, nil, err
	}
	if sess != nil {
		return nil, nil, ErrSessionActive
	}
	cur, err := m.store.GetCurrentVersion(ctx, componentID)
	if err != nil {
		return nil, nil, err
	}
	if parentVersionID != "" && parentVersionID != cur.ID {
		return nil, nil, ErrStaleCandidate
	}
	return comp, cur, nil
}

func (m *Manager) deployLocked(ctx context.Context, comp *models.Component, cur *models.Version, artifact string, meta Metadata) (*Result, error) {
	if artifact == "" {
		return nil, versions.ErrEmptyArtifact
	}
	if meta.CreatedBy == "" {
		meta.CreatedBy = models.CreatedByAutonomous
	}
	logger := m.logger.With(zap.String("component_id", comp.ID))

	breaking, details := versions.DetectBreakingChange(cur.Artifact, artifact, comp.EntryPoint)

	now := m.now().UTC()
	baselineWindow := models.Window{Start: now.Add(-m.cfg.BaselineWindow), End: now}
	baseline, err := m.telemetry.Aggregate(ctx, models.AggregateQuery{
		ComponentID: comp.ID,
		VersionID:   cur.ID,
		Start:       baselineWindow.Start,
		End:         baselineWindow.End,
	})
	if err != nil {
		return nil, fmt.Errorf("compute baseline: %w", err)
	}

	res, err := m.store.DeployVersion(ctx, store.NewVersion{
		ComponentID:      comp.ID,
		Artifact:         artifact,
		CreatedBy:        meta.CreatedBy,
		ParentVersionID:  cur.ID,
		Reason:           meta.Reason,
		IsBreakingChange: breaking,
	}, store.SessionSpec{
		ExpectedCurrentID:   cur.ID,
		DeploymentTime:      now,
		BaselineWindow:      baselineWindow,
		MonitoringWindow:    models.Window{Start: now, End: now.Add(m.cfg.MonitoringWindow)},
		Baseline:            baseline,
		RegressionThreshold: m.cfg.RegressionThreshold,
	})
	if errors.Is(err, store.ErrStaleParent) {
		return nil, ErrStaleCandidate
	}
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("version_id", res.Version.ID), zap.String("session_id", res.Session.ID))

	if err := m.versions.Reload(ctx, comp.ID); err != nil {
		rerr := m.store.RevertDeploy(ctx, comp.ID, res.PreviousVersionID, res.Session.ID)
		failure := &models.DeploymentFailure{
			ComponentID: comp.ID,
			VersionID:   res.Version.ID,
			Reverted:    rerr == nil,
			Err:         err,
		}
		logger.Error("registry reload failed, deploy reverted",
			zap.Bool("critical", true),
			zap.Bool("reverted", rerr == nil),
			zap.NamedError("revert_error", rerr),
			zap.Error(err))
		m.recorder.Record(ctx, audit.ActionDeploy, meta, audit.OutcomeFailure, comp.ID, failure.Error())
		return nil, failure
	}

	if err := m.versions.RefreshMetrics(ctx, cur); err != nil {
		logger.Debug("refresh version metrics failed", zap.Error(err))
	}

	if breaking {
		logger.Warn("deployed a breaking change", zap.String("detail", details.String()))
	}
	logger.Info("deployed",
		zap.Int("version_number", res.Version.VersionNumber),
		zap.String("previous_version_id", res.PreviousVersionID),
		zap.Int("baseline_total", baseline.Total),
		zap.Float64("baseline_success_rate", baseline.SuccessRate()))
	m.recorder.Record(ctx, audit.ActionDeploy, meta, audit.OutcomeSuccess, comp.ID,
		fmt.Sprintf("version %d (%s)", res.Version.VersionNumber, res.Version.ID))

	return &Result{
		Version:           res.Version,
		Session:           res.Session,
		PreviousVersionID: res.PreviousVersionID,
		BreakingChange:    details,
	}, nil
}

func validateOutcome(err error) string {
	switch {
	case errors.Is(err, validation.ErrManualReview):
		return audit.OutcomeSkipped
	case models.IsTransient(err):
		return audit.OutcomeTimeout
	default:
		return audit.OutcomeFailure
	}
}
