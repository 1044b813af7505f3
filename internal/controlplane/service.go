// Package controlplane provides the operator HTTP API and service layer for
// Steward.
package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/steward/internal/audit"
	"github.com/fentz26/steward/internal/deploy"
	"github.com/fentz26/steward/internal/locks"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/scheduler"
	"github.com/fentz26/steward/internal/store"
	"github.com/fentz26/steward/internal/versions"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 20
	statusHistoryLimit  = 10
	maxListLimit        = 500
)

// Service provides the operator-facing business logic.
type Service struct {
	store     *store.Store
	versions  *versions.Service
	deployer  *deploy.Manager
	scheduler *scheduler.Scheduler
	locks     *locks.Keyed
	recorder  *audit.Recorder
	logger    *zap.Logger
}

// NewService creates a new control plane service.
func NewService(s *store.Store, vs *versions.Service, dm *deploy.Manager, sch *scheduler.Scheduler,
	lk *locks.Keyed, recorder *audit.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     s,
		versions:  vs,
		deployer:  dm,
		scheduler: sch,
		locks:     lk,
		recorder:  recorder,
		logger:    logger,
	}
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Components ---

// RegisterRequest registers a component with its first artifact.
type RegisterRequest struct {
	Name       string `json:"name" validate:"required,max=200"`
	EntryPoint string `json:"entry_point" validate:"omitempty,max=200"`
	Artifact   string `json:"artifact" validate:"required"`
}

// Registration is the result of registering a component.
type Registration struct {
	Component *models.Component `json:"component"`
	Version   *models.Version   `json:"version"`
}

// RegisterComponent creates a component and its version 1.
func (s *Service) RegisterComponent(ctx context.Context, req RegisterRequest) (*Registration, error) {
	comp, v, err := s.store.RegisterComponent(ctx, req.Name, req.EntryPoint, req.Artifact, models.CreatedByHuman)
	if err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.ActionRegister, req, audit.OutcomeSuccess, comp.ID, req.Name)
	return &Registration{Component: comp, Version: v}, nil
}

// ListComponents returns components, optionally filtered by status.
func (s *Service) ListComponents(ctx context.Context, status string) ([]models.Component, error) {
	return s.store.ListComponents(ctx, models.ComponentStatus(status))
}

// Status is the operator view of one component.
type Status struct {
	Component       *models.Component         `json:"component"`
	CurrentVersion  *models.Version           `json:"current_version,omitempty"`
	History         []models.Version          `json:"history_summary"`
	ActiveSession   *models.MonitoringSession `json:"active_session,omitempty"`
	Hold            *models.Hold              `json:"hold,omitempty"`
	RecentRollbacks []models.RollbackEvent    `json:"recent_rollbacks"`
}

// GetStatus returns the component, its current version, a short history and
// the active monitoring session if any.
func (s *Service) GetStatus(ctx context.Context, componentID string) (*Status, error) {
	comp, err := s.store.GetComponent(ctx, componentID)
	if err != nil {
		return nil, err
	}
	st := &Status{Component: comp}

	cur, err := s.store.GetCurrentVersion(ctx, componentID)
	switch {
	case errors.Is(err, models.ErrVersionNotFound):
	case err != nil:
		return nil, err
	default:
		if err := s.versions.RefreshMetrics(ctx, cur); err != nil {
			s.logger.Debug("refresh version metrics failed", zap.String("version_id", cur.ID), zap.Error(err))
		}
		st.CurrentVersion = cur
	}

	if st.History, err = s.versions.History(ctx, componentID, statusHistoryLimit); err != nil {
		return nil, err
	}
	for i := range st.History {
		st.History[i].Artifact = ""
	}
	if st.ActiveSession, err = s.store.GetActiveSession(ctx, componentID); err != nil {
		return nil, err
	}
	if st.Hold, err = s.store.GetHold(ctx, componentID); err != nil {
		return nil, err
	}
	if st.RecentRollbacks, err = s.store.ListRollbackEvents(ctx, componentID, 5); err != nil {
		return nil, err
	}
	return st, nil
}

// History returns versions newest first.
func (s *Service) History(ctx context.Context, componentID string, limit int) ([]models.Version, error) {
	return s.versions.History(ctx, componentID, clampLimit(limit))
}

// Compare diffs two versions of a component.
func (s *Service) Compare(ctx context.Context, componentID, fromID, toID string) (*versions.Comparison, error) {
	if fromID == "" || toID == "" {
		return nil, fmt.Errorf("%w: from and to are required", ErrInvalidRequest)
	}
	return s.versions.Compare(ctx, componentID, fromID, toID)
}

// --- Manual versions ---

// CreateVersionRequest is an operator-supplied candidate. It goes through
// the same validation and deployment pipeline as autonomous candidates.
type CreateVersionRequest struct {
	Artifact        string                 `json:"artifact" validate:"required"`
	Reason          string                 `json:"reason" validate:"required"`
	ParentVersionID string                 `json:"parent_version_id"`
	Characteristics models.Characteristics `json:"characteristics"`
	TestCases       []models.TestCase      `json:"declared_test_cases" validate:"dive"`
}

// CreateVersion validates and deploys an operator candidate.
func (s *Service) CreateVersion(ctx context.Context, componentID string, req CreateVersionRequest) (*deploy.Outcome, error) {
	cand := &models.Candidate{
		ComponentID:     componentID,
		ParentVersionID: req.ParentVersionID,
		Artifact:        req.Artifact,
		Characteristics: req.Characteristics,
		TestCases:       req.TestCases,
		Reason:          req.Reason,
		CreatedBy:       models.CreatedByHuman,
	}
	if len(cand.TestCases) > 0 {
		cand.Characteristics.HasDeclaredTestCases = true
	}
	outcome, err := s.deployer.ValidateAndDeploy(ctx, cand)
	if err != nil {
		return outcome, err
	}
	s.logger.Info("manual version deployed",
		zap.String("component_id", componentID),
		zap.String("version_id", outcome.Deploy.Version.ID),
		zap.Int("version_number", outcome.Deploy.Version.VersionNumber))
	return outcome, nil
}

// --- Rollback and holds ---

// RollbackRequest forces a rollback. An empty VersionID selects the version
// preceding the current one.
type RollbackRequest struct {
	VersionID string `json:"version_id"`
	Reason    string `json:"reason" validate:"required"`
}

// ForceRollback moves a component back to an earlier version under the
// component lock. Holds do not block an operator rollback.
func (s *Service) ForceRollback(ctx context.Context, componentID string, req RollbackRequest) (*models.RollbackEvent, error) {
	unlock, err := s.locks.Lock(ctx, componentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.GetComponent(ctx, componentID); err != nil {
		return nil, err
	}
	target := req.VersionID
	if target == "" {
		cur, err := s.store.GetCurrentVersion(ctx, componentID)
		if err != nil {
			return nil, err
		}
		prev, err := s.store.PreviousVersion(ctx, componentID, cur.VersionNumber)
		if err != nil {
			if errors.Is(err, models.ErrVersionNotFound) {
				return nil, fmt.Errorf("%w: version %d has no predecessor", ErrNoPreviousVersion, cur.VersionNumber)
			}
			return nil, err
		}
		target = prev.ID
	}

	ev, err := s.versions.RollbackTo(ctx, versions.RollbackRequest{
		ComponentID: componentID,
		VersionID:   target,
		Reason:      req.Reason,
		Type:        models.RollbackManual,
	})
	var rf *models.RollbackFailure
	if errors.As(err, &rf) {
		s.scheduler.RecordRollback(&models.RollbackEvent{ComponentID: componentID, RollbackType: models.RollbackManual})
	}
	if err != nil {
		return nil, err
	}
	s.scheduler.RecordRollback(ev)
	return ev, nil
}

// ClearHold lifts a hold so autonomous actions resume for the component.
func (s *Service) ClearHold(ctx context.Context, componentID string) error {
	return s.locks.With(ctx, componentID, func(ctx context.Context) error {
		if _, err := s.store.GetComponent(ctx, componentID); err != nil {
			return err
		}
		cleared, err := s.store.ClearHold(ctx, componentID)
		if err != nil {
			return err
		}
		if !cleared {
			return ErrNoHold
		}
		s.logger.Info("hold cleared", zap.String("component_id", componentID))
		s.recorder.Record(ctx, audit.ActionUnhold, componentID, audit.OutcomeSuccess, componentID, "cleared by operator")
		return nil
	})
}

// ListHolds returns every held component.
func (s *Service) ListHolds(ctx context.Context) ([]models.Hold, error) {
	return s.store.ListHolds(ctx)
}

// --- Monitoring ---

// HealthReport holds the latest monitoring session of a component and its
// health checks, newest first.
type HealthReport struct {
	Session *models.MonitoringSession `json:"session,omitempty"`
	Checks  []models.HealthCheck      `json:"checks"`
}

// HealthChecks returns the checks of the component's most recent session.
func (s *Service) HealthChecks(ctx context.Context, componentID string, limit int) (*HealthReport, error) {
	if _, err := s.store.GetComponent(ctx, componentID); err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(ctx, componentID, 1)
	if err != nil {
		return nil, err
	}
	report := &HealthReport{Checks: []models.HealthCheck{}}
	if len(sessions) == 0 {
		return report, nil
	}
	report.Session = &sessions[0]
	checks, err := s.store.ListHealthChecks(ctx, sessions[0].ID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	if checks != nil {
		report.Checks = checks
	}
	return report, nil
}

// Decisions returns the attempt log of a component, newest first.
func (s *Service) Decisions(ctx context.Context, componentID string, limit int) ([]models.DecisionRecord, error) {
	return s.store.ListDecisions(ctx, componentID, clampLimit(limit))
}

// --- Loop ---

// ListOpportunities runs a detection pass without attempting anything.
func (s *Service) ListOpportunities(ctx context.Context) ([]models.Opportunity, error) {
	return s.scheduler.ListOpportunities(ctx)
}

// Statistics returns the loop counters.
func (s *Service) Statistics() scheduler.Stats {
	return s.scheduler.GetStats()
}

// Pause stops the loop from starting new work.
func (s *Service) Pause() {
	s.scheduler.Pause()
}

// Resume lets the loop start new work again.
func (s *Service) Resume() {
	s.scheduler.Resume()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
