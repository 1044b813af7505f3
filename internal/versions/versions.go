// Package versions manages the immutable version history of components and
// the single current-version pointer per component.
//
// Service methods do not take the per-component lock themselves; callers that
// mutate a component (deploy, rollback, health evaluation) hold it.
package versions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/steward/internal/audit"
	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/store"
	"go.uber.org/zap"
)

// ErrEmptyArtifact is returned when a version would carry no artifact.
var ErrEmptyArtifact = errors.New("artifact is empty")

// Service is the Version Store.
type Service struct {
	store         *store.Store
	telemetry     connectors.Telemetry
	registry      connectors.Registry
	recorder      *audit.Recorder
	logger        *zap.Logger
	reloadTimeout time.Duration
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithReloadTimeout bounds every registry reload call.
func WithReloadTimeout(d time.Duration) Option {
	return func(s *Service) { s.reloadTimeout = d }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRecorder attaches a decision recorder.
func WithRecorder(r *audit.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// New creates a Version Store over st.
func New(st *store.Store, telemetry connectors.Telemetry, registry connectors.Registry, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:         st,
		telemetry:     telemetry,
		registry:      registry,
		logger:        logger,
		reloadTimeout: 30 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest describes a version to append.
type CreateRequest struct {
	ComponentID     string
	Artifact        string
	CreatedBy       models.CreatedBy
	Reason          string
	ParentVersionID string
	MakeCurrent     bool
}

// Create appends a version to the component's history. The breaking-change
// flag is computed against the current version and is informational only.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Version, error) {
	if req.Artifact == "" {
		return nil, ErrEmptyArtifact
	}
	breaking, details, err := s.BreakingChange(ctx, req.ComponentID, req.Artifact)
	if err != nil {
		return nil, err
	}
	if req.ParentVersionID == "" {
		if cur, err := s.store.GetCurrentVersion(ctx, req.ComponentID); err == nil {
			req.ParentVersionID = cur.ID
		}
	}

	v, err := s.store.CreateVersion(ctx, store.NewVersion{
		ComponentID:      req.ComponentID,
		Artifact:         req.Artifact,
		CreatedBy:        req.CreatedBy,
		ParentVersionID:  req.ParentVersionID,
		Reason:           req.Reason,
		IsBreakingChange: breaking,
		MakeCurrent:      req.MakeCurrent,
	})
	if err != nil {
		return nil, err
	}
	if breaking {
		s.logger.Info("breaking change recorded",
			zap.String("component_id", v.ComponentID),
			zap.String("version_id", v.ID),
			zap.String("detail", details.String()))
	}
	return v, nil
}

// BreakingChange compares artifact against the component's current version.
func (s *Service) BreakingChange(ctx context.Context, componentID, artifact string) (bool, *BreakingChange, error) {
	comp, err := s.store.GetComponent(ctx, componentID)
	if err != nil {
		return false, nil, err
	}
	cur, err := s.store.GetCurrentVersion(ctx, componentID)
	if errors.Is(err, models.ErrVersionNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	breaking, details := DetectBreakingChange(cur.Artifact, artifact, comp.EntryPoint)
	return breaking, details, nil
}

// Current returns the component's current version.
func (s *Service) Current(ctx context.Context, componentID string) (*models.Version, error) {
	return s.store.GetCurrentVersion(ctx, componentID)
}

// History returns up to limit versions, newest version_number first.
func (s *Service) History(ctx context.Context, componentID string, limit int) ([]models.Version, error) {
	if _, err := s.store.GetComponent(ctx, componentID); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, componentID, limit)
}

// RollbackRequest describes a pointer reversal.
type RollbackRequest struct {
	ComponentID string
	VersionID   string
	Reason      string
	Type        models.RollbackType
	SessionID   string
}

// RollbackTo moves the current pointer to an earlier version and reloads the
// runtime. Rolling back to the version that is already current succeeds
// without changing anything and without writing an event.
//
// If the runtime cannot load the target, the pointer is restored, a failed
// event is written, the component is held as degraded and a
// *models.RollbackFailure is returned.
func (s *Service) RollbackTo(ctx context.Context, req RollbackRequest) (*models.RollbackEvent, error) {
	if req.Type == "" {
		req.Type = models.RollbackManual
	}
	target, err := s.store.GetVersion(ctx, req.VersionID)
	if err != nil {
		return nil, err
	}
	if target.ComponentID != req.ComponentID {
		return nil, models.ErrVersionNotFound
	}

	ev := &models.RollbackEvent{
		ComponentID:  req.ComponentID,
		SessionID:    req.SessionID,
		TriggeredAt:  s.now().UTC(),
		RollbackType: req.Type,
		Reason:       req.Reason,
		ToVersionID:  target.ID,
	}

	cur, err := s.store.GetCurrentVersion(ctx, req.ComponentID)
	if err != nil && !errors.Is(err, models.ErrVersionNotFound) {
		return nil, err
	}
	if cur != nil && cur.ID == target.ID {
		ev.FromVersionID = cur.ID
		ev.Success = true
		return ev, nil
	}
	if cur != nil {
		ev.FromVersionID = cur.ID
	}

	if ev.SessionID == "" {
		// A manual rollback ends the monitoring of the version it replaces.
		sess, err := s.store.GetActiveSession(ctx, req.ComponentID)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			ev.SessionID = sess.ID
		}
	}

	if target.Artifact == "" {
		return nil, s.failRollback(ctx, ev, fmt.Errorf("target version %d has no artifact", target.VersionNumber))
	}

	prev, err := s.store.ApplyRollback(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("apply rollback: %w", err)
	}

	if err := s.reload(ctx, req.ComponentID); err != nil {
		if uerr := s.store.UndoRollback(ctx, ev, prev); uerr != nil {
			s.logger.Error("restore pointer after failed rollback",
				zap.String("component_id", req.ComponentID),
				zap.Bool("critical", true),
				zap.Error(uerr))
		} else if prev != "" {
			if lerr := s.reload(ctx, req.ComponentID); lerr != nil {
				s.logger.Warn("reload of restored version failed",
					zap.String("component_id", req.ComponentID),
					zap.Error(lerr))
			}
		}
		return nil, s.failRollback(ctx, ev, err)
	}

	if cur != nil {
		if err := s.RefreshMetrics(ctx, cur); err != nil {
			s.logger.Debug("refresh version metrics failed", zap.String("version_id", cur.ID), zap.Error(err))
		}
	}

	s.logger.Info("rolled back",
		zap.String("component_id", ev.ComponentID),
		zap.String("from_version_id", ev.FromVersionID),
		zap.String("to_version_id", ev.ToVersionID),
		zap.String("rollback_type", string(ev.RollbackType)),
		zap.String("reason", ev.Reason))
	s.recorder.Record(ctx, audit.ActionRollback, req, audit.OutcomeSuccess, req.ComponentID, string(req.Type)+": "+req.Reason)
	return ev, nil
}

func (s *Service) failRollback(ctx context.Context, ev *models.RollbackEvent, cause error) error {
	ev.Success = false
	if err := s.store.RecordRollback(ctx, ev); err != nil {
		s.logger.Error("record failed rollback", zap.String("component_id", ev.ComponentID), zap.Error(err))
	}
	reason := fmt.Sprintf("rollback to %s failed: %v", ev.ToVersionID, cause)
	if _, err := s.store.PlaceHold(ctx, ev.ComponentID, models.HoldDegraded, reason); err != nil {
		s.logger.Error("place degraded hold", zap.String("component_id", ev.ComponentID), zap.Error(err))
	}
	s.logger.Error("rollback failed",
		zap.String("component_id", ev.ComponentID),
		zap.String("to_version_id", ev.ToVersionID),
		zap.String("rollback_type", string(ev.RollbackType)),
		zap.Bool("critical", true),
		zap.Error(cause))
	s.recorder.Record(ctx, audit.ActionRollback, ev, audit.OutcomeFailure, ev.ComponentID, cause.Error())
	s.recorder.Record(ctx, audit.ActionHold, ev, models.HoldDegraded, ev.ComponentID, reason)
	return &models.RollbackFailure{ComponentID: ev.ComponentID, ToVersionID: ev.ToVersionID, Err: cause}
}

// Reload asks the runtime to load the component's current version within the
// configured timeout. A timeout is reported as ExternalCollaboratorTimeout.
func (s *Service) Reload(ctx context.Context, componentID string) error {
	return s.reload(ctx, componentID)
}

func (s *Service) reload(ctx context.Context, componentID string) error {
	if s.registry == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.reloadTimeout)
	defer cancel()
	err := s.registry.Reload(rctx, componentID)
	if err != nil && errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &models.ExternalCollaboratorTimeout{
			Collaborator: "registry",
			ComponentID:  componentID,
			Timeout:      s.reloadTimeout,
			Err:          err,
		}
	}
	return err
}

// CheckInvariant verifies the current-pointer invariant: an active component
// has exactly one current version, an inactive one at most one. A violation
// places an invariant hold and is returned as *models.InvariantViolationError.
func (s *Service) CheckInvariant(ctx context.Context, componentID string) error {
	active, err := s.store.IsActive(ctx, componentID)
	if err != nil {
		return err
	}
	n, err := s.store.CountCurrentVersions(ctx, componentID)
	if err != nil {
		return err
	}
	if n == 1 || (!active && n == 0) {
		return nil
	}

	violation := &models.InvariantViolationError{ComponentID: componentID, CurrentCount: n}
	if _, err := s.store.PlaceHold(ctx, componentID, models.HoldInvariant, violation.Error()); err != nil {
		s.logger.Error("place invariant hold", zap.String("component_id", componentID), zap.Error(err))
	}
	s.logger.Error("current version invariant violated",
		zap.String("component_id", componentID),
		zap.Int("current_count", n),
		zap.Bool("critical", true))
	s.recorder.Record(ctx, audit.ActionHold, violation, models.HoldInvariant, componentID, violation.Error())
	return violation
}

// RefreshMetrics recomputes a version's cached metrics snapshot from
// telemetry over the version's whole lifetime and updates v in place.
func (s *Service) RefreshMetrics(ctx context.Context, v *models.Version) error {
	if s.telemetry == nil {
		return nil
	}
	m, err := s.telemetry.Aggregate(ctx, models.AggregateQuery{
		ComponentID: v.ComponentID,
		VersionID:   v.ID,
		Start:       v.CreatedAt,
		End:         s.now().UTC().Add(time.Second),
	})
	if err != nil {
		return err
	}
	if err := s.store.RefreshVersionMetrics(ctx, v.ID, m); err != nil {
		return err
	}
	at := s.now().UTC()
	v.SuccessRate = m.SuccessRate()
	v.TotalExecutions = m.Total
	v.MetricsAt = &at
	return nil
}
