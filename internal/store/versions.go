package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/steward/internal/models"
	"github.com/google/uuid"
)

// NewVersion describes a version to append to a component's history.
type NewVersion struct {
	ComponentID      string
	Artifact         string
	CreatedBy        models.CreatedBy
	ParentVersionID  string
	Reason           string
	IsBreakingChange bool
	MakeCurrent      bool
}

// SessionSpec describes the monitoring session opened by a deploy.
type SessionSpec struct {
	// ExpectedCurrentID is the version the caller observed as current; the
	// deploy is rejected with ErrStaleParent if the pointer moved.
	ExpectedCurrentID   string
	DeploymentTime      time.Time
	BaselineWindow      models.Window
	MonitoringWindow    models.Window
	Baseline            models.Metrics
	RegressionThreshold float64
}

// DeployResult holds the rows written by DeployVersion.
type DeployResult struct {
	Version           *models.Version
	Session           *models.MonitoringSession
	PreviousVersionID string
}

const versionColumns = `v.id, v.component_id, v.version_number, v.artifact, v.created_at, v.created_by,
	v.parent_version_id, v.improvement_reason, v.is_current, v.is_breaking_change,
	m.success_rate, m.total_executions, m.refreshed_at`

const versionFrom = ` FROM versions v LEFT JOIN version_metrics m ON m.version_id = v.id`

// CreateVersion appends a version to a component's history. When MakeCurrent
// is set the pointer flip happens in the same transaction.
func (s *Store) CreateVersion(ctx context.Context, nv NewVersion) (*models.Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	v, err := s.createVersionTx(ctx, tx, nv)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return v, nil
}

// DeployVersion creates a current version and opens its monitoring session
// atomically. It fails with ErrStaleParent if the current pointer no longer
// matches spec.ExpectedCurrentID, and with ErrSessionActive if the component
// is still being monitored.
func (s *Store) DeployVersion(ctx context.Context, nv NewVersion, spec SessionSpec) (*DeployResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT current_version_id FROM components WHERE id = ?`, nv.ComponentID).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, models.ErrComponentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query current version: %w", err)
	}
	if current.String != spec.ExpectedCurrentID {
		return nil, ErrStaleParent
	}

	var activeID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM monitoring_sessions WHERE component_id = ? AND status = ?`,
		nv.ComponentID, models.SessionStatusActive,
	).Scan(&activeID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("check active session: %w", err)
	}
	if activeID != "" {
		return nil, ErrSessionActive
	}

	nv.MakeCurrent = true
	v, err := s.createVersionTx(ctx, tx, nv)
	if err != nil {
		return nil, err
	}

	sess := &models.MonitoringSession{
		ID:                  uuid.New().String(),
		ComponentID:         nv.ComponentID,
		VersionID:           v.ID,
		PreviousVersionID:   current.String,
		DeploymentTime:      spec.DeploymentTime.UTC(),
		BaselineWindow:      spec.BaselineWindow,
		MonitoringWindow:    spec.MonitoringWindow,
		Baseline:            spec.Baseline,
		RegressionThreshold: spec.RegressionThreshold,
		Status:              models.SessionStatusActive,
		StartedAt:           s.now(),
	}
	if err := insertSessionTx(ctx, tx, sess); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &DeployResult{Version: v, Session: sess, PreviousVersionID: current.String}, nil
}

// RevertDeploy restores the previous current version and closes the session
// opened by the failed deploy, in one transaction.
func (s *Store) RevertDeploy(ctx context.Context, componentID, restoreVersionID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if restoreVersionID != "" {
		if _, err := s.flipCurrentTx(ctx, tx, componentID, restoreVersionID); err != nil {
			return err
		}
	} else {
		// First deploy of a component with no prior version: clear the pointer.
		if _, err := tx.ExecContext(ctx, `UPDATE versions SET is_current = 0 WHERE component_id = ? AND is_current = 1`, componentID); err != nil {
			return fmt.Errorf("clear current version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE components SET current_version_id = NULL, updated_at = ? WHERE id = ?`, s.now(), componentID); err != nil {
			return fmt.Errorf("clear component pointer: %w", err)
		}
	}
	if sessionID != "" {
		if err := closeSessionTx(ctx, tx, sessionID, models.SessionStatusRolledBack, s.now()); err != nil && err != ErrSessionNotActive {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetVersion retrieves a version by ID.
func (s *Store) GetVersion(ctx context.Context, id string) (*models.Version, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+versionFrom+` WHERE v.id = ?`, id)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query version: %w", err)
	}
	return v, nil
}

// GetCurrentVersion returns the current version of a component.
func (s *Store) GetCurrentVersion(ctx context.Context, componentID string) (*models.Version, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+versionFrom+` WHERE v.component_id = ? AND v.is_current = 1`,
		componentID,
	)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query current version: %w", err)
	}
	return v, nil
}

// ListVersions returns up to limit versions, newest version_number first.
// A non-positive limit returns the full history.
func (s *Store) ListVersions(ctx context.Context, componentID string, limit int) ([]models.Version, error) {
	query := `SELECT ` + versionColumns + versionFrom + ` WHERE v.component_id = ? ORDER BY v.version_number DESC`
	args := []interface{}{componentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var versions []models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// PreviousVersion returns the highest-numbered version below versionNumber.
func (s *Store) PreviousVersion(ctx context.Context, componentID string, versionNumber int) (*models.Version, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+versionFrom+` WHERE v.component_id = ? AND v.version_number < ? ORDER BY v.version_number DESC LIMIT 1`,
		componentID, versionNumber,
	)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query previous version: %w", err)
	}
	return v, nil
}

// CountCurrentVersions returns how many versions of a component are flagged current.
func (s *Store) CountCurrentVersions(ctx context.Context, componentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM versions WHERE component_id = ? AND is_current = 1`,
		componentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count current versions: %w", err)
	}
	return n, nil
}

// RefreshVersionMetrics replaces the cached metrics snapshot of a version.
func (s *Store) RefreshVersionMetrics(ctx context.Context, versionID string, m models.Metrics) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO version_metrics (version_id, success_rate, total_executions, refreshed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(version_id) DO UPDATE SET success_rate = excluded.success_rate,
		 total_executions = excluded.total_executions, refreshed_at = excluded.refreshed_at`,
		versionID, m.SuccessRate(), m.Total, s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert version metrics: %w", err)
	}
	return nil
}

func (s *Store) createVersionTx(ctx context.Context, tx *sql.Tx, nv NewVersion) (*models.Version, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM components WHERE id = ?`, nv.ComponentID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("query component: %w", err)
	}
	if exists == 0 {
		return nil, models.ErrComponentNotFound
	}

	var maxNumber int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM versions WHERE component_id = ?`,
		nv.ComponentID,
	).Scan(&maxNumber)
	if err != nil {
		return nil, fmt.Errorf("query version number: %w", err)
	}

	now := s.now()
	v := &models.Version{
		ID:                uuid.New().String(),
		ComponentID:       nv.ComponentID,
		VersionNumber:     maxNumber + 1,
		Artifact:          nv.Artifact,
		CreatedAt:         now,
		CreatedBy:         nv.CreatedBy,
		ParentVersionID:   nv.ParentVersionID,
		ImprovementReason: nv.Reason,
		IsCurrent:         nv.MakeCurrent,
		IsBreakingChange:  nv.IsBreakingChange,
	}

	if nv.MakeCurrent {
		if _, err := tx.ExecContext(ctx,
			`UPDATE versions SET is_current = 0 WHERE component_id = ? AND is_current = 1`,
			nv.ComponentID,
		); err != nil {
			return nil, fmt.Errorf("clear current version: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO versions (id, component_id, version_number, artifact, created_at, created_by,
		 parent_version_id, improvement_reason, is_current, is_breaking_change) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ComponentID, v.VersionNumber, v.Artifact, v.CreatedAt, v.CreatedBy,
		nullString(v.ParentVersionID), nullString(v.ImprovementReason), boolInt(v.IsCurrent), boolInt(v.IsBreakingChange),
	)
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}

	if nv.MakeCurrent {
		if _, err := tx.ExecContext(ctx,
			`UPDATE components SET current_version_id = ?, updated_at = ? WHERE id = ?`,
			v.ID, now, nv.ComponentID,
		); err != nil {
			return nil, fmt.Errorf("update component pointer: %w", err)
		}
	}
	return v, nil
}

func (s *Store) flipCurrentTx(ctx context.Context, tx *sql.Tx, componentID, versionID string) (string, error) {
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT component_id FROM versions WHERE id = ?`, versionID).Scan(&owner)
	if err == sql.ErrNoRows || (err == nil && owner != componentID) {
		return "", models.ErrVersionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query version owner: %w", err)
	}

	var prev sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM versions WHERE component_id = ? AND is_current = 1`,
		componentID,
	).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("query current version: %w", err)
	}
	if prev.String == versionID {
		return prev.String, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE versions SET is_current = 0 WHERE component_id = ? AND is_current = 1`,
		componentID,
	); err != nil {
		return "", fmt.Errorf("clear current version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE versions SET is_current = 1 WHERE id = ?`, versionID); err != nil {
		return "", fmt.Errorf("set current version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE components SET current_version_id = ?, updated_at = ? WHERE id = ?`,
		versionID, s.now(), componentID,
	); err != nil {
		return "", fmt.Errorf("update component pointer: %w", err)
	}
	return prev.String, nil
}

func scanVersion(row rowScanner) (*models.Version, error) {
	var v models.Version
	var parent, reason sql.NullString
	var rate sql.NullFloat64
	var total sql.NullInt64
	var refreshed sql.NullTime
	err := row.Scan(&v.ID, &v.ComponentID, &v.VersionNumber, &v.Artifact, &v.CreatedAt, &v.CreatedBy,
		&parent, &reason, &v.IsCurrent, &v.IsBreakingChange, &rate, &total, &refreshed)
	if err != nil {
		return nil, err
	}
	v.ParentVersionID = parent.String
	v.ImprovementReason = reason.String
	v.SuccessRate = rate.Float64
	v.TotalExecutions = int(total.Int64)
	if refreshed.Valid {
		t := refreshed.Time
		v.MetricsAt = &t
	}
	return &v, nil
}
