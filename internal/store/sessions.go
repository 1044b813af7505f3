package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/steward/internal/models"
	"github.com/google/uuid"
)

const sessionColumns = `id, component_id, version_id, previous_version_id, deployment_time,
	baseline_start, baseline_end, monitoring_start, monitoring_end,
	baseline_total, baseline_successes, baseline_avg_duration,
	regression_threshold, status, started_at, completed_at`

// GetSession retrieves a monitoring session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*models.MonitoringSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM monitoring_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// GetActiveSession returns the active session of a component, or nil.
func (s *Store) GetActiveSession(ctx context.Context, componentID string) (*models.MonitoringSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM monitoring_sessions WHERE component_id = ? AND status = ?`,
		componentID, models.SessionStatusActive,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	return sess, nil
}

// ListActiveSessions returns every active session, oldest deployment first.
func (s *Store) ListActiveSessions(ctx context.Context) ([]models.MonitoringSession, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM monitoring_sessions WHERE status = ? ORDER BY deployment_time ASC, id ASC`,
		models.SessionStatusActive,
	)
}

// ListSessions returns the sessions of a component, newest first.
func (s *Store) ListSessions(ctx context.Context, componentID string, limit int) ([]models.MonitoringSession, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM monitoring_sessions WHERE component_id = ? ORDER BY deployment_time DESC LIMIT ?`,
		componentID, limit,
	)
}

// CloseSession moves an active session to a terminal status.
func (s *Store) CloseSession(ctx context.Context, id string, status models.SessionStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := closeSessionTx(ctx, tx, id, status, s.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// InsertHealthCheck records one evaluation of a session.
func (s *Store) InsertHealthCheck(ctx context.Context, hc *models.HealthCheck) error {
	if hc.ID == "" {
		hc.ID = uuid.New().String()
	}
	if hc.CheckedAt.IsZero() {
		hc.CheckedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_checks (id, session_id, checked_at,
		 baseline_total, baseline_successes, baseline_avg_duration,
		 current_total, current_successes, current_avg_duration,
		 success_rate_drop, duration_regression, severity, needs_rollback, insufficient_data, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hc.ID, hc.SessionID, hc.CheckedAt.UTC(),
		hc.Baseline.Total, hc.Baseline.Successes, hc.Baseline.AvgDurationMS,
		hc.Current.Total, hc.Current.Successes, hc.Current.AvgDurationMS,
		hc.SuccessRateDrop, boolInt(hc.DurationRegression), hc.Severity, boolInt(hc.NeedsRollback),
		boolInt(hc.InsufficientData), nullString(hc.Detail),
	)
	if err != nil {
		return fmt.Errorf("insert health check: %w", err)
	}
	return nil
}

// ListHealthChecks returns the newest health checks of a session.
func (s *Store) ListHealthChecks(ctx context.Context, sessionID string, limit int) ([]models.HealthCheck, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, checked_at,
		 baseline_total, baseline_successes, baseline_avg_duration,
		 current_total, current_successes, current_avg_duration,
		 success_rate_drop, duration_regression, severity, needs_rollback, insufficient_data, detail
		 FROM health_checks WHERE session_id = ? ORDER BY checked_at DESC, rowid DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query health checks: %w", err)
	}
	defer rows.Close()

	var checks []models.HealthCheck
	for rows.Next() {
		var hc models.HealthCheck
		var detail sql.NullString
		if err := rows.Scan(&hc.ID, &hc.SessionID, &hc.CheckedAt,
			&hc.Baseline.Total, &hc.Baseline.Successes, &hc.Baseline.AvgDurationMS,
			&hc.Current.Total, &hc.Current.Successes, &hc.Current.AvgDurationMS,
			&hc.SuccessRateDrop, &hc.DurationRegression, &hc.Severity, &hc.NeedsRollback,
			&hc.InsufficientData, &detail); err != nil {
			return nil, fmt.Errorf("scan health check: %w", err)
		}
		hc.Detail = detail.String
		checks = append(checks, hc)
	}
	return checks, rows.Err()
}

func (s *Store) listSessions(ctx context.Context, query string, args ...interface{}) ([]models.MonitoringSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.MonitoringSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func insertSessionTx(ctx context.Context, tx *sql.Tx, sess *models.MonitoringSession) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO monitoring_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ComponentID, sess.VersionID, nullString(sess.PreviousVersionID), sess.DeploymentTime,
		sess.BaselineWindow.Start.UTC(), sess.BaselineWindow.End.UTC(),
		sess.MonitoringWindow.Start.UTC(), sess.MonitoringWindow.End.UTC(),
		sess.Baseline.Total, sess.Baseline.Successes, sess.Baseline.AvgDurationMS,
		sess.RegressionThreshold, sess.Status, sess.StartedAt, nil,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func closeSessionTx(ctx context.Context, tx *sql.Tx, id string, status models.SessionStatus, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE monitoring_sessions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, at, id, models.SessionStatusActive,
	)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotActive
	}
	return nil
}

func scanSession(row rowScanner) (*models.MonitoringSession, error) {
	var sess models.MonitoringSession
	var prev sql.NullString
	var completed sql.NullTime
	err := row.Scan(&sess.ID, &sess.ComponentID, &sess.VersionID, &prev, &sess.DeploymentTime,
		&sess.BaselineWindow.Start, &sess.BaselineWindow.End,
		&sess.MonitoringWindow.Start, &sess.MonitoringWindow.End,
		&sess.Baseline.Total, &sess.Baseline.Successes, &sess.Baseline.AvgDurationMS,
		&sess.RegressionThreshold, &sess.Status, &sess.StartedAt, &completed)
	if err != nil {
		return nil, err
	}
	sess.PreviousVersionID = prev.String
	if completed.Valid {
		t := completed.Time
		sess.CompletedAt = &t
	}
	return &sess, nil
}
