package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/models"
	"github.com/google/uuid"
)

var (
	_ connectors.Telemetry = (*Store)(nil)
	_ connectors.Lifecycle = (*Store)(nil)
)

// InsertExecution records an execution. The telemetry writer owns this table;
// Steward itself only reads it.
func (s *Store) InsertExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, component_id, version_id, timestamp, success, error_class, error_message, duration_ms, input, output)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ComponentID, nullString(rec.VersionID), rec.Timestamp.UTC(), boolInt(rec.Success),
		nullString(rec.ErrorClass), nullString(rec.ErrorMessage), rec.DurationMS,
		nullString(string(rec.Input)), nullString(string(rec.Output)),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Aggregate returns total, successes and mean duration for the query window.
func (s *Store) Aggregate(ctx context.Context, q models.AggregateQuery) (models.Metrics, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(duration_ms), 0)
		FROM executions WHERE component_id = ? AND timestamp >= ? AND timestamp < ?`
	args := []interface{}{q.ComponentID, q.Start.UTC(), q.End.UTC()}
	if q.VersionID != "" {
		query += ` AND version_id = ?`
		args = append(args, q.VersionID)
	}

	var m models.Metrics
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&m.Total, &m.Successes, &m.AvgDurationMS); err != nil {
		return models.Metrics{}, fmt.Errorf("aggregate executions: %w", err)
	}
	return m, nil
}

// Recent returns up to Limit executions since Since, newest first.
func (s *Store) Recent(ctx context.Context, q models.RecentQuery) ([]models.ExecutionRecord, error) {
	query := `SELECT id, component_id, version_id, timestamp, success, error_class, error_message, duration_ms, input, output
		FROM executions WHERE component_id = ? AND timestamp >= ?`
	args := []interface{}{q.ComponentID, q.Since.UTC()}
	if q.VersionID != "" {
		query += ` AND version_id = ?`
		args = append(args, q.VersionID)
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.queryExecutions(ctx, query, args...)
}

// Successful returns up to limit successful executions since the given time,
// newest first, including their recorded input and output.
func (s *Store) Successful(ctx context.Context, componentID string, since time.Time, limit int) ([]models.ExecutionRecord, error) {
	query := `SELECT id, component_id, version_id, timestamp, success, error_class, error_message, duration_ms, input, output
		FROM executions WHERE component_id = ? AND timestamp >= ? AND success = 1 AND input IS NOT NULL
		ORDER BY timestamp DESC, id DESC LIMIT ?`
	return s.queryExecutions(ctx, query, componentID, since.UTC(), limit)
}

// CountFailures returns the number of failed executions since the given time.
func (s *Store) CountFailures(ctx context.Context, componentID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE component_id = ? AND timestamp >= ? AND success = 0`,
		componentID, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return n, nil
}

// CountSuccesses returns the number of successful executions with a recorded
// input since the given time.
func (s *Store) CountSuccesses(ctx context.Context, componentID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE component_id = ? AND timestamp >= ? AND success = 1 AND input IS NOT NULL`,
		componentID, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count successes: %w", err)
	}
	return n, nil
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]models.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var recs []models.ExecutionRecord
	for rows.Next() {
		var rec models.ExecutionRecord
		var versionID, errClass, errMsg, input, output sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ComponentID, &versionID, &rec.Timestamp, &rec.Success,
			&errClass, &errMsg, &rec.DurationMS, &input, &output); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.VersionID = versionID.String
		rec.ErrorClass = errClass.String
		rec.ErrorMessage = errMsg.String
		if input.Valid {
			rec.Input = []byte(input.String)
		}
		if output.Valid {
			rec.Output = []byte(output.String)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
