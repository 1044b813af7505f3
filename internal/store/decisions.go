package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/steward/internal/models"
	"github.com/google/uuid"
)

// WriteDecision writes a decision record.
func (s *Store) WriteDecision(ctx context.Context, action, inputsHash, outcome, componentID, details string) (*models.DecisionRecord, error) {
	rec := &models.DecisionRecord{
		ID:          uuid.New().String(),
		Action:      action,
		InputsHash:  inputsHash,
		Outcome:     outcome,
		ComponentID: componentID,
		Details:     details,
		Timestamp:   s.now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, action, inputs_hash, outcome, component_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Action, rec.InputsHash, rec.Outcome, nullString(rec.ComponentID), nullString(rec.Details), rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}
	return rec, nil
}

// ListDecisions returns the newest decision records, optionally for one component.
func (s *Store) ListDecisions(ctx context.Context, componentID string, limit int) ([]models.DecisionRecord, error) {
	query := `SELECT id, action, inputs_hash, outcome, component_id, details, timestamp FROM decisions`
	var args []interface{}
	if componentID != "" {
		query += ` WHERE component_id = ?`
		args = append(args, componentID)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var recs []models.DecisionRecord
	for rows.Next() {
		var rec models.DecisionRecord
		var compID, details sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.InputsHash, &rec.Outcome, &compID, &details, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		rec.ComponentID = compID.String
		rec.Details = details.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
