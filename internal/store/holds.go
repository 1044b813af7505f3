package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/steward/internal/models"
)

// PlaceHold suspends autonomous actions on a component. An existing hold is
// kept; the first reason wins until an operator clears it.
func (s *Store) PlaceHold(ctx context.Context, componentID, kind, reason string) (*models.Hold, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO holds (component_id, kind, reason, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(component_id) DO NOTHING`,
		componentID, kind, reason, s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert hold: %w", err)
	}
	return s.GetHold(ctx, componentID)
}

// GetHold returns the hold on a component, or nil.
func (s *Store) GetHold(ctx context.Context, componentID string) (*models.Hold, error) {
	var h models.Hold
	err := s.db.QueryRowContext(ctx,
		`SELECT component_id, kind, reason, created_at FROM holds WHERE component_id = ?`,
		componentID,
	).Scan(&h.ComponentID, &h.Kind, &h.Reason, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query hold: %w", err)
	}
	return &h, nil
}

// ClearHold removes the hold on a component. It reports whether one existed.
func (s *Store) ClearHold(ctx context.Context, componentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM holds WHERE component_id = ?`, componentID)
	if err != nil {
		return false, fmt.Errorf("delete hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// ListHolds returns every held component.
func (s *Store) ListHolds(ctx context.Context) ([]models.Hold, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT component_id, kind, reason, created_at FROM holds ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query holds: %w", err)
	}
	defer rows.Close()

	var holds []models.Hold
	for rows.Next() {
		var h models.Hold
		if err := rows.Scan(&h.ComponentID, &h.Kind, &h.Reason, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}
