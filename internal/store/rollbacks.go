package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/steward/internal/models"
	"github.com/google/uuid"
)

// RecordRollback writes a rollback event. A successful rollback tied to a
// session also closes that session as rolled_back in the same transaction.
func (s *Store) RecordRollback(ctx context.Context, ev *models.RollbackEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.recordRollbackTx(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ApplyRollback moves the current pointer to ev.ToVersionID and records ev as
// a successful rollback in one transaction. It returns the previously current
// version ID for UndoRollback.
func (s *Store) ApplyRollback(ctx context.Context, ev *models.RollbackEvent) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := s.flipCurrentTx(ctx, tx, ev.ComponentID, ev.ToVersionID)
	if err != nil {
		return "", err
	}
	ev.Success = true
	if err := s.recordRollbackTx(ctx, tx, ev); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return prev, nil
}

// UndoRollback reverses ApplyRollback: the pointer goes back to prevVersionID,
// the event is deleted and the session it closed is active again.
func (s *Store) UndoRollback(ctx context.Context, ev *models.RollbackEvent, prevVersionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if prevVersionID != "" {
		if _, err := s.flipCurrentTx(ctx, tx, ev.ComponentID, prevVersionID); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE versions SET is_current = 0 WHERE component_id = ? AND is_current = 1`, ev.ComponentID); err != nil {
			return fmt.Errorf("clear current version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE components SET current_version_id = NULL, updated_at = ? WHERE id = ?`, s.now(), ev.ComponentID); err != nil {
			return fmt.Errorf("clear component pointer: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rollback_events WHERE id = ?`, ev.ID); err != nil {
		return fmt.Errorf("delete rollback event: %w", err)
	}
	if ev.SessionID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE monitoring_sessions SET status = ?, completed_at = NULL WHERE id = ? AND status = ?`,
			models.SessionStatusActive, ev.SessionID, models.SessionStatusRolledBack,
		); err != nil {
			return fmt.Errorf("reopen session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	ev.Success = false
	return nil
}

func (s *Store) recordRollbackTx(ctx context.Context, tx *sql.Tx, ev *models.RollbackEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.TriggeredAt.IsZero() {
		ev.TriggeredAt = s.now()
	}

	if ev.Success && ev.SessionID != "" {
		err := closeSessionTx(ctx, tx, ev.SessionID, models.SessionStatusRolledBack, ev.TriggeredAt.UTC())
		if err != nil && err != ErrSessionNotActive {
			return err
		}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO rollback_events (id, component_id, session_id, triggered_at, rollback_type, reason, from_version_id, to_version_id, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ComponentID, nullString(ev.SessionID), ev.TriggeredAt.UTC(), ev.RollbackType, ev.Reason,
		ev.FromVersionID, ev.ToVersionID, boolInt(ev.Success),
	)
	if err != nil {
		return fmt.Errorf("insert rollback event: %w", err)
	}
	return nil
}

// ListRollbackEvents returns the newest rollback events of a component.
func (s *Store) ListRollbackEvents(ctx context.Context, componentID string, limit int) ([]models.RollbackEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, component_id, session_id, triggered_at, rollback_type, reason, from_version_id, to_version_id, success
		 FROM rollback_events WHERE component_id = ? ORDER BY triggered_at DESC, rowid DESC LIMIT ?`,
		componentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query rollback events: %w", err)
	}
	defer rows.Close()

	var events []models.RollbackEvent
	for rows.Next() {
		var ev models.RollbackEvent
		var sessionID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ComponentID, &sessionID, &ev.TriggeredAt, &ev.RollbackType, &ev.Reason,
			&ev.FromVersionID, &ev.ToVersionID, &ev.Success); err != nil {
			return nil, fmt.Errorf("scan rollback event: %w", err)
		}
		ev.SessionID = sessionID.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
