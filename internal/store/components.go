package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/steward/internal/models"
	"github.com/google/uuid"
)

// ErrComponentExists indicates a component with the same name is registered.
var ErrComponentExists = errors.New("component already registered")

const componentColumns = `id, name, entry_point, status, current_version_id, created_at, updated_at`

// RegisterComponent creates a component together with its first version in a
// single transaction. The first version is current from the start.
func (s *Store) RegisterComponent(ctx context.Context, name, entryPoint, artifact string, createdBy models.CreatedBy) (*models.Component, *models.Version, error) {
	if entryPoint == "" {
		entryPoint = models.DefaultEntryPoint
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	comp := &models.Component{
		ID:         uuid.New().String(),
		Name:       name,
		EntryPoint: entryPoint,
		Status:     models.ComponentStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO components (id, name, entry_point, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		comp.ID, comp.Name, comp.EntryPoint, comp.Status, comp.CreatedAt, comp.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, nil, ErrComponentExists
		}
		return nil, nil, fmt.Errorf("insert component: %w", err)
	}

	v, err := s.createVersionTx(ctx, tx, NewVersion{
		ComponentID: comp.ID,
		Artifact:    artifact,
		CreatedBy:   createdBy,
		Reason:      "initial registration",
		MakeCurrent: true,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	comp.CurrentVersionID = v.ID
	return comp, v, nil
}

// GetComponent retrieves a component by ID.
func (s *Store) GetComponent(ctx context.Context, id string) (*models.Component, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+componentColumns+` FROM components WHERE id = ?`, id)
	comp, err := scanComponent(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrComponentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query component: %w", err)
	}
	return comp, nil
}

// ListComponents returns all components, optionally filtered by status.
func (s *Store) ListComponents(ctx context.Context, status models.ComponentStatus) ([]models.Component, error) {
	query := `SELECT ` + componentColumns + ` FROM components`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query components: %w", err)
	}
	defer rows.Close()

	var comps []models.Component
	for rows.Next() {
		comp, err := scanComponent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		comps = append(comps, *comp)
	}
	return comps, rows.Err()
}

// SetComponentStatus records a lifecycle transition pushed by the lifecycle provider.
func (s *Store) SetComponentStatus(ctx context.Context, id string, status models.ComponentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE components SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("update component status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrComponentNotFound
	}
	return nil
}

// IsActive implements the lifecycle status query.
func (s *Store) IsActive(ctx context.Context, componentID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM components WHERE id = ?`, componentID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query component status: %w", err)
	}
	return models.ComponentStatus(status) == models.ComponentStatusActive, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanComponent(row rowScanner) (*models.Component, error) {
	var comp models.Component
	var current sql.NullString
	if err := row.Scan(&comp.ID, &comp.Name, &comp.EntryPoint, &comp.Status, &current, &comp.CreatedAt, &comp.UpdatedAt); err != nil {
		return nil, err
	}
	comp.CurrentVersionID = current.String
	return &comp, nil
}
