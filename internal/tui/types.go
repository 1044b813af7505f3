package tui

import (
	"time"

	"github.com/fentz26/steward/internal/models"
)

// ComponentStatus mirrors the operator status document of one component.
type ComponentStatus struct {
	Component       models.Component          `json:"component"`
	CurrentVersion  *models.Version           `json:"current_version,omitempty"`
	History         []models.Version          `json:"history_summary"`
	ActiveSession   *models.MonitoringSession `json:"active_session,omitempty"`
	Hold            *models.Hold              `json:"hold,omitempty"`
	RecentRollbacks []models.RollbackEvent    `json:"recent_rollbacks"`
}

// HealthReport is the latest session of a component with its checks.
type HealthReport struct {
	Session *models.MonitoringSession `json:"session,omitempty"`
	Checks  []models.HealthCheck      `json:"checks"`
}

// LoopStats mirrors the autonomous loop counters.
type LoopStats struct {
	Running                bool             `json:"running"`
	Paused                 bool             `json:"paused"`
	CyclesCompleted        int64            `json:"cycles_completed"`
	MonitorCycles          int64            `json:"monitor_cycles"`
	OpportunityCycles      int64            `json:"opportunity_cycles"`
	OpportunitiesDetected  int64            `json:"opportunities_detected"`
	OpportunitiesAttempted int64            `json:"opportunities_attempted"`
	ImprovementsDeployed   int64            `json:"improvements_deployed"`
	ImprovementsFailed     int64            `json:"improvements_failed"`
	FailuresByStage        map[string]int64 `json:"failures_by_stage"`
	Skipped                int64            `json:"skipped"`
	RollbacksByType        map[string]int64 `json:"rollbacks_by_type"`
	HealthChecks           int64            `json:"health_checks"`
	ActiveWorkers          int              `json:"active_workers"`
	CoolingDown            int              `json:"cooling_down"`
	LastMonitorAt          *time.Time       `json:"last_monitor_at,omitempty"`
	LastOpportunityAt      *time.Time       `json:"last_opportunity_at,omitempty"`
}
