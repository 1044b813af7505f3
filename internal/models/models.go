// Package models defines the core domain types for Steward.
package models

import (
	"encoding/json"
	"time"
)

// ComponentStatus is supplied by the external lifecycle provider.
type ComponentStatus string

const (
	ComponentStatusActive   ComponentStatus = "active"
	ComponentStatusDeleted  ComponentStatus = "deleted"
	ComponentStatusArchived ComponentStatus = "archived"
)

// DefaultEntryPoint is the callable inspected for breaking changes when a
// component does not declare one.
const DefaultEntryPoint = "execute"

// Component is a versioned, independently deployable unit of behavior.
type Component struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	EntryPoint       string          `json:"entry_point"`
	Status           ComponentStatus `json:"status"`
	CurrentVersionID string          `json:"current_version_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CreatedBy records who produced a version.
type CreatedBy string

const (
	CreatedByHuman      CreatedBy = "human"
	CreatedByAutonomous CreatedBy = "autonomous"
)

// Version is one immutable artifact of a component.
type Version struct {
	ID                string    `json:"id"`
	ComponentID       string    `json:"component_id"`
	VersionNumber     int       `json:"version_number"`
	Artifact          string    `json:"artifact"`
	CreatedAt         time.Time `json:"created_at"`
	CreatedBy         CreatedBy `json:"created_by"`
	ParentVersionID   string    `json:"parent_version_id,omitempty"`
	ImprovementReason string    `json:"improvement_reason,omitempty"`
	IsCurrent         bool      `json:"is_current"`
	IsBreakingChange  bool      `json:"is_breaking_change"`

	// Cached metrics snapshot, stored apart from the immutable row.
	SuccessRate     float64    `json:"success_rate"`
	TotalExecutions int        `json:"total_executions"`
	MetricsAt       *time.Time `json:"metrics_at,omitempty"`
}

// ExecutionRecord is one recorded invocation, owned by the telemetry writer.
type ExecutionRecord struct {
	ID           string          `json:"id"`
	ComponentID  string          `json:"component_id"`
	VersionID    string          `json:"version_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Success      bool            `json:"success"`
	ErrorClass   string          `json:"error_class,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
}

// Metrics is an aggregate over a set of executions.
type Metrics struct {
	Total         int     `json:"total"`
	Successes     int     `json:"successes"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// SuccessRate returns successes/total, or zero for an empty aggregate.
func (m Metrics) SuccessRate() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Total)
}

// Failures returns the number of failed executions.
func (m Metrics) Failures() int {
	return m.Total - m.Successes
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// SessionStatus represents the state of a monitoring session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusRolledBack SessionStatus = "rolled_back"
)

// MonitoringSession tracks the health of a freshly deployed version.
type MonitoringSession struct {
	ID                  string        `json:"id"`
	ComponentID         string        `json:"component_id"`
	VersionID           string        `json:"version_id"`
	PreviousVersionID   string        `json:"previous_version_id,omitempty"`
	DeploymentTime      time.Time     `json:"deployment_time"`
	BaselineWindow      Window        `json:"baseline_window"`
	MonitoringWindow    Window        `json:"monitoring_window"`
	Baseline            Metrics       `json:"baseline"`
	RegressionThreshold float64       `json:"regression_threshold"`
	Status              SessionStatus `json:"status"`
	StartedAt           time.Time     `json:"started_at"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
}

// Severity grades a success-rate regression.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// HealthCheck is written on every evaluation of a session.
type HealthCheck struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	CheckedAt          time.Time `json:"checked_at"`
	Baseline           Metrics   `json:"baseline"`
	Current            Metrics   `json:"current"`
	SuccessRateDrop    float64   `json:"success_rate_drop"`
	DurationRegression bool      `json:"duration_regression"`
	Severity           Severity  `json:"severity"`
	NeedsRollback      bool      `json:"needs_rollback"`
	InsufficientData   bool      `json:"insufficient_data"`
	Detail             string    `json:"detail,omitempty"`
}

// RollbackType classifies what triggered a rollback.
type RollbackType string

const (
	RollbackImmediate RollbackType = "immediate"
	RollbackFast      RollbackType = "fast"
	RollbackStandard  RollbackType = "standard"
	RollbackManual    RollbackType = "manual"
)

// RollbackEvent is an immutable record of a pointer reversal.
type RollbackEvent struct {
	ID            string       `json:"id"`
	ComponentID   string       `json:"component_id"`
	SessionID     string       `json:"session_id,omitempty"`
	TriggeredAt   time.Time    `json:"triggered_at"`
	RollbackType  RollbackType `json:"rollback_type"`
	Reason        string       `json:"reason"`
	FromVersionID string       `json:"from_version_id"`
	ToVersionID   string       `json:"to_version_id"`
	Success       bool         `json:"success"`
}

// Priority orders improvement opportunities.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
)

// Rank returns a sortable weight; higher ranks are worked first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Opportunity is an underperforming component found in one detection cycle.
type Opportunity struct {
	ComponentID    string    `json:"component_id"`
	Priority       Priority  `json:"priority"`
	Reason         string    `json:"reason"`
	DetectedAt     time.Time `json:"detected_at"`
	Metrics        Metrics   `json:"metrics_snapshot"`
	RecentFailures int       `json:"recent_failures"`
}

// Characteristics describes the risk profile of a candidate implementation.
type Characteristics struct {
	Idempotent           bool `json:"idempotent"`
	HasSideEffects       bool `json:"has_side_effects"`
	ReadOnly             bool `json:"read_only"`
	HasDeclaredTestCases bool `json:"has_declared_test_cases"`
}

// TestCase is an explicit assertion declared by a candidate.
type TestCase struct {
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input"`
	ExpectedOutput json.RawMessage `json:"expected_output,omitempty"`
	ExpectedError  string          `json:"expected_error,omitempty"`
}

// Diagnosis is produced by the external investigator.
type Diagnosis struct {
	ComponentID string            `json:"component_id"`
	Summary     string            `json:"summary"`
	RootCause   string            `json:"root_cause,omitempty"`
	Confidence  float64           `json:"confidence"`
	Details     map[string]string `json:"details,omitempty"`
}

// Candidate is a proposed replacement artifact.
type Candidate struct {
	ComponentID     string          `json:"component_id"`
	ParentVersionID string          `json:"parent_version_id"`
	Artifact        string          `json:"artifact"`
	Characteristics Characteristics `json:"characteristics"`
	TestCases       []TestCase      `json:"declared_test_cases,omitempty"`
	Reason          string          `json:"reason"`
	CreatedBy       CreatedBy       `json:"created_by"`
}

// Hold suspends autonomous actions on a component pending manual repair.
type Hold struct {
	ComponentID string    `json:"component_id"`
	Kind        string    `json:"kind"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// Hold kinds.
const (
	HoldDegraded  = "degraded"
	HoldInvariant = "invariant_violation"
)

// DecisionRecord is an audit entry for an autonomous or operator action.
type DecisionRecord struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	InputsHash  string    `json:"inputs_hash"`
	Outcome     string    `json:"outcome"`
	ComponentID string    `json:"component_id,omitempty"`
	Details     string    `json:"details,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AggregateQuery selects executions of a component, optionally restricted to
// one version, inside [Start, End).
type AggregateQuery struct {
	ComponentID string
	VersionID   string
	Start       time.Time
	End         time.Time
}

// RecentQuery selects the newest executions of a component.
type RecentQuery struct {
	ComponentID string
	VersionID   string
	Since       time.Time
	Limit       int
}
