// Package connectors defines the external collaborators Steward talks to.
package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fentz26/steward/internal/models"
)

// Telemetry is read-only aggregate access to execution history.
type Telemetry interface {
	Aggregate(ctx context.Context, q models.AggregateQuery) (models.Metrics, error)
	Recent(ctx context.Context, q models.RecentQuery) ([]models.ExecutionRecord, error)
	Successful(ctx context.Context, componentID string, since time.Time, limit int) ([]models.ExecutionRecord, error)
	CountFailures(ctx context.Context, componentID string, since time.Time) (int, error)
	CountSuccesses(ctx context.Context, componentID string, since time.Time) (int, error)
}

// Investigator diagnoses why a component is underperforming.
type Investigator interface {
	Investigate(ctx context.Context, componentID string, metrics models.Metrics) (*models.Diagnosis, error)
}

// Generation is what the improvement generator proposes.
type Generation struct {
	Artifact        string                 `json:"artifact"`
	Characteristics models.Characteristics `json:"characteristics"`
	TestCases       []models.TestCase      `json:"declared_test_cases"`
	Reason          string                 `json:"reason"`
}

// Generator produces a candidate artifact from a diagnosis.
type Generator interface {
	Generate(ctx context.Context, componentID string, diagnosis *models.Diagnosis) (*Generation, error)
}

// Registry loads the current version of a component into the runtime.
type Registry interface {
	Reload(ctx context.Context, componentID string) error
}

// Lifecycle reports whether a component is active.
type Lifecycle interface {
	IsActive(ctx context.Context, componentID string) (bool, error)
}

// ExecResult holds the result of running an artifact against one input.
type ExecResult struct {
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorClass string          `json:"error_class,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Failed reports whether the artifact raised an error.
func (r *ExecResult) Failed() bool {
	return r.Error != "" || r.ErrorClass != ""
}

// Executor runs an artifact in an isolated sandbox. Implementations must not
// let the artifact mutate production state.
type Executor interface {
	// Name returns the executor identifier.
	Name() string

	// Execute runs artifact's entry point with input.
	Execute(ctx context.Context, artifact, entryPoint string, input json.RawMessage) (*ExecResult, error)
}

// RegistryFunc adapts a function to the Registry interface.
type RegistryFunc func(ctx context.Context, componentID string) error

// Reload calls f.
func (f RegistryFunc) Reload(ctx context.Context, componentID string) error {
	return f(ctx, componentID)
}
