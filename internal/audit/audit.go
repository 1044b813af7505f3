// Package audit writes decision records for every autonomous or operator
// action so opportunities and their outcomes leave a trace.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/steward/internal/models"
	"go.uber.org/zap"
)

// Actions recorded in the decision log.
const (
	ActionInvestigate = "investigate"
	ActionGenerate    = "generate"
	ActionValidate    = "validate"
	ActionDeploy      = "deploy"
	ActionRollback    = "rollback"
	ActionHold        = "hold"
	ActionUnhold      = "unhold"
	ActionSkip        = "skip"
	ActionRegister    = "register"
)

// Outcomes recorded in the decision log.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomeTimeout = "timeout"
)

// Sink persists decision records.
type Sink interface {
	WriteDecision(ctx context.Context, action, inputsHash, outcome, componentID, details string) (*models.DecisionRecord, error)
}

// Recorder writes decision records for audit trails.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
}

// NewRecorder creates a new decision recorder.
func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Record writes a decision entry. A failure to write is logged and swallowed;
// the audit log must never abort the action it describes.
func (r *Recorder) Record(ctx context.Context, action string, inputs interface{}, outcome, componentID, details string) *models.DecisionRecord {
	if r == nil || r.sink == nil {
		return nil
	}
	rec, err := r.sink.WriteDecision(ctx, action, HashInputs(inputs), outcome, componentID, details)
	if err != nil {
		r.logger.Warn("write decision record failed",
			zap.String("action", action),
			zap.String("component_id", componentID),
			zap.Error(err))
		return nil
	}
	return rec
}

// HashInputs creates a SHA256 hash of the inputs for reproducibility.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
