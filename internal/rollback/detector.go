// Package rollback implements the fast rollback detector: pattern checks over
// a component's most recent executions that bypass statistical monitoring.
package rollback

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/models"
)

// Pattern names a failure pattern.
type Pattern string

const (
	PatternConsecutiveFailures Pattern = "consecutive_failures"
	PatternSignatureChange     Pattern = "signature_change"
	PatternCompleteFailure     Pattern = "complete_failure"
)

// Config holds the detector thresholds.
type Config struct {
	Window                time.Duration `yaml:"window" validate:"gt=0"`
	MaxExecutions         int           `yaml:"max_executions" validate:"gte=1"`
	MinSamples            int           `yaml:"min_samples" validate:"gte=1"`
	ConsecutiveFailures   int           `yaml:"consecutive_failures" validate:"gte=1"`
	SignatureErrors       int           `yaml:"signature_errors" validate:"gte=1"`
	CompleteFailureMin    int           `yaml:"complete_failure_min" validate:"gte=1"`
	SignatureErrorClasses []string      `yaml:"signature_error_classes"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Window:                5 * time.Minute,
		MaxExecutions:         10,
		MinSamples:            3,
		ConsecutiveFailures:   3,
		SignatureErrors:       2,
		CompleteFailureMin:    5,
		SignatureErrorClasses: []string{"TypeError", "SignatureError", "ArgumentError", "ArityError"},
	}
}

// signatureMessage matches error messages that indicate a call signature or
// type mismatch regardless of the reported class.
var signatureMessage = regexp.MustCompile(`(?i)(positional argument|keyword argument|required argument|missing \d+ required|takes \d+ .*arguments?|wrong number of arguments|signature mismatch|type mismatch|cannot unmarshal)`)

// Verdict is the outcome of one check.
type Verdict struct {
	Triggered        bool                `json:"triggered"`
	Pattern          Pattern             `json:"pattern,omitempty"`
	Matched          []Pattern           `json:"matched,omitempty"`
	RollbackType     models.RollbackType `json:"rollback_type,omitempty"`
	Reason           string              `json:"reason,omitempty"`
	Observed         int                 `json:"observed"`
	Failures         int                 `json:"failures"`
	InsufficientData bool                `json:"insufficient_data"`
}

// Detector is the fast rollback detector.
type Detector struct {
	telemetry connectors.Telemetry
	cfg       Config
	now       func() time.Time
}

// NewDetector creates a detector over telemetry.
func NewDetector(telemetry connectors.Telemetry, cfg Config) *Detector {
	return &Detector{telemetry: telemetry, cfg: cfg, now: time.Now}
}

// SetClock replaces the time source.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Check evaluates the most recent executions of a component. When versionID
// is set only executions of that version are considered, so traffic served
// by the previous version before a deploy never counts against the new one.
func (d *Detector) Check(ctx context.Context, componentID, versionID string) (*Verdict, error) {
	recs, err := d.telemetry.Recent(ctx, models.RecentQuery{
		ComponentID: componentID,
		VersionID:   versionID,
		Since:       d.now().Add(-d.cfg.Window),
		Limit:       d.cfg.MaxExecutions,
	})
	if err != nil {
		return nil, fmt.Errorf("query recent executions: %w", err)
	}
	v := Evaluate(recs, d.cfg)
	return &v, nil
}

// Evaluate runs every pattern over recs, which must be ordered newest first.
// All patterns are evaluated; the first match in the order consecutive
// failures, signature change, complete failure decides the rollback type.
func Evaluate(recs []models.ExecutionRecord, cfg Config) Verdict {
	if cfg.MaxExecutions > 0 && len(recs) > cfg.MaxExecutions {
		recs = recs[:cfg.MaxExecutions]
	}
	v := Verdict{Observed: len(recs)}
	for _, r := range recs {
		if !r.Success {
			v.Failures++
		}
	}
	if len(recs) < cfg.MinSamples {
		v.InsufficientData = true
		return v
	}

	trailing := 0
	for _, r := range recs {
		if r.Success {
			break
		}
		trailing++
	}
	if trailing >= cfg.ConsecutiveFailures {
		v.match(PatternConsecutiveFailures, models.RollbackImmediate,
			fmt.Sprintf("%d consecutive failures", trailing))
	}

	signature := 0
	for _, r := range recs {
		if !r.Success && IsSignatureError(r, cfg.SignatureErrorClasses) {
			signature++
		}
	}
	if signature >= cfg.SignatureErrors {
		v.match(PatternSignatureChange, models.RollbackImmediate,
			fmt.Sprintf("%d signature or type mismatch errors", signature))
	}

	if len(recs) >= cfg.CompleteFailureMin && v.Failures == len(recs) {
		v.match(PatternCompleteFailure, models.RollbackFast,
			fmt.Sprintf("all %d recent executions failed", len(recs)))
	}
	return v
}

func (v *Verdict) match(p Pattern, t models.RollbackType, reason string) {
	v.Matched = append(v.Matched, p)
	if v.Triggered {
		return
	}
	v.Triggered = true
	v.Pattern = p
	v.RollbackType = t
	v.Reason = string(p) + ": " + reason
}

// IsSignatureError reports whether a failed execution was caused by a call
// signature or type mismatch.
func IsSignatureError(r models.ExecutionRecord, classes []string) bool {
	for _, c := range classes {
		if strings.EqualFold(r.ErrorClass, c) {
			return true
		}
	}
	return signatureMessage.MatchString(r.ErrorMessage)
}
