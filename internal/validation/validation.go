// Package validation is the testing strategy engine. It classifies a
// candidate by its risk profile and validates it with exactly one strategy
// before the candidate may be deployed.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/models"
	"go.uber.org/zap"
)

// Strategy names a validation strategy.
type Strategy string

const (
	StrategyShadow    Strategy = "shadow"
	StrategyReplay    Strategy = "replay"
	StrategySynthetic Strategy = "synthetic"
	StrategyManual    Strategy = "manual"
)

// ErrManualReview is returned when no automatic strategy applies. The
// candidate is logged but never deployed.
var ErrManualReview = errors.New("candidate requires manual review")

// Config holds the strategy thresholds.
type Config struct {
	ShadowSamples        int           `yaml:"shadow_samples" validate:"gte=1"`
	ShadowLookback       time.Duration `yaml:"shadow_lookback" validate:"gt=0"`
	ShadowMinAgreement   float64       `yaml:"shadow_min_agreement" validate:"gte=0,lte=1"`
	ReplayMinHistory     int           `yaml:"replay_min_history" validate:"gte=1"`
	ReplayMaxCases       int           `yaml:"replay_max_cases" validate:"gte=1"`
	ReplayLookback       time.Duration `yaml:"replay_lookback" validate:"gt=0"`
	ReplayMinSuccessRate float64       `yaml:"replay_min_success_rate" validate:"gte=0,lte=1"`
	Comparator           string        `yaml:"comparator" validate:"omitempty,oneof=exact canonical tolerant"`
	Tolerance            float64       `yaml:"tolerance" validate:"gte=0"`
	Concurrency          int           `yaml:"concurrency" validate:"gte=1"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		ShadowSamples:        20,
		ShadowLookback:       7 * 24 * time.Hour,
		ShadowMinAgreement:   0.95,
		ReplayMinHistory:     10,
		ReplayMaxCases:       50,
		ReplayLookback:       30 * 24 * time.Hour,
		ReplayMinSuccessRate: 0.90,
		Comparator:           ComparatorCanonical,
		Tolerance:            1e-6,
		Concurrency:          4,
	}
}

// Classify picks the strategy for a candidate. Shadow needs a read-only,
// idempotent implementation; Replay needs idempotence and enough successful
// history; Synthetic needs declared test cases; anything else is Manual.
func Classify(ch models.Characteristics, historicalSuccesses, minHistory int) Strategy {
	switch {
	case ch.ReadOnly && ch.Idempotent:
		return StrategyShadow
	case ch.Idempotent && historicalSuccesses >= minHistory:
		return StrategyReplay
	case ch.HasDeclaredTestCases:
		return StrategySynthetic
	default:
		return StrategyManual
	}
}

// Request is one validation run.
type Request struct {
	Candidate       *models.Candidate
	EntryPoint      string
	CurrentArtifact string
}

// CaseResult is the outcome of one sample, replayed execution or test case.
type CaseResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Result summarizes a validation run.
type Result struct {
	Strategy      Strategy     `json:"strategy"`
	Passed        bool         `json:"passed"`
	Cases         int          `json:"cases"`
	Matches       int          `json:"matches"`
	AgreementRate float64      `json:"agreement_rate,omitempty"`
	SuccessRate   float64      `json:"success_rate,omitempty"`
	Regressions   int          `json:"regressions,omitempty"`
	Failures      []CaseResult `json:"failures,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// Tester runs one strategy.
type Tester interface {
	Strategy() Strategy
	Run(ctx context.Context, req Request) (*Result, error)
}

// Engine selects and runs a strategy. Callers must hold the component lock so
// a validation run never overlaps a deploy of the same component.
type Engine struct {
	telemetry connectors.Telemetry
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	testers   map[Strategy]Tester
}

// NewEngine builds an engine running artifacts through executor.
func NewEngine(telemetry connectors.Telemetry, executor connectors.Executor, cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	comparator, err := NewComparator(cfg.Comparator, cfg.Tolerance)
	if err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	e := &Engine{telemetry: telemetry, cfg: cfg, logger: logger, now: time.Now}
	e.testers = map[Strategy]Tester{
		StrategyShadow:    &shadowTester{e: e, executor: executor, comparator: comparator},
		StrategyReplay:    &replayTester{e: e, executor: executor, judge: EquivalentOrRicher(comparator)},
		StrategySynthetic: &syntheticTester{e: e, executor: executor, comparator: comparator},
	}
	return e, nil
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetJudge replaces the replay judge.
func (e *Engine) SetJudge(j Judge) {
	if rt, ok := e.testers[StrategyReplay].(*replayTester); ok {
		rt.judge = j
	}
}

// Select classifies a candidate, counting its component's successful history
// for the Replay precondition.
func (e *Engine) Select(ctx context.Context, cand *models.Candidate) (Strategy, error) {
	ch := cand.Characteristics
	ch.HasDeclaredTestCases = ch.HasDeclaredTestCases && len(cand.TestCases) > 0
	if ch.ReadOnly && ch.Idempotent {
		return StrategyShadow, nil
	}
	successes := 0
	if ch.Idempotent {
		n, err := e.telemetry.CountSuccesses(ctx, cand.ComponentID, e.now().Add(-e.cfg.ReplayLookback))
		if err != nil {
			return "", fmt.Errorf("count successful executions: %w", err)
		}
		successes = n
	}
	return Classify(ch, successes, e.cfg.ReplayMinHistory), nil
}

// Validate runs the selected strategy. A rejected candidate yields a
// *models.TestingFailure; a candidate without an automatic path yields
// ErrManualReview. The Result is returned in both cases.
func (e *Engine) Validate(ctx context.Context, req Request) (*Result, error) {
	strategy, err := e.Select(ctx, req.Candidate)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With(
		zap.String("component_id", req.Candidate.ComponentID),
		zap.String("strategy", string(strategy)))

	if strategy == StrategyManual {
		logger.Info("candidate needs manual review")
		return &Result{Strategy: StrategyManual, Reason: "no automatic validation path"}, ErrManualReview
	}

	res, err := e.testers[strategy].Run(ctx, req)
	if err != nil {
		logger.Warn("validation did not complete", zap.Error(err))
		return res, err
	}
	res.Strategy = strategy
	if !res.Passed {
		logger.Info("candidate rejected", zap.String("reason", res.Reason))
		return res, &models.TestingFailure{
			ComponentID: req.Candidate.ComponentID,
			Strategy:    string(strategy),
			Reason:      res.Reason,
		}
	}
	logger.Info("candidate passed",
		zap.Int("cases", res.Cases),
		zap.Int("matches", res.Matches))
	return res, nil
}

// ratio returns a/b, rounded to six decimals so inclusive thresholds such as
// 19/20 >= 0.95 are not lost to floating point error.
func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(int64(float64(a)/float64(b)*1e6+0.5)) / 1e6
}
