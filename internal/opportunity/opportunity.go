// Package opportunity finds underperforming components worth improving.
package opportunity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/store"
	"go.uber.org/zap"
)

// Config holds the detection thresholds.
type Config struct {
	Lookback      time.Duration `yaml:"lookback" validate:"gt=0"`
	MinExecutions int           `yaml:"min_executions" validate:"gte=1"`
	HighBelow     float64       `yaml:"high_below" validate:"gte=0,lte=1"`
	MediumBelow   float64       `yaml:"medium_below" validate:"gtefield=HighBelow,lte=1"`
	FailureBurst  int           `yaml:"failure_burst" validate:"gte=0"`
	BurstWindow   time.Duration `yaml:"burst_window" validate:"gt=0"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Lookback:      7 * 24 * time.Hour,
		MinExecutions: 10,
		HighBelow:     0.5,
		MediumBelow:   0.7,
		FailureBurst:  3,
		BurstWindow:   24 * time.Hour,
	}
}

// Classify returns the priority for a component's recent metrics, or "" when
// it is healthy. recentFailures elevates to at least medium when it exceeds
// the burst threshold.
func Classify(m models.Metrics, recentFailures int, cfg Config) (models.Priority, string) {
	rate := m.SuccessRate()
	switch {
	case rate < cfg.HighBelow:
		return models.PriorityHigh, fmt.Sprintf("success rate %.2f below %.2f", rate, cfg.HighBelow)
	case rate < cfg.MediumBelow:
		return models.PriorityMedium, fmt.Sprintf("success rate %.2f below %.2f", rate, cfg.MediumBelow)
	case recentFailures > cfg.FailureBurst:
		return models.PriorityMedium, fmt.Sprintf("%d failures in the last %s", recentFailures, cfg.BurstWindow)
	}
	return "", ""
}

// Detector is the Opportunity Detector.
type Detector struct {
	store     *store.Store
	telemetry connectors.Telemetry
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewDetector creates an Opportunity Detector.
func NewDetector(st *store.Store, telemetry connectors.Telemetry, cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{store: st, telemetry: telemetry, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Detect returns the opportunities of one cycle ordered by priority, then by
// execution volume, then by component ID. Held components are skipped.
func (d *Detector) Detect(ctx context.Context) ([]models.Opportunity, error) {
	comps, err := d.store.ListComponents(ctx, models.ComponentStatusActive)
	if err != nil {
		return nil, err
	}
	holds, err := d.store.ListHolds(ctx)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(holds))
	for _, h := range holds {
		held[h.ComponentID] = true
	}

	now := d.now().UTC()
	var opps []models.Opportunity
	for _, comp := range comps {
		if held[comp.ID] {
			continue
		}
		opp, err := d.assess(ctx, comp, now)
		if err != nil {
			return nil, err
		}
		if opp != nil {
			opps = append(opps, *opp)
		}
	}

	sort.SliceStable(opps, func(i, j int) bool {
		a, b := opps[i], opps[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if a.Metrics.Total != b.Metrics.Total {
			return a.Metrics.Total > b.Metrics.Total
		}
		return a.ComponentID < b.ComponentID
	})
	return opps, nil
}

// assess evaluates the executions served by the component's current version.
func (d *Detector) assess(ctx context.Context, comp models.Component, now time.Time) (*models.Opportunity, error) {
	m, err := d.telemetry.Aggregate(ctx, models.AggregateQuery{
		ComponentID: comp.ID,
		VersionID:   comp.CurrentVersionID,
		Start:       now.Add(-d.cfg.Lookback),
		End:         now.Add(time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", comp.ID, err)
	}
	if m.Total < d.cfg.MinExecutions {
		return nil, nil
	}
	failures, err := d.telemetry.CountFailures(ctx, comp.ID, now.Add(-d.cfg.BurstWindow))
	if err != nil {
		return nil, fmt.Errorf("count failures %s: %w", comp.ID, err)
	}

	priority, reason := Classify(m, failures, d.cfg)
	if priority == "" {
		return nil, nil
	}
	d.logger.Debug("opportunity detected",
		zap.String("component_id", comp.ID),
		zap.String("priority", string(priority)),
		zap.Float64("success_rate", math.Round(m.SuccessRate()*1e4)/1e4),
		zap.Int("total", m.Total))
	return &models.Opportunity{
		ComponentID:    comp.ID,
		Priority:       priority,
		Reason:         reason,
		DetectedAt:     now,
		Metrics:        m,
		RecentFailures: failures,
	}, nil
}
