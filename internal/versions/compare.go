package versions

import (
	"context"
	"fmt"
	"strings"

	"github.com/fentz26/steward/internal/models"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
	"go.uber.org/zap"
)

// MetricDelta is the difference between two versions' cached metrics.
type MetricDelta struct {
	FromSuccessRate float64 `json:"from_success_rate"`
	ToSuccessRate   float64 `json:"to_success_rate"`
	SuccessRate     float64 `json:"success_rate"`
	FromExecutions  int     `json:"from_executions"`
	ToExecutions    int     `json:"to_executions"`
}

// Comparison is the result of comparing two versions of a component.
type Comparison struct {
	ComponentID           string          `json:"component_id"`
	From                  *models.Version `json:"from"`
	To                    *models.Version `json:"to"`
	TextDiff              string          `json:"text_diff"`
	LinesAdded            int             `json:"lines_added"`
	LinesRemoved          int             `json:"lines_removed"`
	MetricDelta           MetricDelta     `json:"metric_delta"`
	IsBreakingChange      bool            `json:"is_breaking_change"`
	BreakingChangeDetails *BreakingChange `json:"breaking_change_details,omitempty"`
	BreakingChangeSummary string          `json:"breaking_change_summary,omitempty"`
}

// Compare diffs two versions of a component. Metrics are refreshed from
// telemetry before the delta is computed.
func (s *Service) Compare(ctx context.Context, componentID, fromID, toID string) (*Comparison, error) {
	comp, err := s.store.GetComponent(ctx, componentID)
	if err != nil {
		return nil, err
	}
	from, err := s.versionOf(ctx, componentID, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.versionOf(ctx, componentID, toID)
	if err != nil {
		return nil, err
	}

	for _, v := range []*models.Version{from, to} {
		if err := s.RefreshMetrics(ctx, v); err != nil {
			s.logger.Debug("refresh version metrics failed", zap.String("version_id", v.ID), zap.Error(err))
		}
	}

	text, err := unifiedDiff(from, to)
	if err != nil {
		return nil, err
	}
	added, removed, err := diffStats(text)
	if err != nil {
		return nil, err
	}

	breaking, details := DetectBreakingChange(from.Artifact, to.Artifact, comp.EntryPoint)
	return &Comparison{
		ComponentID:  componentID,
		From:         from,
		To:           to,
		TextDiff:     text,
		LinesAdded:   added,
		LinesRemoved: removed,
		MetricDelta: MetricDelta{
			FromSuccessRate: from.SuccessRate,
			ToSuccessRate:   to.SuccessRate,
			SuccessRate:     to.SuccessRate - from.SuccessRate,
			FromExecutions:  from.TotalExecutions,
			ToExecutions:    to.TotalExecutions,
		},
		IsBreakingChange:      breaking,
		BreakingChangeDetails: details,
		BreakingChangeSummary: details.String(),
	}, nil
}

func (s *Service) versionOf(ctx context.Context, componentID, versionID string) (*models.Version, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.ComponentID != componentID {
		return nil, models.ErrVersionNotFound
	}
	return v, nil
}

func unifiedDiff(from, to *models.Version) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(from.Artifact),
		B:        difflib.SplitLines(to.Artifact),
		FromFile: fmt.Sprintf("v%d", from.VersionNumber),
		ToFile:   fmt.Sprintf("v%d", to.VersionNumber),
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("diff versions: %w", err)
	}
	return text, nil
}

// diffStats counts added and removed lines of a unified diff.
func diffStats(text string) (int, int, error) {
	if text == "" {
		return 0, 0, nil
	}
	fd, err := diff.ParseFileDiff([]byte(text))
	if err != nil {
		return 0, 0, fmt.Errorf("parse diff: %w", err)
	}
	var added, removed int
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			if strings.HasPrefix(line, "+") {
				added++
			} else if strings.HasPrefix(line, "-") {
				removed++
			}
		}
	}
	return added, removed, nil
}
