package validation

import (
	"context"
	"fmt"

	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/models"
	"golang.org/x/sync/errgroup"
)

// shadowTester runs the current and candidate implementations side by side
// on inputs sampled from recent traffic.
type shadowTester struct {
	e          *Engine
	executor   connectors.Executor
	comparator Comparator
}

func (t *shadowTester) Strategy() Strategy { return StrategyShadow }

func (t *shadowTester) Run(ctx context.Context, req Request) (*Result, error) {
	cfg := t.e.cfg
	compID := req.Candidate.ComponentID
	recent, err := t.e.telemetry.Recent(ctx, models.RecentQuery{
		ComponentID: compID,
		Since:       t.e.now().Add(-cfg.ShadowLookback),
		Limit:       cfg.ShadowSamples * 2,
	})
	if err != nil {
		return nil, fmt.Errorf("sample recent traffic: %w", err)
	}

	var samples []models.ExecutionRecord
	for _, rec := range recent {
		if len(rec.Input) == 0 {
			continue
		}
		samples = append(samples, rec)
		if len(samples) == cfg.ShadowSamples {
			break
		}
	}
	if len(samples) == 0 {
		return nil, &models.DataUnavailableError{ComponentID: compID, What: "shadow samples", Have: 0, Need: 1}
	}

	cases := make([]CaseResult, len(samples))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, rec := range samples {
		i, rec := i, rec
		g.Go(func() error {
			old, err := t.executor.Execute(gctx, req.CurrentArtifact, req.EntryPoint, rec.Input)
			if err != nil {
				return fmt.Errorf("run current version: %w", err)
			}
			cand, err := t.executor.Execute(gctx, req.Candidate.Artifact, req.EntryPoint, rec.Input)
			if err != nil {
				return fmt.Errorf("run candidate: %w", err)
			}
			cases[i] = t.agree(rec.ID, old, cand)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Cases: len(cases)}
	for _, c := range cases {
		if c.Passed {
			res.Matches++
		} else {
			res.Failures = append(res.Failures, c)
		}
	}
	res.AgreementRate = ratio(res.Matches, res.Cases)
	res.Passed = res.AgreementRate >= cfg.ShadowMinAgreement
	if !res.Passed {
		res.Reason = fmt.Sprintf("agreement rate %.2f below %.2f (%d/%d)",
			res.AgreementRate, cfg.ShadowMinAgreement, res.Matches, res.Cases)
	}
	return res, nil
}

// agree compares both runs. Two failures agree when they fail the same way.
func (t *shadowTester) agree(name string, old, cand *connectors.ExecResult) CaseResult {
	c := CaseResult{Name: name}
	switch {
	case old.Failed() && cand.Failed():
		c.Passed = old.ErrorClass == cand.ErrorClass
		if !c.Passed {
			c.Detail = fmt.Sprintf("error class %s became %s", old.ErrorClass, cand.ErrorClass)
		}
	case old.Failed() != cand.Failed():
		c.Detail = fmt.Sprintf("current failed=%t, candidate failed=%t: %s%s", old.Failed(), cand.Failed(), old.Error, cand.Error)
	default:
		c.Passed = t.comparator.Equal(old.Output, cand.Output)
		if !c.Passed {
			c.Detail = t.comparator.Diff(old.Output, cand.Output)
		}
	}
	return c
}
