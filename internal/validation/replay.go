package validation

import (
	"context"
	"fmt"

	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/models"
	"golang.org/x/sync/errgroup"
)

// replayTester re-runs recorded successful inputs through the candidate.
type replayTester struct {
	e        *Engine
	executor connectors.Executor
	judge    Judge
}

func (t *replayTester) Strategy() Strategy { return StrategyReplay }

func (t *replayTester) Run(ctx context.Context, req Request) (*Result, error) {
	cfg := t.e.cfg
	compID := req.Candidate.ComponentID
	history, err := t.e.telemetry.Successful(ctx, compID, t.e.now().Add(-cfg.ReplayLookback), cfg.ReplayMaxCases)
	if err != nil {
		return nil, fmt.Errorf("load replay history: %w", err)
	}
	if len(history) == 0 {
		return nil, &models.DataUnavailableError{ComponentID: compID, What: "replay history", Have: 0, Need: cfg.ReplayMinHistory}
	}

	type outcome struct {
		ran        bool
		regression bool
		detail     string
	}
	outcomes := make([]outcome, len(history))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, rec := range history {
		i, rec := i, rec
		g.Go(func() error {
			got, err := t.executor.Execute(gctx, req.Candidate.Artifact, req.EntryPoint, rec.Input)
			if err != nil {
				return fmt.Errorf("replay %s: %w", rec.ID, err)
			}
			switch {
			case got.Failed():
				outcomes[i] = outcome{regression: true, detail: fmt.Sprintf("now fails: %s %s", got.ErrorClass, got.Error)}
			case t.judge(rec.Output, got.Output):
				outcomes[i] = outcome{ran: true, regression: true, detail: "output is materially worse than recorded"}
			default:
				outcomes[i] = outcome{ran: true}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Cases: len(history)}
	succeeded := 0
	for i, o := range outcomes {
		if o.ran {
			succeeded++
		}
		if o.regression {
			res.Regressions++
			res.Failures = append(res.Failures, CaseResult{Name: history[i].ID, Detail: o.detail})
		} else {
			res.Matches++
		}
	}
	res.SuccessRate = ratio(succeeded, res.Cases)
	res.Passed = res.Regressions == 0 && res.SuccessRate >= cfg.ReplayMinSuccessRate
	if !res.Passed {
		res.Reason = fmt.Sprintf("%d regressions in %d replayed executions (success rate %.2f)",
			res.Regressions, res.Cases, res.SuccessRate)
	}
	return res, nil
}
