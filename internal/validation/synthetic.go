package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/models"
	"golang.org/x/sync/errgroup"
)

// syntheticTester runs the candidate's declared test cases. Every case must
// pass.
type syntheticTester struct {
	e          *Engine
	executor   connectors.Executor
	comparator Comparator
}

func (t *syntheticTester) Strategy() Strategy { return StrategySynthetic }

func (t *syntheticTester) Run(ctx context.Context, req Request) (*Result, error) {
	tcs := req.Candidate.TestCases
	if len(tcs) == 0 {
		return &Result{Reason: "no declared test cases"}, nil
	}

	cases := make([]CaseResult, len(tcs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.e.cfg.Concurrency)
	for i, tc := range tcs {
		i, tc := i, tc
		g.Go(func() error {
			got, err := t.executor.Execute(gctx, req.Candidate.Artifact, req.EntryPoint, tc.Input)
			if err != nil {
				return fmt.Errorf("run test case %q: %w", tc.Name, err)
			}
			cases[i] = t.check(i, tc, got)
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
	res.Passed = res.Matches == res.Cases
	if !res.Passed {
		res.Reason = fmt.Sprintf("%d of %d declared test cases failed", res.Cases-res.Matches, res.Cases)
	}
	return res, nil
}

func (t *syntheticTester) check(i int, tc models.TestCase, got *connectors.ExecResult) CaseResult {
	name := tc.Name
	if name == "" {
		name = fmt.Sprintf("case %d", i+1)
	}
	c := CaseResult{Name: name}
	if tc.ExpectedError != "" {
		c.Passed = got.Failed() && (got.ErrorClass == tc.ExpectedError || strings.Contains(got.Error, tc.ExpectedError))
		if !c.Passed {
			c.Detail = fmt.Sprintf("expected error %q, got class=%q error=%q", tc.ExpectedError, got.ErrorClass, got.Error)
		}
		return c
	}
	if got.Failed() {
		c.Detail = fmt.Sprintf("unexpected error: %s %s", got.ErrorClass, got.Error)
		return c
	}
	c.Passed = t.comparator.Equal(tc.ExpectedOutput, got.Output)
	if !c.Passed {
		c.Detail = t.comparator.Diff(tc.ExpectedOutput, got.Output)
	}
	return c
}
