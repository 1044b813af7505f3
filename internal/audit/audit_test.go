package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRecordPersists(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	r := NewRecorder(s, zaptest.NewLogger(t))
	ctx := context.Background()

	inputs := map[string]string{"component_id": "c1", "reason": "low success rate"}
	rec := r.Record(ctx, ActionDeploy, inputs, OutcomeSuccess, "c1", "version 2")
	require.NotNil(t, rec)
	assert.Equal(t, HashInputs(inputs), rec.InputsHash)

	recs, err := s.ListDecisions(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ActionDeploy, recs[0].Action)
	assert.Equal(t, "version 2", recs[0].Details)
}

type failingSink struct{}

func (failingSink) WriteDecision(context.Context, string, string, string, string, string) (*models.DecisionRecord, error) {
	return nil, errors.New("disk full")
}

func TestRecordSwallowsSinkErrors(t *testing.T) {
	r := NewRecorder(failingSink{}, nil)
	assert.Nil(t, r.Record(context.Background(), ActionRollback, nil, OutcomeFailure, "c1", ""))

	var nilRecorder *Recorder
	assert.Nil(t, nilRecorder.Record(context.Background(), ActionRollback, nil, OutcomeFailure, "c1", ""))
}

func TestHashInputsIsStable(t *testing.T) {
	a := HashInputs(map[string]int{"a": 1, "b": 2})
	b := HashInputs(map[string]int{"b": 2, "a": 1})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, "hash_error", HashInputs(make(chan int)))
}
