package opportunity

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name      string
		successes int
		failures  int
		want      models.Priority
	}{
		{"very low", 4, 0, models.PriorityHigh},
		{"boundary high", 5, 0, models.PriorityMedium},
		{"low", 6, 0, models.PriorityMedium},
		{"boundary medium", 7, 0, ""},
		{"healthy with burst", 9, 4, models.PriorityMedium},
		{"healthy with three failures", 9, 3, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Classify(models.Metrics{Total: 10, Successes: tt.successes}, tt.failures, cfg)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want == "", reason == "")
		})
	}
}

func TestDetectOrdersAndFilters(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now.Add(-30 * 24 * time.Hour) })

	register := func(name string, total, successes int, ago time.Duration) *models.Component {
		comp, v1, err := s.RegisterComponent(ctx, name, "", "def execute(x):\n  return x\n", models.CreatedByHuman)
		require.NoError(t, err)
		for i := 0; i < total; i++ {
			require.NoError(t, s.InsertExecution(ctx, &models.ExecutionRecord{
				ComponentID: comp.ID,
				VersionID:   v1.ID,
				Timestamp:   now.Add(-ago - time.Duration(i)*time.Minute),
				Success:     i < successes,
			}))
		}
		return comp
	}

	lowSmall := register("low-small", 10, 3, 48*time.Hour)
	lowLarge := register("low-large", 40, 12, 48*time.Hour)
	medium := register("medium", 20, 12, 48*time.Hour)
	burst := register("burst", 100, 95, time.Hour)
	register("healthy", 100, 95, 48*time.Hour)
	register("quiet", 9, 0, time.Hour)
	held := register("held", 20, 0, time.Hour)
	gone := register("gone", 20, 0, time.Hour)
	register("stale", 20, 0, 8*24*time.Hour)

	_, err = s.PlaceHold(ctx, held.ID, models.HoldDegraded, "rollback failed")
	require.NoError(t, err)
	require.NoError(t, s.SetComponentStatus(ctx, gone.ID, models.ComponentStatusArchived))

	d := NewDetector(s, s, DefaultConfig(), zaptest.NewLogger(t))
	d.SetClock(func() time.Time { return now })

	opps, err := d.Detect(ctx)
	require.NoError(t, err)

	var got []string
	for _, o := range opps {
		got = append(got, fmt.Sprintf("%s/%s", o.ComponentID, o.Priority))
	}
	assert.Equal(t, []string{
		lowLarge.ID + "/high",
		lowSmall.ID + "/high",
		burst.ID + "/medium",
		medium.ID + "/medium",
	}, got)

	assert.Equal(t, 5, opps[2].RecentFailures)
	assert.Equal(t, now, opps[0].DetectedAt)
	assert.Equal(t, 40, opps[0].Metrics.Total)
}

func TestDetectTieBreakIsDeterministic(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, name := range []string{"b", "a", "c"} {
		comp, v1, err := s.RegisterComponent(ctx, name, "", "x = 1", models.CreatedByHuman)
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			require.NoError(t, s.InsertExecution(ctx, &models.ExecutionRecord{
				ComponentID: comp.ID, VersionID: v1.ID, Timestamp: now.Add(-time.Duration(i+1) * time.Minute),
			}))
		}
	}

	d := NewDetector(s, s, DefaultConfig(), nil)
	first, err := d.Detect(ctx)
	require.NoError(t, err)
	second, err := d.Detect(ctx)
	require.NoError(t, err)
	require.Len(t, first, 3)
	for i := range first {
		assert.Equal(t, first[i].ComponentID, second[i].ComponentID)
		if i > 0 {
			assert.Less(t, first[i-1].ComponentID, first[i].ComponentID)
		}
	}
}
