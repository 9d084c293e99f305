package consolidation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndFetchDecision(t *testing.T) {
	audit := testAudit(t)
	ctx := context.Background()

	d := &RoutingDecision{
		Scope:        "work",
		ItemID:       "itm_1",
		Features:     FeatureVector{Scope: "work", FutureMarkers: 1},
		Layer:        LayerProspective,
		Confidence:   0.7,
		FallbackUsed: true,
		Trigger:      TriggerEviction,
		Dispatched:   true,
		StoreID:      "ltm_abc",
	}
	require.NoError(t, audit.Record(ctx, d))
	require.NotEmpty(t, d.ID)

	got, err := audit.DecisionForItem(ctx, "itm_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, LayerProspective, got.Layer)
	assert.Equal(t, TriggerEviction, got.Trigger)
	assert.True(t, got.FallbackUsed)
	assert.True(t, got.Dispatched)
	assert.Equal(t, "ltm_abc", got.StoreID)
	assert.Equal(t, 1, got.Features.FutureMarkers)
}

func TestDecisionForUnknownItem(t *testing.T) {
	audit := testAudit(t)
	got, err := audit.DecisionForItem(context.Background(), "itm_none")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordUpsertsPerItem(t *testing.T) {
	audit := testAudit(t)
	ctx := context.Background()

	failed := &RoutingDecision{
		Scope:   "work",
		ItemID:  "itm_1",
		Layer:   LayerSemantic,
		Trigger: TriggerEviction,
		Error:   "store unavailable",
	}
	require.NoError(t, audit.Record(ctx, failed))

	// The retry outcome replaces the dispatch fields of the original row
	// instead of adding a second decision for the item.
	retried := &RoutingDecision{
		Scope:      "work",
		ItemID:     "itm_1",
		Layer:      LayerSemantic,
		Trigger:    TriggerEviction,
		Dispatched: true,
		StoreID:    "ltm_xyz",
	}
	require.NoError(t, audit.Record(ctx, retried))

	history, err := audit.History(ctx, "work", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	got := history[0]
	assert.Equal(t, failed.ID, got.ID)
	assert.True(t, got.Dispatched)
	assert.Equal(t, "ltm_xyz", got.StoreID)
	assert.Empty(t, got.Error)
}

func TestRecordTimestampsFromClock(t *testing.T) {
	clock := newFakeClock()
	audit, err := NewAuditStore(testDB(t), clock)
	require.NoError(t, err)
	ctx := context.Background()

	first := clock.Now()
	d := &RoutingDecision{Scope: "work", ItemID: "itm_1", Layer: LayerSemantic}
	require.NoError(t, audit.Record(ctx, d))
	assert.True(t, d.CreatedAt.Equal(first))
	assert.True(t, d.UpdatedAt.Equal(first))

	// The retry write keeps the original created_at but stamps the new
	// clock reading into updated_at.
	clock.Advance(time.Hour)
	require.NoError(t, audit.Record(ctx, &RoutingDecision{
		Scope: "work", ItemID: "itm_1", Layer: LayerSemantic,
		Dispatched: true, StoreID: "ltm_xyz",
	}))

	got, err := audit.DecisionForItem(ctx, "itm_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CreatedAt.Equal(first))
	assert.True(t, got.UpdatedAt.Equal(first.Add(time.Hour)))
}

func TestHistoryLimit(t *testing.T) {
	audit := testAudit(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, audit.Record(ctx, &RoutingDecision{
			Scope:      "work",
			ItemID:     fmt.Sprintf("itm_%d", i),
			Layer:      LayerEpisodic,
			Trigger:    TriggerManual,
			Dispatched: true,
		}))
	}
	require.NoError(t, audit.Record(ctx, &RoutingDecision{
		Scope:      "other",
		ItemID:     "itm_other",
		Layer:      LayerEpisodic,
		Trigger:    TriggerManual,
		Dispatched: true,
	}))

	history, err := audit.History(ctx, "work", 3)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	all, err := audit.History(ctx, "work", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	for _, d := range all {
		assert.Equal(t, "work", d.Scope)
	}
}

func TestAcceptanceCountsOnlyDispatched(t *testing.T) {
	audit := testAudit(t)
	ctx := context.Background()

	require.NoError(t, audit.Record(ctx, &RoutingDecision{
		Scope: "work", ItemID: "itm_1", Layer: LayerSemantic, Dispatched: true,
	}))
	require.NoError(t, audit.Record(ctx, &RoutingDecision{
		Scope: "work", ItemID: "itm_2", Layer: LayerSemantic, Dispatched: true,
	}))
	require.NoError(t, audit.Record(ctx, &RoutingDecision{
		Scope: "work", ItemID: "itm_3", Layer: LayerEpisodic, Error: "failed",
	}))

	counts, err := audit.AcceptanceCounts(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[LayerSemantic])
	assert.Equal(t, 0, counts[LayerEpisodic])
}

func TestStats(t *testing.T) {
	audit := testAudit(t)
	ctx := context.Background()

	require.NoError(t, audit.Record(ctx, &RoutingDecision{
		Scope: "work", ItemID: "itm_1", Layer: LayerSemantic,
		Dispatched: true, FallbackUsed: true,
	}))
	require.NoError(t, audit.Record(ctx, &RoutingDecision{
		Scope: "work", ItemID: "itm_2", Layer: LayerProcedural, Dispatched: true,
	}))
	require.NoError(t, audit.Record(ctx, &RoutingDecision{
		Scope: "work", ItemID: "itm_3", Layer: LayerSemantic, Error: "failed",
	}))

	stats, err := audit.Stats(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Dispatched)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.FallbackCount)
	assert.Equal(t, 2, stats.PerLayer[LayerSemantic])
	assert.Equal(t, 1, stats.PerLayer[LayerProcedural])
}
