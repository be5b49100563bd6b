package usecases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
)

func issueRecord(id, status, severity, hours, created string) entities.Record {
	return entities.Record{
		ID: id,
		Metadata: map[string]string{
			"status":           status,
			"severity":         severity,
			"resolution_hours": hours,
			"created":          created,
		},
	}
}

func newTestStats() (*StatisticsEngine, *mockVectorStore) {
	store := newMockVectorStore()
	store.scans["issues"] = []entities.Record{
		issueRecord("1", "open", "high", "10", "2026-01-03"),
		issueRecord("2", "closed", "high", "30", "2026-02-10"),
		issueRecord("3", "open", "low", "5", "2026-03-01"),
		issueRecord("4", "closed", "low", "15", "2026-03-20"),
	}
	return NewStatisticsEngine(testRegistry(), store), store
}

func statIntent(agg entities.Aggregation, filters ...entities.FilterClause) *entities.Intent {
	return &entities.Intent{
		Kind:        entities.IntentStatistical,
		SourceID:    "issues",
		Aggregation: agg,
		Filters:     filters,
	}
}

func TestCompute_Count(t *testing.T) {
	e, _ := newTestStats()
	res, err := e.Compute(context.Background(), statIntent(entities.AggCount,
		entities.FilterClause{Field: "status", Op: entities.OpEq, Value: "open"}))

	require.NoError(t, err)
	assert.Equal(t, 2, res.MatchedCount)
	assert.Equal(t, 2.0, res.Scalar)
	assert.False(t, res.Empty)
}

func TestCompute_FiltersAreANDed(t *testing.T) {
	e, _ := newTestStats()
	res, err := e.Compute(context.Background(), statIntent(entities.AggCount,
		entities.FilterClause{Field: "status", Op: entities.OpEq, Value: "open"},
		entities.FilterClause{Field: "severity", Op: entities.OpEq, Value: "high"}))

	require.NoError(t, err)
	assert.Equal(t, 1, res.MatchedCount)
}

func TestCompute_AvgOverTarget(t *testing.T) {
	e, _ := newTestStats()
	intent := statIntent(entities.AggAvg,
		entities.FilterClause{Field: "severity", Op: entities.OpEq, Value: "high"})
	intent.TargetField = "resolution_hours"

	res, err := e.Compute(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, 20.0, res.Scalar)
}

func TestCompute_MinMaxSum(t *testing.T) {
	e, _ := newTestStats()
	for _, tc := range []struct {
		agg  entities.Aggregation
		want float64
	}{
		{entities.AggMin, 5},
		{entities.AggMax, 30},
		{entities.AggSum, 60},
	} {
		intent := statIntent(tc.agg)
		intent.TargetField = "resolution_hours"
		res, err := e.Compute(context.Background(), intent)
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Scalar, "aggregation %s", tc.agg)
	}
}

func TestCompute_NumericComparison(t *testing.T) {
	e, _ := newTestStats()
	res, err := e.Compute(context.Background(), statIntent(entities.AggCount,
		entities.FilterClause{Field: "resolution_hours", Op: entities.OpGte, Value: "15"}))

	require.NoError(t, err)
	// Numeric compare: "5" < "15" even though it sorts after lexically.
	assert.Equal(t, 2, res.MatchedCount)
}

func TestCompute_TimeComparison(t *testing.T) {
	e, _ := newTestStats()
	res, err := e.Compute(context.Background(), statIntent(entities.AggCount,
		entities.FilterClause{Field: "created", Op: entities.OpGt, Value: "2026-02-01"}))

	require.NoError(t, err)
	assert.Equal(t, 3, res.MatchedCount)
}

func TestCompute_Contains(t *testing.T) {
	e, _ := newTestStats()
	res, err := e.Compute(context.Background(), statIntent(entities.AggCount,
		entities.FilterClause{Field: "status", Op: entities.OpContains, Value: "clo"}))

	require.NoError(t, err)
	assert.Equal(t, 2, res.MatchedCount)
}

func TestCompute_EmptyMatchSetMarker(t *testing.T) {
	e, _ := newTestStats()
	for _, agg := range []entities.Aggregation{entities.AggAvg, entities.AggMin, entities.AggMax} {
		intent := statIntent(agg,
			entities.FilterClause{Field: "status", Op: entities.OpEq, Value: "wontfix"})
		intent.TargetField = "resolution_hours"

		res, err := e.Compute(context.Background(), intent)
		require.NoError(t, err)
		assert.True(t, res.Empty, "aggregation %s", agg)
		assert.Zero(t, res.Scalar)
	}
}

func TestCompute_GroupBySortedByKey(t *testing.T) {
	e, _ := newTestStats()
	intent := statIntent(entities.AggGroupBy)
	intent.GroupField = "severity"

	res, err := e.Compute(context.Background(), intent)
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, entities.Group{Key: "high", Value: 2}, res.Groups[0])
	assert.Equal(t, entities.Group{Key: "low", Value: 2}, res.Groups[1])
}

func TestCompute_GroupBySumsTarget(t *testing.T) {
	e, _ := newTestStats()
	intent := statIntent(entities.AggGroupBy)
	intent.GroupField = "status"
	intent.TargetField = "resolution_hours"

	res, err := e.Compute(context.Background(), intent)
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, entities.Group{Key: "closed", Value: 45}, res.Groups[0])
	assert.Equal(t, entities.Group{Key: "open", Value: 15}, res.Groups[1])
}

func TestCompute_ChartTable(t *testing.T) {
	e, _ := newTestStats()
	intent := statIntent(entities.AggGroupBy)
	intent.GroupField = "severity"
	intent.WantChart = true

	res, err := e.Compute(context.Background(), intent)
	require.NoError(t, err)
	require.Len(t, res.Table, 2)
	assert.Equal(t, entities.Row{Key: "high", Value: 2}, res.Table[0])
}

func TestCompute_UnknownSource(t *testing.T) {
	e, _ := newTestStats()
	intent := statIntent(entities.AggCount)
	intent.SourceID = "nope"

	_, err := e.Compute(context.Background(), intent)
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestCompute_MissingFieldNeverMatches(t *testing.T) {
	e, _ := newTestStats()
	res, err := e.Compute(context.Background(), statIntent(entities.AggCount,
		entities.FilterClause{Field: "nonexistent", Op: entities.OpEq, Value: "x"}))

	require.NoError(t, err)
	assert.Zero(t, res.MatchedCount)
}
