package usecases

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
)

func newTestCoordinator(store *mockVectorStore, timeout time.Duration) *Coordinator {
	return NewCoordinator(testRegistry(), store, &mockEmbedder{}, CoordinatorConfig{SourceTimeout: timeout})
}

func semanticIntent(topK int, sources ...string) *entities.Intent {
	return &entities.Intent{
		Kind:               entities.IntentSemantic,
		CandidateSourceIDs: sources,
		Embedding:          []float32{1, 0},
		TopK:               topK,
	}
}

func TestRetrieve_DirectID(t *testing.T) {
	store := newMockVectorStore()
	store.records["issues"] = map[string]entities.Record{
		"4521": {ID: "4521", Content: "login fails on retry", Metadata: map[string]string{"status": "open"}},
	}
	c := newTestCoordinator(store, time.Second)

	intent := &entities.Intent{Kind: entities.IntentDirectID, SourceID: "issues", RecordID: "4521", TopK: 5}
	items, report, err := c.Retrieve(context.Background(), intent, &entities.Query{Text: "issue #4521"})

	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "4521", items[0].RecordID)
	assert.True(t, items[0].Unscored)
	assert.False(t, report.Degraded())
}

func TestRetrieve_DirectIDMissingRecord(t *testing.T) {
	c := newTestCoordinator(newMockVectorStore(), time.Second)

	intent := &entities.Intent{Kind: entities.IntentDirectID, SourceID: "issues", RecordID: "7", TopK: 5}
	items, _, err := c.Retrieve(context.Background(), intent, &entities.Query{})

	// Absent record is "no results", not a failure.
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRetrieve_UnknownSource(t *testing.T) {
	c := newTestCoordinator(newMockVectorStore(), time.Second)

	intent := &entities.Intent{Kind: entities.IntentDirectID, SourceID: "nope", RecordID: "1"}
	_, _, err := c.Retrieve(context.Background(), intent, &entities.Query{})
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestRetrieve_Metadata(t *testing.T) {
	store := newMockVectorStore()
	store.scans["issues"] = []entities.Record{
		{ID: "1", Content: "a", Metadata: map[string]string{"status": "open"}},
		{ID: "2", Content: "b", Metadata: map[string]string{"status": "closed"}},
		{ID: "3", Content: "c", Metadata: map[string]string{"status": "open"}},
	}
	c := newTestCoordinator(store, time.Second)

	intent := &entities.Intent{Kind: entities.IntentMetadata, SourceID: "issues", Field: "status", Value: "open", TopK: 5}
	items, _, err := c.Retrieve(context.Background(), intent, &entities.Query{})

	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.True(t, item.Unscored)
	}
}

func TestRetrieve_SemanticMergesAndTruncates(t *testing.T) {
	store := newMockVectorStore()
	store.search["issues"] = []entities.ScoredRecord{
		{Record: entities.Record{ID: "i1", Content: "a"}, Score: 0.9},
		{Record: entities.Record{ID: "i2", Content: "b"}, Score: 0.5},
	}
	store.search["wiki"] = []entities.ScoredRecord{
		{Record: entities.Record{ID: "w1", Content: "c"}, Score: 0.8},
		{Record: entities.Record{ID: "w2", Content: "d"}, Score: 0.7},
	}
	c := newTestCoordinator(store, time.Second)

	items, report, err := c.Retrieve(context.Background(), semanticIntent(3, "issues", "wiki"), &entities.Query{Text: "q"})

	require.NoError(t, err)
	require.Len(t, items, 3)
	// Global ordering by score, not per-source quotas.
	assert.Equal(t, []string{"i1", "w1", "w2"}, []string{items[0].RecordID, items[1].RecordID, items[2].RecordID})
	for i := 1; i < len(items); i++ {
		assert.GreaterOrEqual(t, items[i-1].Score, items[i].Score)
	}
	assert.ElementsMatch(t, []string{"issues", "wiki"}, report.Queried)
}

func TestRetrieve_SemanticDeduplicates(t *testing.T) {
	store := newMockVectorStore()
	store.search["issues"] = []entities.ScoredRecord{
		{Record: entities.Record{ID: "i1", Content: "a"}, Score: 0.9},
		{Record: entities.Record{ID: "i1", Content: "a"}, Score: 0.4},
		{Record: entities.Record{ID: "i2", Content: "b"}, Score: 0.6},
	}
	c := newTestCoordinator(store, time.Second)

	items, _, err := c.Retrieve(context.Background(), semanticIntent(10, "issues"), &entities.Query{Text: "q"})

	require.NoError(t, err)
	require.Len(t, items, 2)
	seen := map[string]bool{}
	for _, item := range items {
		key := item.SourceID + "/" + item.RecordID
		assert.False(t, seen[key], "duplicate %s", key)
		seen[key] = true
	}
}

func TestRetrieve_PartialFailureTolerated(t *testing.T) {
	store := newMockVectorStore()
	store.search["issues"] = []entities.ScoredRecord{
		{Record: entities.Record{ID: "i1", Content: "a"}, Score: 0.9},
	}
	store.fail["wiki"] = errors.New("connection refused")
	c := newTestCoordinator(store, time.Second)

	items, report, err := c.Retrieve(context.Background(), semanticIntent(5, "issues", "wiki"), &entities.Query{Text: "q"})

	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "issues", items[0].SourceID)
	assert.True(t, report.Degraded())
	assert.Contains(t, report.Failed["wiki"], "connection refused")
}

func TestRetrieve_SlowSourceTimesOut(t *testing.T) {
	store := newMockVectorStore()
	store.search["issues"] = []entities.ScoredRecord{
		{Record: entities.Record{ID: "i1", Content: "a"}, Score: 0.9},
	}
	store.delay["wiki"] = 500 * time.Millisecond
	c := newTestCoordinator(store, 30*time.Millisecond)

	start := time.Now()
	items, report, err := c.Retrieve(context.Background(), semanticIntent(5, "issues", "wiki"), &entities.Query{Text: "q"})

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	require.Len(t, items, 1)
	assert.Equal(t, "issues", items[0].SourceID)
	assert.Contains(t, report.Failed, "wiki")
}

func TestRetrieve_AllSourcesFailed(t *testing.T) {
	store := newMockVectorStore()
	store.fail["issues"] = errors.New("down")
	store.fail["wiki"] = errors.New("down")
	c := newTestCoordinator(store, time.Second)

	_, report, err := c.Retrieve(context.Background(), semanticIntent(5, "issues", "wiki"), &entities.Query{Text: "q"})

	assert.ErrorIs(t, err, ErrAllSourcesFailed)
	assert.Len(t, report.Failed, 2)
}

func TestRetrieve_AllQueriedFailedWithUnregisteredCandidate(t *testing.T) {
	// An unregistered candidate also lands in Failed; it must not mask a
	// total failure of the sources that were actually queried.
	store := newMockVectorStore()
	store.fail["issues"] = errors.New("down")
	c := newTestCoordinator(store, time.Second)

	_, report, err := c.Retrieve(context.Background(), semanticIntent(5, "issues", "ghost"), &entities.Query{Text: "q"})

	assert.ErrorIs(t, err, ErrAllSourcesFailed)
	assert.Equal(t, []string{"issues"}, report.Queried)
	assert.Equal(t, "not registered", report.Failed["ghost"])
	assert.Contains(t, report.Failed["issues"], "down")
}

func TestRetrieve_CancelledContext(t *testing.T) {
	store := newMockVectorStore()
	store.delay["issues"] = time.Second
	c := newTestCoordinator(store, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := c.Retrieve(ctx, semanticIntent(5, "issues"), &entities.Query{Text: "q"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetrieve_EmbedsWhenClassifierDidNot(t *testing.T) {
	store := newMockVectorStore()
	store.search["issues"] = []entities.ScoredRecord{
		{Record: entities.Record{ID: "i1", Content: "a"}, Score: 0.9},
	}
	embedder := &mockEmbedder{}
	c := NewCoordinator(testRegistry(), store, embedder, CoordinatorConfig{SourceTimeout: time.Second})

	intent := &entities.Intent{Kind: entities.IntentSemantic, CandidateSourceIDs: []string{"issues"}, TopK: 5}
	items, _, err := c.Retrieve(context.Background(), intent, &entities.Query{Text: "the bug"})

	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, embedder.calls)
}
