package usecases

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
	"github.com/hyeokjun/routerag-go/internal/domain/ports"
)

// ErrAllSourcesFailed reports that every candidate source's retrieval
// failed. Distinct from "no results found", which is a healthy empty answer.
var ErrAllSourcesFailed = errors.New("all candidate sources failed")

// ErrUnknownSource reports an intent naming a source that is not registered.
var ErrUnknownSource = errors.New("unknown source")

// CoordinatorConfig holds retrieval policy knobs.
type CoordinatorConfig struct {
	SourceTimeout time.Duration // per-source deadline; one slow source never stalls the rest
}

// Coordinator executes the retrieval strategy an Intent calls for and
// normalizes results into evidence.
type Coordinator struct {
	registry ports.SourceRegistry
	store    ports.VectorStore
	embedder ports.EmbeddingService
	cfg      CoordinatorConfig
}

// NewCoordinator creates a retrieval coordinator.
func NewCoordinator(registry ports.SourceRegistry, store ports.VectorStore, embedder ports.EmbeddingService, cfg CoordinatorConfig) *Coordinator {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 3 * time.Second
	}
	return &Coordinator{registry: registry, store: store, embedder: embedder, cfg: cfg}
}

// Retrieve dispatches on the intent kind. Statistical intents are computed
// by the statistics engine, not retrieved here.
func (c *Coordinator) Retrieve(ctx context.Context, intent *entities.Intent, query *entities.Query) ([]entities.EvidenceItem, entities.RetrievalReport, error) {
	switch intent.Kind {
	case entities.IntentDirectID:
		return c.fetchByID(ctx, intent)
	case entities.IntentMetadata:
		return c.fetchByMetadata(ctx, intent)
	case entities.IntentSemantic:
		return c.searchSemantic(ctx, intent, query)
	default:
		return nil, entities.RetrievalReport{}, fmt.Errorf("intent kind %q is not retrievable", intent.Kind)
	}
}

// fetchByID is a single point fetch; zero or one result.
func (c *Coordinator) fetchByID(ctx context.Context, intent *entities.Intent) ([]entities.EvidenceItem, entities.RetrievalReport, error) {
	src, ok := c.registry.Source(intent.SourceID)
	if !ok {
		return nil, entities.RetrievalReport{}, fmt.Errorf("%w: %s", ErrUnknownSource, intent.SourceID)
	}
	report := entities.RetrievalReport{Queried: []string{src.ID}, Failed: map[string]string{}}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
	defer cancel()
	record, err := c.store.Get(fetchCtx, src.Collection, intent.RecordID)
	if err != nil {
		report.Failed[src.ID] = err.Error()
		return nil, report, fmt.Errorf("%w: %s: %v", ErrAllSourcesFailed, src.ID, err)
	}
	if record == nil {
		return nil, report, nil
	}
	return []entities.EvidenceItem{{
		SourceID: src.ID,
		RecordID: record.ID,
		Unscored: true,
		Content:  record.Content,
		Metadata: record.Metadata,
	}}, report, nil
}

// fetchByMetadata queries the source's metadata index. Exact matches carry
// no relevance score.
func (c *Coordinator) fetchByMetadata(ctx context.Context, intent *entities.Intent) ([]entities.EvidenceItem, entities.RetrievalReport, error) {
	src, ok := c.registry.Source(intent.SourceID)
	if !ok {
		return nil, entities.RetrievalReport{}, fmt.Errorf("%w: %s", ErrUnknownSource, intent.SourceID)
	}
	report := entities.RetrievalReport{Queried: []string{src.ID}, Failed: map[string]string{}}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
	defer cancel()
	records, err := c.store.FindByMetadata(fetchCtx, src.Collection, intent.Field, intent.Value, intent.TopK)
	if err != nil {
		report.Failed[src.ID] = err.Error()
		return nil, report, fmt.Errorf("%w: %s: %v", ErrAllSourcesFailed, src.ID, err)
	}

	items := make([]entities.EvidenceItem, 0, len(records))
	for _, r := range records {
		items = append(items, entities.EvidenceItem{
			SourceID: src.ID,
			RecordID: r.ID,
			Unscored: true,
			Content:  r.Content,
			Metadata: r.Metadata,
		})
	}
	if len(items) > intent.TopK {
		items = items[:intent.TopK]
	}
	return items, report, nil
}

// sourceResult carries one source's contribution out of the fan-out.
type sourceResult struct {
	sourceID string
	items    []entities.EvidenceItem
	err      error
}

// searchSemantic fans out a nearest-neighbor query to every candidate
// source concurrently, each under its own timeout. Failed sources contribute
// nothing and are recorded; only a total failure is an error. Results are
// merged, deduplicated by (source, record) and truncated to a single global
// top-k so a high-relevance source is never starved by per-source caps.
func (c *Coordinator) searchSemantic(ctx context.Context, intent *entities.Intent, query *entities.Query) ([]entities.EvidenceItem, entities.RetrievalReport, error) {
	embedding := intent.Embedding
	if embedding == nil {
		var err error
		embedding, err = c.embedder.Embed(ctx, query.Text)
		if err != nil {
			return nil, entities.RetrievalReport{}, fmt.Errorf("embedding query: %w", err)
		}
	}

	report := entities.RetrievalReport{Failed: map[string]string{}}
	results := make(chan sourceResult, len(intent.CandidateSourceIDs))
	var wg sync.WaitGroup

	for _, id := range intent.CandidateSourceIDs {
		src, ok := c.registry.Source(id)
		if !ok {
			report.Failed[id] = "not registered"
			continue
		}
		report.Queried = append(report.Queried, id)

		wg.Add(1)
		go func(src entities.DataSource) {
			defer wg.Done()
			srcCtx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
			defer cancel()
			scored, err := c.store.Search(srcCtx, src.Collection, embedding, intent.TopK)
			if err != nil {
				results <- sourceResult{sourceID: src.ID, err: err}
				return
			}
			items := make([]entities.EvidenceItem, 0, len(scored))
			for _, r := range scored {
				items = append(items, entities.EvidenceItem{
					SourceID: src.ID,
					RecordID: r.ID,
					Score:    r.Score,
					Content:  r.Content,
					Metadata: r.Metadata,
				})
			}
			results <- sourceResult{sourceID: src.ID, items: items}
		}(src)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var merged []entities.EvidenceItem
	failedQueried := 0
	collecting := true
	for collecting {
		select {
		case <-ctx.Done():
			// Abandon in-flight sources; their contexts inherit the
			// cancellation and their results are discarded.
			return nil, report, ctx.Err()
		case res, ok := <-results:
			if !ok {
				collecting = false
				break
			}
			if res.err != nil {
				report.Failed[res.sourceID] = res.err.Error()
				failedQueried++
				log.Warn().Str("source", res.sourceID).Err(res.err).Msg("source retrieval failed")
				continue
			}
			merged = append(merged, res.items...)
		}
	}

	if len(report.Queried) == 0 {
		return nil, report, fmt.Errorf("%w: no candidate source registered", ErrAllSourcesFailed)
	}
	// Unregistered candidates also land in Failed; only queried-source
	// failures count toward total failure.
	if failedQueried == len(report.Queried) {
		return nil, report, ErrAllSourcesFailed
	}

	merged = dedupe(merged)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if merged[i].SourceID != merged[j].SourceID {
			return merged[i].SourceID < merged[j].SourceID
		}
		return merged[i].RecordID < merged[j].RecordID
	})
	if len(merged) > intent.TopK {
		merged = merged[:intent.TopK]
	}
	return merged, report, nil
}

// dedupe drops repeated (source, record) pairs, keeping the higher score.
func dedupe(items []entities.EvidenceItem) []entities.EvidenceItem {
	type key struct{ source, record string }
	best := make(map[key]int, len(items))
	out := items[:0]
	for _, item := range items {
		k := key{item.SourceID, item.RecordID}
		if i, seen := best[k]; seen {
			if item.Score > out[i].Score {
				out[i] = item
			}
			continue
		}
		best[k] = len(out)
		out = append(out, item)
	}
	return out
}
