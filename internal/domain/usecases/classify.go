// Package usecases contains the application business rules: classification,
// retrieval coordination, statistics, context assembly and the ask pipeline.
package usecases

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
	"github.com/hyeokjun/routerag-go/internal/domain/ports"
)

// ClassifierConfig holds the routing policy knobs.
type ClassifierConfig struct {
	KeywordThreshold    float64 // keyword-score cutoff for unambiguous routing
	SimilarityThreshold float64 // cosine cutoff for vector fallback
	DefaultTopK         int
	RecentTopK          int // bumped top-k when the query asks about recent items
}

// Classifier turns a raw query into an Intent. Rules are evaluated in fixed
// priority order; the first rule that matches wins. Classification never
// returns an error - the worst case is the broadest semantic fallback.
type Classifier struct {
	registry ports.SourceRegistry
	embedder ports.EmbeddingService
	cfg      ClassifierConfig
	rules    []rule
}

// rule inspects a query and either produces an Intent or passes.
type rule func(ctx context.Context, q *entities.Query) (*entities.Intent, bool)

// NewClassifier creates a classifier with the rule chain wired in priority
// order: direct-id, metadata, statistical, semantic.
func NewClassifier(registry ports.SourceRegistry, embedder ports.EmbeddingService, cfg ClassifierConfig) *Classifier {
	if cfg.KeywordThreshold <= 0 {
		cfg.KeywordThreshold = 0.25
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.55
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.RecentTopK <= 0 {
		cfg.RecentTopK = 20
	}
	c := &Classifier{registry: registry, embedder: embedder, cfg: cfg}
	c.rules = []rule{c.matchDirectID, c.matchMetadata, c.matchStatistical, c.matchSemantic}
	return c
}

// Classify runs the rule chain. The semantic rule always matches, so every
// query yields an Intent.
func (c *Classifier) Classify(ctx context.Context, q *entities.Query) *entities.Intent {
	for _, r := range c.rules {
		if intent, ok := r(ctx, q); ok {
			intent.TopK = c.effectiveTopK(q)
			return intent
		}
	}
	// Unreachable; matchSemantic never passes.
	return &entities.Intent{Kind: entities.IntentSemantic, Ambiguous: true, TopK: c.effectiveTopK(q)}
}

var recentWords = []string{"recent", "latest", "newest", "last few", "today", "yesterday", "this week"}

// effectiveTopK honors an explicit request, otherwise widens retrieval for
// queries about recent items so enough candidates survive ranking.
func (c *Classifier) effectiveTopK(q *entities.Query) int {
	if q.TopK > 0 {
		return q.TopK
	}
	lower := strings.ToLower(q.Text)
	for _, w := range recentWords {
		if strings.Contains(lower, w) {
			return c.cfg.RecentTopK
		}
	}
	return c.cfg.DefaultTopK
}

// matchDirectID fires when any source's id pattern matches, regardless of
// accompanying text. Direct lookups bypass semantic search for precision.
func (c *Classifier) matchDirectID(ctx context.Context, q *entities.Query) (*entities.Intent, bool) {
	for _, src := range c.registry.Sources() {
		if src.IDPattern == nil {
			continue
		}
		if m := src.IDPattern.FindStringSubmatch(q.Text); m != nil {
			return &entities.Intent{
				Kind:     entities.IntentDirectID,
				SourceID: src.ID,
				RecordID: m[1],
			}, true
		}
	}
	return nil, false
}

// metadataPatterns recognize field lookups like "status of X" or
// "who owns Y". The field group must name a field in some source's schema.
var metadataPatterns = []struct {
	re    *regexp.Regexp
	field string // fixed field when the pattern implies one
}{
	{re: regexp.MustCompile(`(?i)\b([a-z_]+)\s+(?:of|for)\s+(.+?)\s*\??$`)},
	{re: regexp.MustCompile(`(?i)\bwho\s+owns\s+(.+?)\s*\??$`), field: "owner"},
	{re: regexp.MustCompile(`(?i)\bwho\s+is\s+assigned\s+to\s+(.+?)\s*\??$`), field: "assignee"},
}

func (c *Classifier) matchMetadata(ctx context.Context, q *entities.Query) (*entities.Intent, bool) {
	if hasAggregationVocabulary(q.Text) {
		return nil, false
	}
	for _, p := range metadataPatterns {
		m := p.re.FindStringSubmatch(q.Text)
		if m == nil {
			continue
		}
		field, value := p.field, ""
		if field == "" {
			field, value = strings.ToLower(m[1]), m[2]
		} else {
			value = m[1]
		}
		src, ok := c.sourceWithField(field)
		if !ok {
			continue
		}
		return &entities.Intent{
			Kind:     entities.IntentMetadata,
			SourceID: src.ID,
			Field:    field,
			Value:    strings.TrimSpace(value),
		}, true
	}
	return nil, false
}

// sourceWithField finds the first source whose schema declares the field.
func (c *Classifier) sourceWithField(field string) (entities.DataSource, bool) {
	for _, src := range c.registry.Sources() {
		if _, ok := src.Schema[field]; ok {
			return src, true
		}
	}
	return entities.DataSource{}, false
}

// aggregationWords is ordered; when a query carries several aggregation
// words the first entry present wins, so classification is reproducible.
var aggregationWords = []struct {
	word string
	agg  entities.Aggregation
}{
	{word: "count", agg: entities.AggCount},
	{word: "how many", agg: entities.AggCount},
	{word: "number o", agg: entities.AggCount}, // "number of"
	{word: "average", agg: entities.AggAvg},
	{word: "avg", agg: entities.AggAvg},
	{word: "mean", agg: entities.AggAvg},
	{word: "total", agg: entities.AggSum},
	{word: "sum", agg: entities.AggSum},
	{word: "minimum", agg: entities.AggMin},
	{word: "lowest", agg: entities.AggMin},
	{word: "maximum", agg: entities.AggMax},
	{word: "highest", agg: entities.AggMax},
}

var chartWords = []string{"chart", "plot", "graph", "visuali", "draw"}

var groupByPattern = regexp.MustCompile(`(?i)\b(?:by|per|grouped by|breakdown by)\s+([a-z_]+)`)

// filterClausePattern parses one (field, operator, value) triple.
var filterClausePattern = regexp.MustCompile(
	`(?i)^\s*([a-z_]+)\s*(==|=|!=|>=|<=|>|<|\bis\s+not\b|\bis\b|\bcontains\b)\s*"?([\w .:-]+?)"?\s*$`)

// clauseCandidatePattern spots text that is shaped like a filter clause even
// when it will not parse cleanly.
var clauseCandidatePattern = regexp.MustCompile(
	`(?i)[\w()]+\s*(?:==|=|!=|>=|<=|>|<|\bis\b|\bcontains\b)\s*\S+`)

func hasAggregationVocabulary(text string) bool {
	lower := strings.ToLower(text)
	for _, entry := range aggregationWords {
		if strings.Contains(lower, entry.word) {
			return true
		}
	}
	return strings.Contains(lower, "compare") || groupByPattern.MatchString(lower)
}

// matchStatistical fires on aggregation vocabulary. Filter clauses that fail
// to parse are dropped and recorded on the intent; statistics over partial
// filters beats failing the whole query.
func (c *Classifier) matchStatistical(ctx context.Context, q *entities.Query) (*entities.Intent, bool) {
	if !hasAggregationVocabulary(q.Text) {
		return nil, false
	}
	lower := strings.ToLower(q.Text)

	intent := &entities.Intent{
		Kind:        entities.IntentStatistical,
		Aggregation: entities.AggCount,
	}
	for _, entry := range aggregationWords {
		if strings.Contains(lower, entry.word) {
			intent.Aggregation = entry.agg
			break
		}
	}
	if m := groupByPattern.FindStringSubmatch(q.Text); m != nil {
		intent.Aggregation = entities.AggGroupBy
		intent.GroupField = strings.ToLower(m[1])
	}
	for _, w := range chartWords {
		if strings.Contains(lower, w) {
			intent.WantChart = true
			break
		}
	}

	intent.Filters, intent.DroppedClauses = parseFilters(q.Text)

	src := c.bestSourceByKeywords(q.Text)
	intent.SourceID = src.ID
	intent.TargetField = c.targetField(src, lower)

	if len(intent.DroppedClauses) > 0 {
		log.Warn().Strs("dropped", intent.DroppedClauses).Str("query", q.ID).
			Msg("unparseable filter clauses dropped")
	}
	return intent, true
}

// parseFilters extracts filter clauses from the query text. Candidates that
// look like clauses but do not parse are returned as dropped.
func parseFilters(text string) ([]entities.FilterClause, []string) {
	var filters []entities.FilterClause
	var dropped []string
	for _, candidate := range clauseCandidatePattern.FindAllString(text, -1) {
		clause, ok := parseClause(candidate)
		if !ok {
			dropped = append(dropped, strings.TrimSpace(candidate))
			continue
		}
		filters = append(filters, clause)
	}
	return filters, dropped
}

func parseClause(candidate string) (entities.FilterClause, bool) {
	m := filterClausePattern.FindStringSubmatch(candidate)
	if m == nil {
		return entities.FilterClause{}, false
	}
	op, ok := parseOp(strings.Join(strings.Fields(strings.ToLower(m[2])), " "))
	if !ok {
		return entities.FilterClause{}, false
	}
	return entities.FilterClause{
		Field: strings.ToLower(m[1]),
		Op:    op,
		Value: strings.TrimSpace(m[3]),
	}, true
}

func parseOp(raw string) (entities.FilterOp, bool) {
	switch raw {
	case "=", "==", "is":
		return entities.OpEq, true
	case "!=", "is not":
		return entities.OpNeq, true
	case ">":
		return entities.OpGt, true
	case "<":
		return entities.OpLt, true
	case ">=":
		return entities.OpGte, true
	case "<=":
		return entities.OpLte, true
	case "contains":
		return entities.OpContains, true
	}
	return "", false
}

// targetField matches the query against the source's numeric fields so
// "average resolution hours" aggregates over resolution_hours.
func (c *Classifier) targetField(src entities.DataSource, lower string) string {
	for field, kind := range src.Schema {
		if kind != entities.FieldNumber {
			continue
		}
		spaced := strings.ReplaceAll(field, "_", " ")
		if strings.Contains(lower, spaced) || strings.Contains(lower, field) {
			return field
		}
		// Partial match on the leading word, "resolution time" for
		// resolution_hours.
		if head, _, ok := strings.Cut(spaced, " "); ok && strings.Contains(lower, head) {
			return field
		}
	}
	return ""
}

// bestSourceByKeywords picks the highest keyword-scoring source, defaulting
// to the first registered source on a total miss.
func (c *Classifier) bestSourceByKeywords(text string) entities.DataSource {
	sources := c.registry.Sources()
	best, bestScore := sources[0], -1.0
	for _, src := range sources {
		if score := keywordScore(src, text); score > bestScore {
			best, bestScore = src, score
		}
	}
	return best
}

// keywordScore is the fraction of a source's keywords and patterns present
// in the text, case-insensitive.
func keywordScore(src entities.DataSource, text string) float64 {
	total := len(src.Keywords) + len(src.Patterns)
	if total == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range src.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			hits++
		}
	}
	for _, p := range src.Patterns {
		if p.MatchString(text) {
			hits++
		}
	}
	return float64(hits) / float64(total)
}

// matchSemantic is the default rule; it always produces an Intent.
// Keyword scoring routes unambiguously when exactly one source clears the
// threshold; otherwise vector similarity against each source's
// representative embedding decides; on a total miss every source is a
// candidate and the routing is ambiguous.
func (c *Classifier) matchSemantic(ctx context.Context, q *entities.Query) (*entities.Intent, bool) {
	sources := c.registry.Sources()

	var above []entities.DataSource
	for _, src := range sources {
		if keywordScore(src, q.Text) > c.cfg.KeywordThreshold {
			above = append(above, src)
		}
	}
	if len(above) == 1 {
		return &entities.Intent{
			Kind:               entities.IntentSemantic,
			CandidateSourceIDs: []string{above[0].ID},
			Ambiguous:          false,
		}, true
	}

	embedding, err := c.embedder.Embed(ctx, q.Text)
	if err != nil {
		log.Warn().Err(err).Str("query", q.ID).Msg("query embedding failed, routing to all sources")
		return c.broadestFallback(sources, nil), true
	}

	type scored struct {
		id    string
		score float64
	}
	var qualified []scored
	for _, src := range sources {
		score := entities.Cosine(embedding, src.Embedding)
		if score > c.cfg.SimilarityThreshold {
			qualified = append(qualified, scored{id: src.ID, score: score})
		}
	}
	sort.SliceStable(qualified, func(i, j int) bool { return qualified[i].score > qualified[j].score })

	if len(qualified) == 0 {
		return c.broadestFallback(sources, embedding), true
	}
	ids := make([]string, len(qualified))
	for i, s := range qualified {
		ids[i] = s.id
	}
	return &entities.Intent{
		Kind:               entities.IntentSemantic,
		CandidateSourceIDs: ids,
		Ambiguous:          len(ids) > 1,
		Embedding:          embedding,
	}, true
}

func (c *Classifier) broadestFallback(sources []entities.DataSource, embedding []float32) *entities.Intent {
	ids := make([]string, len(sources))
	for i, src := range sources {
		ids[i] = src.ID
	}
	return &entities.Intent{
		Kind:               entities.IntentSemantic,
		CandidateSourceIDs: ids,
		Ambiguous:          true,
		Embedding:          embedding,
	}
}
