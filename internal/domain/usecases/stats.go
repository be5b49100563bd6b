package usecases

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
	"github.com/hyeokjun/routerag-go/internal/domain/ports"
)

// StatisticsEngine computes aggregations over a source's metadata-indexed
// records. No vector search is involved.
type StatisticsEngine struct {
	registry ports.SourceRegistry
	store    ports.VectorStore
}

// NewStatisticsEngine creates a statistics engine.
func NewStatisticsEngine(registry ports.SourceRegistry, store ports.VectorStore) *StatisticsEngine {
	return &StatisticsEngine{registry: registry, store: store}
}

// Compute applies the intent's filters in sequence as a logical AND, then
// aggregates. An empty match set for avg/min/max yields the explicit Empty
// marker, never NaN. When the intent wants a chart, a key/value table is
// attached for the rendering collaborator.
func (e *StatisticsEngine) Compute(ctx context.Context, intent *entities.Intent) (*entities.StatResult, error) {
	src, ok := e.registry.Source(intent.SourceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, intent.SourceID)
	}

	records, err := e.store.Scan(ctx, src.Collection)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", src.ID, err)
	}

	matched := records[:0:0]
	for _, r := range records {
		if matchesAll(r, intent.Filters, src.Schema) {
			matched = append(matched, r)
		}
	}

	result := &entities.StatResult{
		Aggregation:  intent.Aggregation,
		MatchedCount: len(matched),
	}
	switch intent.Aggregation {
	case entities.AggCount:
		result.Scalar = float64(len(matched))
	case entities.AggSum, entities.AggAvg, entities.AggMin, entities.AggMax:
		e.aggregateNumeric(result, matched, intent)
	case entities.AggGroupBy:
		e.aggregateGroups(result, matched, intent)
	default:
		return nil, fmt.Errorf("unsupported aggregation %q", intent.Aggregation)
	}

	if intent.WantChart && !result.Empty {
		result.Table = chartTable(result)
	}
	return result, nil
}

// matchesAll applies every filter clause as an AND.
func matchesAll(r entities.Record, filters []entities.FilterClause, schema map[string]entities.FieldType) bool {
	for _, f := range filters {
		if !matches(r, f, schema[f.Field]) {
			return false
		}
	}
	return true
}

func matches(r entities.Record, f entities.FilterClause, kind entities.FieldType) bool {
	raw, ok := r.Metadata[f.Field]
	if !ok {
		return false
	}
	switch f.Op {
	case entities.OpEq:
		return strings.EqualFold(raw, f.Value)
	case entities.OpNeq:
		return !strings.EqualFold(raw, f.Value)
	case entities.OpContains:
		return strings.Contains(strings.ToLower(raw), strings.ToLower(f.Value))
	case entities.OpGt, entities.OpLt, entities.OpGte, entities.OpLte:
		cmp, ok := compare(raw, f.Value, kind)
		if !ok {
			return false
		}
		switch f.Op {
		case entities.OpGt:
			return cmp > 0
		case entities.OpLt:
			return cmp < 0
		case entities.OpGte:
			return cmp >= 0
		default:
			return cmp <= 0
		}
	}
	return false
}

// compare orders two metadata values by the field's declared type, falling
// back to lexicographic order for strings.
func compare(raw, against string, kind entities.FieldType) (int, bool) {
	switch kind {
	case entities.FieldNumber:
		a, errA := strconv.ParseFloat(raw, 64)
		b, errB := strconv.ParseFloat(against, 64)
		if errA != nil || errB != nil {
			return 0, false
		}
		switch {
		case a > b:
			return 1, true
		case a < b:
			return -1, true
		}
		return 0, true
	case entities.FieldTime:
		a, errA := parseTime(raw)
		b, errB := parseTime(against)
		if errA != nil || errB != nil {
			return 0, false
		}
		return a.Compare(b), true
	default:
		return strings.Compare(raw, against), true
	}
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// aggregateNumeric computes sum/avg/min/max over the target field. Records
// whose target value does not parse are skipped; a match set with no usable
// values is the explicit empty result.
func (e *StatisticsEngine) aggregateNumeric(result *entities.StatResult, matched []entities.Record, intent *entities.Intent) {
	values := numericValues(matched, intent.TargetField)
	if len(values) == 0 {
		result.Empty = true
		return
	}
	switch intent.Aggregation {
	case entities.AggSum:
		result.Scalar = sum(values)
	case entities.AggAvg:
		result.Scalar = sum(values) / float64(len(values))
	case entities.AggMin:
		result.Scalar = values[0]
		for _, v := range values[1:] {
			if v < result.Scalar {
				result.Scalar = v
			}
		}
	case entities.AggMax:
		result.Scalar = values[0]
		for _, v := range values[1:] {
			if v > result.Scalar {
				result.Scalar = v
			}
		}
	}
}

// aggregateGroups counts matched records per group key, or sums the target
// field when one is named. Groups are sorted by key for determinism.
func (e *StatisticsEngine) aggregateGroups(result *entities.StatResult, matched []entities.Record, intent *entities.Intent) {
	if intent.GroupField == "" {
		result.Empty = true
		return
	}
	totals := make(map[string]float64)
	for _, r := range matched {
		key, ok := r.Metadata[intent.GroupField]
		if !ok {
			continue
		}
		if intent.TargetField == "" {
			totals[key]++
			continue
		}
		if v, err := strconv.ParseFloat(r.Metadata[intent.TargetField], 64); err == nil {
			totals[key] += v
		}
	}
	if len(totals) == 0 {
		result.Empty = true
		return
	}
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		result.Groups = append(result.Groups, entities.Group{Key: k, Value: totals[k]})
	}
}

func numericValues(records []entities.Record, field string) []float64 {
	var out []float64
	for _, r := range records {
		raw, ok := r.Metadata[field]
		if !ok {
			continue
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// chartTable renders a result as key/value rows for chart generation.
func chartTable(result *entities.StatResult) []entities.Row {
	if len(result.Groups) > 0 {
		rows := make([]entities.Row, len(result.Groups))
		for i, g := range result.Groups {
			rows[i] = entities.Row{Key: g.Key, Value: g.Value}
		}
		return rows
	}
	return []entities.Row{{Key: string(result.Aggregation), Value: result.Scalar}}
}
