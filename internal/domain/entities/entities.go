// Package entities contains core business entities.
// These are the enterprise business rules - pure domain objects with no external dependencies.
package entities

import (
	"regexp"
	"time"
)

// FieldType describes a metadata field in a source schema.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldTime   FieldType = "time"
)

// DataSource is one registered, independently indexed collection of records.
// Immutable after registry load; reload swaps in a whole new catalog.
type DataSource struct {
	ID          string
	DisplayName string
	Description string
	Keywords    []string
	Patterns    []*regexp.Regexp
	IDPattern   *regexp.Regexp // one capture group holding the record id
	Schema      map[string]FieldType
	Collection  string
	Embedding   []float32 // representative embedding, set at load
}

// Query is one incoming question. Read-only through the pipeline; it is not
// persisted beyond the request except as it becomes a ConversationTurn.
type Query struct {
	ID        string
	Text      string
	UserID    string
	TopK      int // 0 means "let the classifier decide"
	Timestamp time.Time
}

// IntentKind tags the classified purpose of a query.
type IntentKind string

const (
	IntentDirectID    IntentKind = "direct_id"
	IntentMetadata    IntentKind = "metadata"
	IntentStatistical IntentKind = "statistical"
	IntentSemantic    IntentKind = "semantic"
)

// FilterOp is a comparison operator in a statistical filter clause.
type FilterOp string

const (
	OpEq       FilterOp = "eq"
	OpNeq      FilterOp = "neq"
	OpGt       FilterOp = "gt"
	OpLt       FilterOp = "lt"
	OpGte      FilterOp = "gte"
	OpLte      FilterOp = "lte"
	OpContains FilterOp = "contains"
)

// FilterClause is one (field, operator, value) triple. Clauses are applied
// in order as a logical AND.
type FilterClause struct {
	Field string
	Op    FilterOp
	Value string
}

// Aggregation names a numeric aggregation over a filtered record set.
type Aggregation string

const (
	AggCount   Aggregation = "count"
	AggSum     Aggregation = "sum"
	AggAvg     Aggregation = "avg"
	AggMin     Aggregation = "min"
	AggMax     Aggregation = "max"
	AggGroupBy Aggregation = "group_by"
)

// Intent is the tagged classification result. Only the fields for the
// variant named by Kind are populated; an Intent is never mutated after the
// classifier produces it - re-classification produces a new one.
type Intent struct {
	Kind IntentKind

	// DirectID variant.
	SourceID string
	RecordID string

	// Metadata variant.
	Field string
	Value string

	// Statistical variant.
	Filters        []FilterClause
	Aggregation    Aggregation
	GroupField     string
	TargetField    string // field being aggregated (empty for count)
	WantChart      bool
	DroppedClauses []string // filter clauses that failed to parse

	// Semantic variant.
	CandidateSourceIDs []string
	Ambiguous          bool
	Embedding          []float32 // query embedding when one was computed

	// TopK is the effective retrieval depth after adaptive adjustment.
	TopK int
}

// EvidenceItem is one retrieved record offered as supporting material.
type EvidenceItem struct {
	SourceID string
	RecordID string
	Score    float64 // in [0,1]; meaningless when Unscored
	Unscored bool    // exact matches carry no relevance score
	Content  string
	Metadata map[string]string
}

// Record is a raw stored record as returned by a vector-store collaborator.
type Record struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// ScoredRecord is a Record with a nearest-neighbor similarity score.
type ScoredRecord struct {
	Record
	Score float64
}

// RetrievalReport carries per-source failure information alongside results.
// A failed source is degraded output, not an error, unless all sources fail.
type RetrievalReport struct {
	Queried []string
	Failed  map[string]string // source id -> failure description
}

// Degraded reports whether any queried source failed.
func (r *RetrievalReport) Degraded() bool {
	return len(r.Failed) > 0
}

// Group is one (key, aggregate) pair in a group_by result.
type Group struct {
	Key   string
	Value float64
}

// Row is one chart-ready key/value entry.
type Row struct {
	Key   string
	Value float64
}

// StatResult is the outcome of a statistical query. Empty marks the explicit
// "no matching records" condition for avg/min/max over an empty match set.
type StatResult struct {
	Aggregation  Aggregation
	Scalar       float64
	Groups       []Group
	MatchedCount int
	Empty        bool
	Table        []Row // populated only when the caller wants a chart
}

// ConversationTurn is one question/answer exchange. Turns are append-only;
// once written they are never edited.
type ConversationTurn struct {
	ID        string
	UserID    string
	Index     int // monotonic per user
	Question  string
	Answer    string
	Embedding []float32
	CreatedAt time.Time
}

// UserSummary describes one user's stored history.
type UserSummary struct {
	UserID    string
	TurnCount int
	FirstSeen time.Time
	LastSeen  time.Time
}

// AssembledContext is the bounded generation context handed to the LLM
// collaborator. It is built and consumed within one request and performs
// no I/O of its own.
type AssembledContext struct {
	SystemPrompt string
	Evidence     []EvidenceItem
	History      []ConversationTurn
	Question     string
}

// ChartArtifact is an image produced by the generation collaborator's
// code-execution mode.
type ChartArtifact struct {
	MimeType string
	Data     []byte
}

// Citation points at an evidence item referenced by an answer.
type Citation struct {
	SourceID string
	RecordID string
	Score    float64
	Preview  string
}

// Answer is the final response for one query.
type Answer struct {
	Question  string
	Text      string
	Citations []Citation
	Stat      *StatResult
	Charts    []ChartArtifact
	Report    RetrievalReport
}
