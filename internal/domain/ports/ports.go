// Package ports defines interfaces for external dependencies.
// Clean Architecture: These are the boundaries - usecases depend on these abstractions,
// not concrete implementations. Adapters implement these interfaces.
package ports

import (
	"context"
	"errors"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
)

// ErrChartsUnsupported is returned by LLM adapters that have no
// code-execution mode when a chart artifact is requested.
var ErrChartsUnsupported = errors.New("chart generation not supported by this model")

// EmbeddingService generates vector embeddings for text.
type EmbeddingService interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts efficiently.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore exposes the nearest-neighbor and metadata query surface of one
// vector database. Every method names the collection it operates on; one
// store instance serves all registered sources.
type VectorStore interface {
	// Search finds the topK records most similar to the embedding.
	// Results are ordered by descending score.
	Search(ctx context.Context, collection string, embedding []float32, topK int) ([]entities.ScoredRecord, error)

	// Get fetches a single record by id. Returns (nil, nil) when the
	// record does not exist.
	Get(ctx context.Context, collection, recordID string) (*entities.Record, error)

	// FindByMetadata returns records whose metadata field matches value,
	// exactly or as a substring. Order is unspecified; capped at limit.
	FindByMetadata(ctx context.Context, collection, field, value string, limit int) ([]entities.Record, error)

	// Scan returns every record's metadata view for aggregation.
	// No vector search is involved.
	Scan(ctx context.Context, collection string) ([]entities.Record, error)

	// Upsert stores records with their embeddings.
	Upsert(ctx context.Context, collection string, records []entities.Record, embeddings [][]float32) error
}

// LLMService generates text responses from a language model.
type LLMService interface {
	// Generate produces an answer for an assembled context.
	Generate(ctx context.Context, assembled *entities.AssembledContext) (string, error)

	// GenerateWithChart answers a statistical question and renders the
	// table as one or more chart artifacts via the model's code-execution
	// mode. Adapters without such a mode return ErrChartsUnsupported.
	GenerateWithChart(ctx context.Context, assembled *entities.AssembledContext, table []entities.Row) (string, []entities.ChartArtifact, error)
}

// SourceRegistry is the read-only catalog of registered data sources.
// Accessors return snapshots; callers never see live registry internals.
type SourceRegistry interface {
	// Sources returns all registered sources in catalog order.
	Sources() []entities.DataSource

	// Source returns the source with the given id.
	Source(id string) (entities.DataSource, bool)
}

// ConversationStore holds per-user bounded conversation history.
type ConversationStore interface {
	// Append adds a turn to the user's session, creating it if needed.
	Append(ctx context.Context, turn entities.ConversationTurn) error

	// Session returns a copy of the user's retained turns in order.
	Session(ctx context.Context, userID string) ([]entities.ConversationTurn, error)

	// RelevantHistory ranks the user's retained turns by similarity to
	// the query embedding, descending, truncated to maxTurns.
	RelevantHistory(ctx context.Context, userID string, queryEmbedding []float32, maxTurns int) ([]entities.ConversationTurn, error)

	// Reset drops the user's turns but keeps the session.
	Reset(ctx context.Context, userID string) error

	// Delete removes the user's session entirely.
	Delete(ctx context.Context, userID string) error

	// ListUsers summarizes every known session.
	ListUsers(ctx context.Context) ([]entities.UserSummary, error)
}
