package usecases

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
	"github.com/hyeokjun/routerag-go/internal/domain/ports"
)

const citationPreviewLimit = 200

// AskUseCase orchestrates one request end to end: classify, retrieve or
// compute, rank history, assemble, generate, record the turn.
type AskUseCase struct {
	classifier    *Classifier
	coordinator   *Coordinator
	stats         *StatisticsEngine
	assembler     *Assembler
	conversations ports.ConversationStore
	llm           ports.LLMService
	embedder      ports.EmbeddingService
	maxHistory    int
}

// NewAskUseCase creates the pipeline with injected dependencies.
func NewAskUseCase(
	classifier *Classifier,
	coordinator *Coordinator,
	stats *StatisticsEngine,
	assembler *Assembler,
	conversations ports.ConversationStore,
	llm ports.LLMService,
	embedder ports.EmbeddingService,
	maxHistory int,
) *AskUseCase {
	if maxHistory <= 0 {
		maxHistory = 3
	}
	return &AskUseCase{
		classifier:    classifier,
		coordinator:   coordinator,
		stats:         stats,
		assembler:     assembler,
		conversations: conversations,
		llm:           llm,
		embedder:      embedder,
		maxHistory:    maxHistory,
	}
}

// Ask answers one query. Partial source failures degrade the evidence and
// are surfaced on the answer's report; only a total retrieval failure or a
// generation failure is an error.
func (uc *AskUseCase) Ask(ctx context.Context, query *entities.Query) (*entities.Answer, error) {
	if query.UserID == "" {
		return nil, fmt.Errorf("malformed user id: empty")
	}
	if query.ID == "" {
		query.ID = uuid.NewString()
	}
	if query.Timestamp.IsZero() {
		query.Timestamp = time.Now()
	}

	intent := uc.classifier.Classify(ctx, query)
	log.Debug().Str("query", query.ID).Str("kind", string(intent.Kind)).
		Bool("ambiguous", intent.Ambiguous).Msg("query classified")

	var (
		evidence []entities.EvidenceItem
		stat     *entities.StatResult
		report   entities.RetrievalReport
	)
	if intent.Kind == entities.IntentStatistical {
		var err error
		stat, err = uc.stats.Compute(ctx, intent)
		if err != nil {
			return nil, fmt.Errorf("computing statistics: %w", err)
		}
	} else {
		var err error
		evidence, report, err = uc.coordinator.Retrieve(ctx, intent, query)
		if err != nil {
			return nil, fmt.Errorf("retrieving evidence: %w", err)
		}
	}

	history := uc.relevantHistory(ctx, query, intent)
	assembled := uc.assembler.Assemble(intent, evidence, stat, history, query)

	text, charts, err := uc.generate(ctx, intent, stat, assembled)
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	uc.recordTurn(ctx, query, text)

	return &entities.Answer{
		Question:  query.Text,
		Text:      text,
		Citations: citations(assembled.Evidence),
		Stat:      stat,
		Charts:    charts,
		Report:    report,
	}, nil
}

// relevantHistory embeds the query (reusing the classifier's embedding when
// it computed one) and ranks the user's turns. History is a nicety; any
// failure here degrades to no history.
func (uc *AskUseCase) relevantHistory(ctx context.Context, query *entities.Query, intent *entities.Intent) []entities.ConversationTurn {
	embedding := intent.Embedding
	if embedding == nil {
		var err error
		embedding, err = uc.embedder.Embed(ctx, query.Text)
		if err != nil {
			log.Warn().Err(err).Str("query", query.ID).Msg("history embedding failed, skipping history")
			return nil
		}
		intent.Embedding = embedding
	}
	history, err := uc.conversations.RelevantHistory(ctx, query.UserID, embedding, uc.maxHistory)
	if err != nil {
		log.Warn().Err(err).Str("user", query.UserID).Msg("history lookup failed, skipping history")
		return nil
	}
	return history
}

// generate calls the model, using the chart mode for statistical intents
// that asked for one. Chart failure degrades to a text-only answer.
func (uc *AskUseCase) generate(ctx context.Context, intent *entities.Intent, stat *entities.StatResult, assembled *entities.AssembledContext) (string, []entities.ChartArtifact, error) {
	if intent.WantChart && stat != nil && len(stat.Table) > 0 {
		text, charts, err := uc.llm.GenerateWithChart(ctx, assembled, stat.Table)
		if err == nil {
			return text, charts, nil
		}
		log.Warn().Err(err).Msg("chart generation failed, answering without chart")
	}
	text, err := uc.llm.Generate(ctx, assembled)
	return text, nil, err
}

// recordTurn appends the exchange to the user's session, embedding the
// combined Q/A text for later relevance ranking. Failures are logged, never
// surfaced; the answer is already produced.
func (uc *AskUseCase) recordTurn(ctx context.Context, query *entities.Query, answer string) {
	embedding, err := uc.embedder.Embed(ctx, fmt.Sprintf("Q: %s\nA: %s", query.Text, answer))
	if err != nil {
		log.Warn().Err(err).Str("query", query.ID).Msg("turn embedding failed, storing without vector")
		embedding = nil
	}
	turn := entities.ConversationTurn{
		ID:        uuid.NewString(),
		UserID:    query.UserID,
		Question:  query.Text,
		Answer:    answer,
		Embedding: embedding,
		CreatedAt: query.Timestamp,
	}
	if err := uc.conversations.Append(ctx, turn); err != nil {
		log.Warn().Err(err).Str("user", query.UserID).Msg("recording turn failed")
	}
}

// citations lists the evidence the context actually carried, in order.
func citations(evidence []entities.EvidenceItem) []entities.Citation {
	out := make([]entities.Citation, len(evidence))
	for i, item := range evidence {
		out[i] = entities.Citation{
			SourceID: item.SourceID,
			RecordID: item.RecordID,
			Score:    item.Score,
			Preview:  truncateRunes(item.Content, citationPreviewLimit),
		}
	}
	return out
}

// truncateRunes caps a string at max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := 0
	for i := range s {
		if i > max {
			break
		}
		cut = i
	}
	return s[:cut]
}
