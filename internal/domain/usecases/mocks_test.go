package usecases

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
)

// Hand-rolled mocks implementing the ports this package depends on.

type mockRegistry struct {
	sources []entities.DataSource
}

func (m *mockRegistry) Sources() []entities.DataSource {
	out := make([]entities.DataSource, len(m.sources))
	copy(out, m.sources)
	return out
}

func (m *mockRegistry) Source(id string) (entities.DataSource, bool) {
	for _, s := range m.sources {
		if s.ID == id {
			return s, true
		}
	}
	return entities.DataSource{}, false
}

// testRegistry builds the two-source catalog most tests share.
func testRegistry() *mockRegistry {
	return &mockRegistry{sources: []entities.DataSource{
		{
			ID:        "issues",
			Keywords:  []string{"bug", "issue", "crash", "ticket"},
			IDPattern: regexp.MustCompile(`(?i)issue #(\d+)`),
			Schema: map[string]entities.FieldType{
				"status":           entities.FieldString,
				"severity":         entities.FieldString,
				"owner":            entities.FieldString,
				"resolution_hours": entities.FieldNumber,
				"created":          entities.FieldTime,
			},
			Collection: "issues",
			Embedding:  []float32{1, 0},
		},
		{
			ID:         "wiki",
			Keywords:   []string{"docs", "guide", "documentation", "howto"},
			Collection: "wiki",
			Embedding:  []float32{0, 1},
		},
	}}
}

type mockEmbedder struct {
	vectors     map[string][]float32 // exact text -> vector
	fallbackVec []float32
	err         error
	calls       int
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	if m.fallbackVec != nil {
		return m.fallbackVec, nil
	}
	return []float32{1, 0}, nil
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type mockVectorStore struct {
	search  map[string][]entities.ScoredRecord // collection -> results
	records map[string]map[string]entities.Record
	scans   map[string][]entities.Record
	fail    map[string]error
	delay   map[string]time.Duration
}

func newMockVectorStore() *mockVectorStore {
	return &mockVectorStore{
		search:  map[string][]entities.ScoredRecord{},
		records: map[string]map[string]entities.Record{},
		scans:   map[string][]entities.Record{},
		fail:    map[string]error{},
		delay:   map[string]time.Duration{},
	}
}

func (m *mockVectorStore) wait(ctx context.Context, collection string) error {
	if err := m.fail[collection]; err != nil {
		return err
	}
	if d := m.delay[collection]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *mockVectorStore) Search(ctx context.Context, collection string, embedding []float32, topK int) ([]entities.ScoredRecord, error) {
	if err := m.wait(ctx, collection); err != nil {
		return nil, err
	}
	results := m.search[collection]
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *mockVectorStore) Get(ctx context.Context, collection, recordID string) (*entities.Record, error) {
	if err := m.wait(ctx, collection); err != nil {
		return nil, err
	}
	r, ok := m.records[collection][recordID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *mockVectorStore) FindByMetadata(ctx context.Context, collection, field, value string, limit int) ([]entities.Record, error) {
	if err := m.wait(ctx, collection); err != nil {
		return nil, err
	}
	var out []entities.Record
	for _, r := range m.scans[collection] {
		if r.Metadata[field] == value {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockVectorStore) Scan(ctx context.Context, collection string) ([]entities.Record, error) {
	if err := m.wait(ctx, collection); err != nil {
		return nil, err
	}
	return m.scans[collection], nil
}

func (m *mockVectorStore) Upsert(ctx context.Context, collection string, records []entities.Record, embeddings [][]float32) error {
	return errors.New("not used in tests")
}

type mockLLM struct {
	response   string
	charts     []entities.ChartArtifact
	chartErr   error
	err        error
	lastPrompt *entities.AssembledContext
	chartCalls int
}

func (m *mockLLM) Generate(ctx context.Context, assembled *entities.AssembledContext) (string, error) {
	m.lastPrompt = assembled
	if m.err != nil {
		return "", m.err
	}
	if m.response == "" {
		return "mocked answer", nil
	}
	return m.response, nil
}

func (m *mockLLM) GenerateWithChart(ctx context.Context, assembled *entities.AssembledContext, table []entities.Row) (string, []entities.ChartArtifact, error) {
	m.chartCalls++
	m.lastPrompt = assembled
	if m.chartErr != nil {
		return "", nil, m.chartErr
	}
	return m.response, m.charts, nil
}

type mockConversations struct {
	appended []entities.ConversationTurn
	history  []entities.ConversationTurn
	err      error
}

func (m *mockConversations) Append(ctx context.Context, turn entities.ConversationTurn) error {
	if m.err != nil {
		return m.err
	}
	m.appended = append(m.appended, turn)
	return nil
}

func (m *mockConversations) Session(ctx context.Context, userID string) ([]entities.ConversationTurn, error) {
	return m.appended, nil
}

func (m *mockConversations) RelevantHistory(ctx context.Context, userID string, queryEmbedding []float32, maxTurns int) ([]entities.ConversationTurn, error) {
	if m.err != nil {
		return nil, m.err
	}
	if len(m.history) > maxTurns {
		return m.history[:maxTurns], nil
	}
	return m.history, nil
}

func (m *mockConversations) Reset(ctx context.Context, userID string) error  { return nil }
func (m *mockConversations) Delete(ctx context.Context, userID string) error { return nil }

func (m *mockConversations) ListUsers(ctx context.Context) ([]entities.UserSummary, error) {
	return nil, nil
}
