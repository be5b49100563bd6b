package usecases

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
)

func evidenceItem(id string, score float64, content string) entities.EvidenceItem {
	return entities.EvidenceItem{SourceID: "issues", RecordID: id, Score: score, Content: content}
}

func TestAssemble_TemplateFollowsIntentKind(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})
	q := &entities.Query{Text: "q"}

	semantic := a.Assemble(&entities.Intent{Kind: entities.IntentSemantic}, nil, nil, nil, q)
	stat := a.Assemble(&entities.Intent{Kind: entities.IntentStatistical}, nil, nil, nil, q)
	meta := a.Assemble(&entities.Intent{Kind: entities.IntentMetadata}, nil, nil, nil, q)
	direct := a.Assemble(&entities.Intent{Kind: entities.IntentDirectID}, nil, nil, nil, q)

	assert.Equal(t, semanticPrompt, semantic.SystemPrompt)
	assert.Contains(t, stat.SystemPrompt, "data analyst")
	// Exact-match lookups share one template.
	assert.Equal(t, meta.SystemPrompt, direct.SystemPrompt)
	assert.NotEqual(t, semantic.SystemPrompt, meta.SystemPrompt)
}

func TestAssemble_CapsEvidenceAndHistory(t *testing.T) {
	a := NewAssembler(AssemblerConfig{ContextBudget: 100000, MaxEvidence: 2, MaxHistory: 1})

	evidence := []entities.EvidenceItem{
		evidenceItem("1", 0.9, "a"), evidenceItem("2", 0.8, "b"), evidenceItem("3", 0.7, "c"),
	}
	history := []entities.ConversationTurn{
		{Question: "q1", Answer: "a1"}, {Question: "q2", Answer: "a2"},
	}

	out := a.Assemble(&entities.Intent{Kind: entities.IntentSemantic}, evidence, nil, history, &entities.Query{Text: "q"})
	assert.Len(t, out.Evidence, 2)
	assert.Len(t, out.History, 1)
}

func TestAssemble_BudgetPrefersEvidence(t *testing.T) {
	// Budget fits the prompt, the question and one evidence item, but not
	// the history turn on top.
	item := evidenceItem("1", 0.9, strings.Repeat("e", 100))
	turn := entities.ConversationTurn{Question: strings.Repeat("h", 100), Answer: strings.Repeat("h", 100)}
	budget := len(semanticPrompt) + 1 + len(item.Render()) + 50

	a := NewAssembler(AssemblerConfig{ContextBudget: budget, MaxEvidence: 10, MaxHistory: 10})
	out := a.Assemble(&entities.Intent{Kind: entities.IntentSemantic},
		[]entities.EvidenceItem{item}, nil,
		[]entities.ConversationTurn{turn}, &entities.Query{Text: "q"})

	assert.Len(t, out.Evidence, 1)
	assert.Empty(t, out.History)
}

func TestAssemble_BudgetTruncatesByScoreOrder(t *testing.T) {
	big := evidenceItem("1", 0.9, strings.Repeat("x", 60))
	alsoBig := evidenceItem("2", 0.8, strings.Repeat("y", 60))
	budget := len(semanticPrompt) + 1 + len(big.Render()) + 10

	a := NewAssembler(AssemblerConfig{ContextBudget: budget, MaxEvidence: 10, MaxHistory: 10})
	out := a.Assemble(&entities.Intent{Kind: entities.IntentSemantic},
		[]entities.EvidenceItem{big, alsoBig}, nil, nil, &entities.Query{Text: "q"})

	require.Len(t, out.Evidence, 1)
	assert.Equal(t, "1", out.Evidence[0].RecordID)
}

func TestAssemble_StatResultInlined(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})
	stat := &entities.StatResult{Aggregation: entities.AggAvg, Scalar: 20, MatchedCount: 2}

	out := a.Assemble(&entities.Intent{Kind: entities.IntentStatistical}, nil, stat, nil, &entities.Query{Text: "q"})
	assert.Contains(t, out.SystemPrompt, "avg")
	assert.Contains(t, out.SystemPrompt, "20")
}

func TestRender(t *testing.T) {
	c := &entities.AssembledContext{
		SystemPrompt: "prompt",
		Evidence:     []entities.EvidenceItem{evidenceItem("1", 0.9, "the content")},
		History:      []entities.ConversationTurn{{Question: "earlier q", Answer: "earlier a"}},
		Question:     "the question",
	}
	rendered := c.Prompt()

	assert.Contains(t, rendered, "prompt")
	assert.Contains(t, rendered, "[issues:1]")
	assert.Contains(t, rendered, "the content")
	assert.Contains(t, rendered, "Q: earlier q")
	assert.Contains(t, rendered, "Question: the question")
	assert.True(t, strings.HasSuffix(rendered, "Answer:"))
}

func TestRenderStat_Empty(t *testing.T) {
	out := RenderStat(&entities.StatResult{Empty: true})
	assert.Contains(t, out, "no matching records")
}

func TestRenderStat_Groups(t *testing.T) {
	out := RenderStat(&entities.StatResult{
		Aggregation:  entities.AggGroupBy,
		MatchedCount: 4,
		Groups:       []entities.Group{{Key: "high", Value: 2}, {Key: "low", Value: 2}},
	})
	assert.Contains(t, out, "high: 2")
	assert.Contains(t, out, "low: 2")
}
