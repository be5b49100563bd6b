package usecases

import (
	"fmt"
	"strings"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
)

// AssemblerConfig bounds the generation context.
type AssemblerConfig struct {
	ContextBudget int // total budget in characters
	MaxEvidence   int
	MaxHistory    int
}

// Assembler merges evidence, relevant history and a prompt template into a
// bounded generation context. It is pure data transformation; no I/O.
type Assembler struct {
	cfg AssemblerConfig
}

// NewAssembler creates a context assembler.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 8000
	}
	if cfg.MaxEvidence <= 0 {
		cfg.MaxEvidence = 15
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 3
	}
	return &Assembler{cfg: cfg}
}

const (
	semanticPrompt = "You are a knowledge assistant. Answer the question using the retrieved evidence below. " +
		"Cite evidence as [source:record]. If the evidence does not cover the question, say so."
	statisticalPrompt = "You are a data analyst. Present the computed statistics below clearly and " +
		"answer the question from them. Do not invent numbers."
	lookupPrompt = "You are a knowledge assistant. The records below were matched exactly. " +
		"Answer the question from them."
)

// promptFor selects the template purely by intent kind. Metadata and
// direct-id lookups share the exact-match template.
func promptFor(kind entities.IntentKind) string {
	switch kind {
	case entities.IntentStatistical:
		return statisticalPrompt
	case entities.IntentMetadata, entities.IntentDirectID:
		return lookupPrompt
	default:
		return semanticPrompt
	}
}

// Assemble builds the bounded context. Evidence is admitted in score order
// and history in relevance order; under budget pressure evidence wins,
// history gets only what is left.
func (a *Assembler) Assemble(intent *entities.Intent, evidence []entities.EvidenceItem, stat *entities.StatResult, history []entities.ConversationTurn, query *entities.Query) *entities.AssembledContext {
	out := &entities.AssembledContext{
		SystemPrompt: promptFor(intent.Kind),
		Question:     query.Text,
	}

	remaining := a.cfg.ContextBudget - len(out.SystemPrompt) - len(out.Question)

	if stat != nil {
		rendered := RenderStat(stat)
		out.SystemPrompt += "\n\n" + rendered
		remaining -= len(rendered) + 2
	}

	if len(evidence) > a.cfg.MaxEvidence {
		evidence = evidence[:a.cfg.MaxEvidence]
	}
	for _, item := range evidence {
		cost := len(item.Render())
		if cost > remaining {
			break
		}
		out.Evidence = append(out.Evidence, item)
		remaining -= cost
	}

	if len(history) > a.cfg.MaxHistory {
		history = history[:a.cfg.MaxHistory]
	}
	for _, turn := range history {
		cost := len(turn.Question) + len(turn.Answer)
		if cost > remaining {
			break
		}
		out.History = append(out.History, turn)
		remaining -= cost
	}

	return out
}

// RenderStat flattens a statistics result for the prompt.
func RenderStat(stat *entities.StatResult) string {
	if stat.Empty {
		return "Computed statistics: no matching records."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Computed statistics (%s over %d matched records):\n", stat.Aggregation, stat.MatchedCount)
	if len(stat.Groups) > 0 {
		for _, g := range stat.Groups {
			fmt.Fprintf(&sb, "  %s: %g\n", g.Key, g.Value)
		}
	} else {
		fmt.Fprintf(&sb, "  %g\n", stat.Scalar)
	}
	return strings.TrimRight(sb.String(), "\n")
}
