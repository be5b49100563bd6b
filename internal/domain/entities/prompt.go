package entities

import (
	"fmt"
	"strings"
)

// Render formats one evidence item for inclusion in a prompt.
func (i EvidenceItem) Render() string {
	if i.Unscored {
		return fmt.Sprintf("[%s:%s]\n%s\n", i.SourceID, i.RecordID, i.Content)
	}
	return fmt.Sprintf("[%s:%s] (relevance %.2f)\n%s\n", i.SourceID, i.RecordID, i.Score, i.Content)
}

// Prompt flattens the assembled context to the shape generation
// collaborators expect.
func (c *AssembledContext) Prompt() string {
	var sb strings.Builder
	sb.WriteString(c.SystemPrompt)
	if len(c.Evidence) > 0 {
		sb.WriteString("\n\nEvidence:\n")
		for _, item := range c.Evidence {
			sb.WriteString(item.Render())
		}
	}
	if len(c.History) > 0 {
		sb.WriteString("\nPrior conversation:\n")
		for _, turn := range c.History {
			fmt.Fprintf(&sb, "Q: %s\nA: %s\n", turn.Question, turn.Answer)
		}
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(c.Question)
	sb.WriteString("\n\nAnswer:")
	return sb.String()
}
