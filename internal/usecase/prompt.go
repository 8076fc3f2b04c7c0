package usecase

import (
	"fmt"
	"strings"

	"continuity-agent/internal/domain"
)

const assistantRole = "You are a helpful assistant for a developer. Keep answers concise and actionable."

const resumeRole = assistantRole + " Continue from where the previous conversation left off."

var assistantRules = []string{
	"Be on-point and conversational; expand only when the user asks for detail.",
	"Use the conversation history and any provided context when answering.",
	"Admit plainly when a question cannot be answered accurately.",
	"Avoid repeating information the user has already received.",
}

// promptTemplate is the single configurable base-prompt engine: role text,
// numbered behavior rules, and optional knowledge-base material.
type promptTemplate struct {
	Role          string
	Rules         []string
	KnowledgeBase string
}

func (t promptTemplate) Render() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(t.Role))
	if len(t.Rules) > 0 {
		b.WriteString("\n\nRules:\n")
		for i, r := range t.Rules {
			fmt.Fprintf(&b, "%d) %s\n", i+1, r)
		}
	}
	if kb := strings.TrimSpace(t.KnowledgeBase); kb != "" {
		b.WriteString("\nKnowledge base:\n")
		b.WriteString(kb)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// composePrompt merges the base system prompt with prior-conversation
// context. With no context the base prompt passes through unchanged. Full
// context renders the recent exchanges verbatim; compressed context renders
// only the one-line summary. Mode selection belongs to the orchestrator.
func composePrompt(currentMessage, historyText string, summary *domain.ContextSummary, base string, includeFullContext bool) string {
	if summary == nil || !summary.HasContext {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nIMPORTANT: This user has previous conversation history with you.")

	if historyText != "" {
		b.WriteString("\n\nConversation history:\n")
		b.WriteString(strings.TrimSpace(historyText))
	}

	if includeFullContext && len(summary.RecentExchanges) > 0 {
		b.WriteString("\n\nPrevious conversation context:\n")
		for _, ex := range summary.RecentExchanges {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n\n", ex.Message, ex.Reply)
		}
	} else {
		fmt.Fprintf(&b, "\n\nPrevious conversation summary: %s", summary.Summary)
	}

	fmt.Fprintf(&b, "\n\nConsider this context when responding, but focus primarily on the current message: %q.", currentMessage)
	b.WriteString("\nIf relevant, reference previous discussions to provide better continuity and personalized assistance.")
	return b.String()
}
