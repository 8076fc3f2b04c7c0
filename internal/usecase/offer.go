package usecase

import (
	"fmt"
	"time"

	"continuity-agent/internal/domain"
)

// sessionPhrase maps a dominant category to the human-readable session type
// used in the continuation offer. Unmapped categories fall through to
// "conversation".
func sessionPhrase(category domain.Category) string {
	switch category {
	case domain.CategoryLearn:
		return "learning session"
	case domain.CategoryQuestion:
		return "Q&A discussion"
	case domain.CategoryDoubt:
		return "troubleshooting session"
	case domain.CategoryUnderstanding:
		return "explanation session"
	case domain.CategoryOther, domain.CategoryContinuationOffer, domain.CategoryContinuationResponse:
		return "conversation"
	default:
		return "conversation"
	}
}

// humanizeElapsed renders a duration as tiered relative time.
func humanizeElapsed(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	switch {
	case hours > 24:
		days := hours / 24
		return fmt.Sprintf("%d day%s ago", days, plural(days))
	case hours > 0:
		return fmt.Sprintf("%d hour%s ago", hours, plural(hours))
	case minutes > 0:
		return fmt.Sprintf("%d minute%s ago", minutes, plural(minutes))
	default:
		return "just now"
	}
}

func plural(n int) string {
	if n > 1 {
		return "s"
	}
	return ""
}

// buildOffer produces the templated reply offering to resume the prior
// thread. The text is static; no completion call is made for an offer turn.
func buildOffer(summary domain.ContextSummary, currentMessage string) string {
	return fmt.Sprintf(`I notice you had a %s with me %s about: %s

Would you like to continue where we left off, or shall I help you with your current question: %q?

Just let me know if you'd like to:
1. Continue the previous topic
2. Start fresh with your current question
3. Or I can help with both!`,
		sessionPhrase(summary.DominantCategory),
		humanizeElapsed(summary.TimeSinceLast),
		summary.Summary,
		currentMessage,
	)
}
