package classify

import (
	"regexp"
	"strings"

	"continuity-agent/internal/domain"
)

// Intent is the continuation-intent detector's verdict on a short reply.
type Intent string

const (
	IntentContinue Intent = "continue"
	IntentFresh    Intent = "fresh"
	IntentNone     Intent = "none"
)

// Messages longer than this are substantive new queries, never replies to a
// continuation offer.
const maxIntentTokens = 10

type rule struct {
	category domain.Category
	pattern  *regexp.Regexp
}

// rules run in order and the first match wins. Specific categories come
// before generic ones so that "I'm not sure why this fails" lands on doubt
// rather than question.
var rules = []rule{
	{domain.CategoryDoubt, regexp.MustCompile(`(?i)(not sure|don'?t (know|understand)|confus|unclear|stuck)`)},
	{domain.CategoryLearn, regexp.MustCompile(`(?i)(teach me|explain|guide me|learn|tutorial|how to)`)},
	{domain.CategoryUnderstanding, regexp.MustCompile(`(?i)(so you mean|if i understand|let me recap|in other words)`)},
	{domain.CategoryQuestion, regexp.MustCompile(`(?i)\?\s*$|^(what|how|why|when|where|which|who)\b`)},
}

// Classify maps free text to one category. Deterministic, never fails;
// empty or whitespace-only input classifies as other.
func Classify(text string) domain.Category {
	t := strings.TrimSpace(text)
	if t == "" {
		return domain.CategoryOther
	}
	for _, r := range rules {
		if r.pattern.MatchString(t) {
			return r.category
		}
	}
	return domain.CategoryOther
}

var continuationCues = []string{
	"continue", "previous", "yes", "1", "first",
	"keep going", "where we left", "last time",
}

var freshStartCues = []string{
	"fresh", "new", "current", "2", "second", "start over",
}

// DetectIntent decides whether a short reply asks to continue the previous
// conversation or to start fresh. Matching is case-insensitive substring
// membership; continuation cues win when both lists match, since losing
// context is the costlier mistake.
func DetectIntent(text string) Intent {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" || len(strings.Fields(t)) > maxIntentTokens {
		return IntentNone
	}
	for _, cue := range continuationCues {
		if strings.Contains(t, cue) {
			return IntentContinue
		}
	}
	for _, cue := range freshStartCues {
		if strings.Contains(t, cue) {
			return IntentFresh
		}
	}
	return IntentNone
}
