package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"continuity-agent/internal/domain"
)

const (
	defaultRecencyThreshold = 24 * time.Hour
	// Threads with fewer exchanges are not significant enough to justify a
	// continuation offer.
	minThreadExchanges = 2
	maxRecentExchanges = 3
	summaryWindowEdge  = 3

	summaryFallback = "previous conversation topics"
)

// Summarizer condenses a formatted conversation transcript into one or two
// sentences. Best-effort: the analyzer masks failures with a fixed phrase.
type Summarizer func(ctx context.Context, conversationText string) (string, error)

// ContextAnalyzer turns a flat exchange history into a ContextSummary.
type ContextAnalyzer struct {
	summarize        Summarizer
	recencyThreshold time.Duration
	now              func() time.Time
}

func NewContextAnalyzer(summarize Summarizer, recencyThreshold time.Duration, now func() time.Time) *ContextAnalyzer {
	if recencyThreshold <= 0 {
		recencyThreshold = defaultRecencyThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &ContextAnalyzer{summarize: summarize, recencyThreshold: recencyThreshold, now: now}
}

// conversationThread groups the exchanges sharing a conversation id.
// Derived at analysis time, never persisted.
type conversationThread struct {
	id           string
	exchanges    []domain.Exchange // ordered by creation time
	lastActivity time.Time
}

// Analyze groups history into threads, picks the most recently active
// significant one, and produces its summary. Returns the zero summary when
// nothing qualifies.
func (a *ContextAnalyzer) Analyze(ctx context.Context, history []domain.Exchange) domain.ContextSummary {
	if len(history) == 0 {
		return domain.ContextSummary{}
	}

	var selected *conversationThread
	for _, th := range groupThreads(history) {
		if len(th.exchanges) < minThreadExchanges {
			continue
		}
		if selected == nil || th.lastActivity.After(selected.lastActivity) {
			selected = th
		}
	}
	if selected == nil {
		return domain.ContextSummary{}
	}

	since := a.now().Sub(selected.lastActivity)
	recent := selected.exchanges
	if len(recent) > maxRecentExchanges {
		recent = recent[len(recent)-maxRecentExchanges:]
	}

	return domain.ContextSummary{
		HasContext:       true,
		IsRecent:         since <= a.recencyThreshold,
		LastActivity:     selected.lastActivity,
		TimeSinceLast:    since,
		DominantCategory: dominantCategory(selected.exchanges),
		MessageCount:     len(selected.exchanges),
		RecentExchanges:  recent,
		Summary:          a.summarizeThread(ctx, selected.exchanges),
	}
}

func groupThreads(history []domain.Exchange) []*conversationThread {
	byID := make(map[string]*conversationThread)
	var ordered []*conversationThread
	for _, ex := range history {
		th, ok := byID[ex.ConversationID]
		if !ok {
			th = &conversationThread{id: ex.ConversationID}
			byID[ex.ConversationID] = th
			ordered = append(ordered, th)
		}
		th.exchanges = append(th.exchanges, ex)
		if ex.CreatedAt.After(th.lastActivity) {
			th.lastActivity = ex.CreatedAt
		}
	}
	for _, th := range ordered {
		sort.SliceStable(th.exchanges, func(i, j int) bool {
			return th.exchanges[i].CreatedAt.Before(th.exchanges[j].CreatedAt)
		})
	}
	return ordered
}

// dominantCategory returns the most frequent category in the thread, ties
// broken by first-encountered order.
func dominantCategory(exchanges []domain.Exchange) domain.Category {
	counts := make(map[domain.Category]int)
	var order []domain.Category
	for _, ex := range exchanges {
		if _, seen := counts[ex.Category]; !seen {
			order = append(order, ex.Category)
		}
		counts[ex.Category]++
	}
	best := order[0]
	for _, c := range order[1:] {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

// summarizeThread asks the summarization collaborator for a topic summary
// over a bounded window: the first and last three exchanges, or the whole
// thread when it fits. Failures degrade to a generic phrase; a retry is not
// worth the latency for a non-critical enrichment.
func (a *ContextAnalyzer) summarizeThread(ctx context.Context, exchanges []domain.Exchange) string {
	window := exchanges
	if len(exchanges) > 2*summaryWindowEdge {
		window = make([]domain.Exchange, 0, 2*summaryWindowEdge)
		window = append(window, exchanges[:summaryWindowEdge]...)
		window = append(window, exchanges[len(exchanges)-summaryWindowEdge:]...)
	}

	var b strings.Builder
	for _, ex := range window {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n\n", ex.Message, ex.Reply)
	}

	if a.summarize == nil {
		return summaryFallback
	}
	summary, err := a.summarize(ctx, b.String())
	if err != nil || strings.TrimSpace(summary) == "" {
		return summaryFallback
	}
	return strings.TrimSpace(summary)
}
