package usecase

import (
	"fmt"
	"strings"
)

const defaultMemoryPairs = 7

type exchangePair struct {
	query string
	reply string
}

// ConversationMemory is a fixed-capacity ordered buffer of request/response
// pairs. Adding a pair past capacity evicts the oldest one.
type ConversationMemory struct {
	capacity   int
	pairs      []exchangePair
	queryCount int
}

func NewConversationMemory(capacity int) *ConversationMemory {
	if capacity <= 0 {
		capacity = defaultMemoryPairs
	}
	return &ConversationMemory{capacity: capacity}
}

func (m *ConversationMemory) AddTurn(query, reply string) {
	m.queryCount++
	m.pairs = append(m.pairs, exchangePair{query: query, reply: reply})
	if len(m.pairs) > m.capacity {
		m.pairs = m.pairs[1:]
	}
}

func (m *ConversationMemory) Len() int {
	return len(m.pairs)
}

// Render formats the retained pairs as the numbered history block consumed
// by the prompt composer. Numbering keeps the absolute query position so
// the model sees where evicted turns used to be.
func (m *ConversationMemory) Render() string {
	if len(m.pairs) == 0 {
		return "No history found for the user, as they just started their conversation."
	}
	var b strings.Builder
	first := m.queryCount - len(m.pairs) + 1
	for i, p := range m.pairs {
		n := first + i
		fmt.Fprintf(&b, "User (query %d): %s\nAssistant (reply %d): %s\n\n", n, p.query, n, p.reply)
	}
	return strings.TrimSpace(b.String())
}
