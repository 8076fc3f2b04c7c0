package domain

import "time"

// ContextSummary is the context analyzer's verdict on a user's prior
// conversations. Zero value means no usable context. Lives for a single
// request and is never cached.
type ContextSummary struct {
	HasContext       bool
	IsRecent         bool
	LastActivity     time.Time
	TimeSinceLast    time.Duration
	DominantCategory Category
	MessageCount     int
	// RecentExchanges holds up to the three most recent exchanges of the
	// selected thread, oldest first.
	RecentExchanges []Exchange
	Summary         string
}

// IndexMetadata travels with a document into the vector index.
type IndexMetadata struct {
	Category       Category
	ConversationID string
	UserID         string
}
