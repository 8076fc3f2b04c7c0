package domain

import "time"

// Category is the closed set of classification labels attached to exchanges.
type Category string

const (
	CategoryQuestion      Category = "question"
	CategoryDoubt         Category = "doubt"
	CategoryLearn         Category = "learn"
	CategoryUnderstanding Category = "understanding"
	CategoryOther         Category = "other"

	// Injected by the turn orchestrator, never produced by the classifier.
	CategoryContinuationOffer    Category = "continuation_offer"
	CategoryContinuationResponse Category = "continuation_response"
)

// Exchange is one user message paired with the reply it received.
// Immutable once persisted.
type Exchange struct {
	PK             string
	SK             string
	ID             string
	ConversationID string
	UserID         string
	Message        string
	Reply          string
	Category       Category
	CreatedAt      time.Time
	TTL            int64
}
