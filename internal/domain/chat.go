package domain

// ChatMessage is the provider-agnostic message shape sent to the completion
// endpoint.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
