package domain

import "time"

// Conversation is the persistence envelope for one thread. ThreadID is
// immutable once created; saves merge onto the stored state, they never
// replace it.
type Conversation struct {
	ThreadID  string      `json:"thread_id"`
	UserID    string      `json:"user_id"`
	Title     string      `json:"title"`
	Tags      []string    `json:"tags,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	State     *AgentState `json:"state"`
}

// ConversationSummary is the listing row: envelope metadata without the
// full state payload.
type ConversationSummary struct {
	ThreadID     string    `json:"thread_id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	Tags         []string  `json:"tags,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
