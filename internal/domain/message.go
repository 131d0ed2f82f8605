package domain

import "time"

// MessageRole represents the sender of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Source is one citation backing an assistant answer.
type Source struct {
	FileName string `json:"file_name"`
	Key      string `json:"key,omitempty"`
	URL      string `json:"url,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
}

// Message is one transcript entry. Rating and Comment are the only fields
// mutable after creation, and only on assistant messages.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Sources   []Source    `json:"sources,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	Rating    *int        `json:"rating,omitempty"`
	Comment   string      `json:"comment,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HistorySummary is one past conversation as listed in the history panel.
type HistorySummary struct {
	SessionID     string    `json:"session_id"`
	FirstQuestion string    `json:"first_question"`
	MessageID     string    `json:"message_id"`
	MessageCount  int       `json:"message_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// HistoryDetail is the full transcript of one stored conversation, plus the
// collection selection recorded with its first user message so the UI can
// restore it on resume.
type HistoryDetail struct {
	SessionID            string    `json:"session_id"`
	Messages             []Message `json:"messages"`
	Sources              []Source  `json:"sources,omitempty"`
	SelectedPaths        []string  `json:"selected_paths,omitempty"`
	SelectedGenerationID string    `json:"selected_generation_id,omitempty"`
}

// HistorySearchResult is one conversation matched by a history text search.
type HistorySearchResult struct {
	SessionID      string    `json:"session_id"`
	FirstQuestion  string    `json:"first_question"`
	MessageID      string    `json:"message_id"`
	MatchedContent string    `json:"matched_content,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
