package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is immutable once stored. A streamed assistant reply is stored
// once, after the stream finishes.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type ArchivedMessage struct {
	Message
	ArchivedAt time.Time `json:"archived_at"`
}

type KnowledgeConfig struct {
	MaxDocuments        int     `json:"max_documents"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	MaxContextLength    int     `json:"max_context_length"`
}

// Source cites a document that grounded an answer.
type Source struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
}

// TurnRecord is the audit row written after every agent turn.
type TurnRecord struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Query        string    `json:"query"`
	Mode         string    `json:"mode"`
	Intent       string    `json:"intent,omitempty"`
	RefinedQuery string    `json:"refined_query,omitempty"`
	State        string    `json:"state"`
	Sources      []Source  `json:"sources,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}
