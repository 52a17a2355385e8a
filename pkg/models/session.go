package models

import "time"

// Message roles. A council session's message list alternates user and
// assistant entries; the assistant entry carries the full three-stage record.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Stage1Answer is one participant model's individual answer.
// ResponseMs of 0 means the duration is unknown because the job was
// cancelled while the model was still streaming.
type Stage1Answer struct {
	Model            string `json:"model"`
	Response         string `json:"response"`
	ResponseMs       int64  `json:"response_ms"`
	PromptTokens     *int   `json:"prompt_tokens,omitempty"`
	CompletionTokens *int   `json:"completion_tokens,omitempty"`
}

// Stage2Review is one evaluator model's ranking of the anonymized answers.
// ParsedRanking is the label extraction of Ranking computed at record time.
type Stage2Review struct {
	Model            string   `json:"model"`
	Ranking          string   `json:"ranking"`
	ParsedRanking    []string `json:"parsed_ranking"`
	ResponseMs       int64    `json:"response_ms"`
	PromptTokens     *int     `json:"prompt_tokens,omitempty"`
	CompletionTokens *int     `json:"completion_tokens,omitempty"`
}

// Stage3Synthesis is the chairman model's final synthesized answer.
type Stage3Synthesis struct {
	Model            string `json:"model"`
	Response         string `json:"response"`
	Reasoning        string `json:"reasoning,omitempty"`
	ResponseMs       int64  `json:"response_ms"`
	PromptTokens     *int   `json:"prompt_tokens,omitempty"`
	CompletionTokens *int   `json:"completion_tokens,omitempty"`
	ReasoningTokens  *int   `json:"reasoning_tokens,omitempty"`
}

// AggregateRanking is one model's averaged peer-ranking position.
// AveragePosition is 1-based and rounded to two decimals; Rankings is the
// number of evaluators that mentioned the model at all.
type AggregateRanking struct {
	Model           string  `json:"model"`
	AveragePosition float64 `json:"average_position"`
	Rankings        int     `json:"rankings"`
}

// Message is one entry in a session's conversation. User messages carry
// Content only; assistant messages carry the per-stage results.
//
// Invariants for persisted assistant messages: Stage1 is never empty;
// Stage2 absent means the job was cancelled before stage 2 started;
// Stage3 absent means it was cancelled before stage 3 completed.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Assistant-only fields.
	Stage1     []Stage1Answer   `json:"stage1,omitempty"`
	Stage2     []Stage2Review   `json:"stage2,omitempty"`
	Stage3     *Stage3Synthesis `json:"stage3,omitempty"`
	Mode       Mode             `json:"mode,omitempty"`
	WasAborted bool             `json:"was_aborted,omitempty"`
}

// CouncilSession is one user's deliberation session, keyed
// (UserID, SessionID). SessionID is a UUID v4.
type CouncilSession struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionSummary is the list-view projection of a session (no messages).
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
