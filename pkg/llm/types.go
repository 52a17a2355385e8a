package llm

// Chat message roles on the upstream wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one entry in an upstream conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one upstream completion call. Reasoning asks the gateway
// to include the model's reasoning trace in the response.
type Request struct {
	Model     string
	Messages  []ChatMessage
	MaxTokens int
	Reasoning bool
}

// Usage is the token accounting reported by the gateway, when available.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// Result is a complete (non-streaming) upstream response.
type Result struct {
	Content   string
	Reasoning string
	Usage     *Usage
}

// StreamEvent is one increment of a streaming response. Exactly one of
// Delta/Reasoning is set for content events; Done closes the stream with
// optional Usage; Err aborts it.
type StreamEvent struct {
	Delta     string
	Reasoning string
	Done      bool
	Usage     *Usage
	Err       error
}

// Wire types for the OpenAI-compatible chat completions endpoint.

type chatRequest struct {
	Model            string         `json:"model"`
	Messages         []ChatMessage  `json:"messages"`
	MaxTokens        int            `json:"max_tokens,omitempty"`
	IncludeReasoning bool           `json:"include_reasoning,omitempty"`
	Stream           bool           `json:"stream,omitempty"`
	StreamOptions    *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content,omitempty"`
			Reasoning string `json:"reasoning,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
