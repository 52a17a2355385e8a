package models

// Stage identifies which phase of the three-stage protocol a job is in.
type Stage string

const (
	StageNone Stage = ""
	Stage1    Stage = "stage1"
	Stage2    Stage = "stage2"
	Stage3    Stage = "stage3"
)

// EventType discriminates the events emitted by the orchestrator and
// broadcast to stream subscribers.
type EventType string

const (
	EventStage1Start          EventType = "stage1_start"
	EventStage1Chunk          EventType = "stage1_chunk"
	EventStage1ModelComplete  EventType = "stage1_model_complete"
	EventStage1Response       EventType = "stage1_response"
	EventStage1Complete       EventType = "stage1_complete"
	EventStage2Start          EventType = "stage2_start"
	EventStage2Chunk          EventType = "stage2_chunk"
	EventStage2ModelComplete  EventType = "stage2_model_complete"
	EventStage2Response       EventType = "stage2_response"
	EventStage2Complete       EventType = "stage2_complete"
	EventStage3Start          EventType = "stage3_start"
	EventStage3ReasoningChunk EventType = "stage3_reasoning_chunk"
	EventStage3Chunk          EventType = "stage3_chunk"
	EventStage3Response       EventType = "stage3_response"
	EventTitleComplete        EventType = "title_complete"
	EventHeartbeat            EventType = "heartbeat"
	EventComplete             EventType = "complete"
	EventError                EventType = "error"
	EventReconnected          EventType = "reconnected"
)

// Event is the tagged union streamed to subscribers. Only the fields
// relevant to the Type are populated; everything else is omitted from the
// JSON encoding.
//
// heartbeat events are broadcast but never recorded into the registry.
type Event struct {
	Type EventType `json:"type"`

	// stage1_chunk / stage2_chunk / *_model_complete
	Model string `json:"model,omitempty"`
	// *_chunk events
	Delta string `json:"delta,omitempty"`
	// *_model_complete events
	ResponseMs       int64 `json:"response_ms,omitempty"`
	PromptTokens     *int  `json:"prompt_tokens,omitempty"`
	CompletionTokens *int  `json:"completion_tokens,omitempty"`

	// stage1_response
	Answer *Stage1Answer `json:"answer,omitempty"`
	// stage2_response
	Review *Stage2Review `json:"review,omitempty"`
	// stage3_response
	Synthesis *Stage3Synthesis `json:"synthesis,omitempty"`

	// stage2_complete
	LabelToModel map[string]string  `json:"label_to_model,omitempty"`
	Aggregate    []AggregateRanking `json:"aggregate,omitempty"`

	// title_complete
	Title string `json:"title,omitempty"`

	// heartbeat (unix milliseconds)
	Ts int64 `json:"ts,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// reconnected marker sent at the end of a replay
	Stage       Stage  `json:"stage,omitempty"`
	UserMessage string `json:"user_message,omitempty"`
}

// Terminal reports whether the event ends the job's stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}
