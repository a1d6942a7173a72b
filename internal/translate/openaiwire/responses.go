package openaiwire

import "encoding/json"

// ResponsesRequest is the public responses API request. Input and tool
// fields stay raw: the OpenAI-compatible upstreams take them verbatim and
// the Gemini adapter walks them structurally.
type ResponsesRequest struct {
	Model        string          `json:"model,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Instructions string          `json:"instructions,omitempty"`

	Stream          bool     `json:"stream,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`

	Tools      json.RawMessage `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Response statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusIncomplete = "incomplete"
	StatusFailed     = "failed"
)

// Response is the responses API response object.
type Response struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"`
	CreatedAt int64           `json:"created_at"`
	Status    string          `json:"status"`
	Model     string          `json:"model,omitempty"`
	Output    []OutputItem    `json:"output"`
	Usage     *ResponsesUsage `json:"usage,omitempty"`
	Error     *ResponseError  `json:"error,omitempty"`
}

// OutputItem is a message or a function_call in the output list.
type OutputItem struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`

	// message fields
	Role    string          `json:"role,omitempty"`
	Content []OutputContent `json:"content,omitempty"`

	// function_call fields
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// OutputContent is one content block of a message output item.
type OutputContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ResponsesUsage is the responses-API token accounting block.
type ResponsesUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// ResponseError is the embedded error of a failed response.
type ResponseError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Stream event names used by the gateway; upstreams may emit more, which
// pass through untouched.
const (
	EventResponseCreated    = "response.created"
	EventResponseCompleted  = "response.completed"
	EventResponseIncomplete = "response.incomplete"
	EventResponseFailed     = "response.failed"
	EventOutputTextDelta    = "response.output_text.delta"
	EventError              = "error"
)

// StreamEvent is the subset of the responses stream union the gateway emits
// and inspects. Type matches the SSE event name.
type StreamEvent struct {
	Type           string    `json:"type"`
	SequenceNumber int64     `json:"sequence_number,omitempty"`
	Response       *Response `json:"response,omitempty"`

	ItemID       string `json:"item_id,omitempty"`
	OutputIndex  int    `json:"output_index,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`
	Delta        string `json:"delta,omitempty"`
}

// IsTerminalEvent reports whether name ends a response stream.
func IsTerminalEvent(name string) bool {
	switch name {
	case EventResponseCompleted, EventResponseIncomplete, EventResponseFailed, EventError:
		return true
	}
	return false
}
