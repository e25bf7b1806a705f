package responses

// --- OpenAI Responses API wire types ---
//
// Differences from the canonical chat shape:
// - Conversation turns are "input items"; assistant turns come back as
//   "output items" (message, function_call, reasoning)
// - Tool definitions are flat (no "function" nesting)
// - Tool results are "function_call_output" items correlated by call_id
// - A tool round-trip surfaces as status "requires_action" +
//   required_action.submit_tool_outputs, answered via submit_tool_outputs

// Request is the Responses API request format. Input accepts either a plain
// string or an item array on the wire.
type Request struct {
	Model           string         `json:"model"`
	Input           any            `json:"input"`
	Instructions    string         `json:"instructions,omitempty"`
	Tools           []Tool         `json:"tools,omitempty"`
	ToolChoice      any            `json:"tool_choice,omitempty"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
	Temperature     float64        `json:"temperature,omitempty"`
	Stream          bool           `json:"stream,omitempty"`
	PreviousID      string         `json:"previous_response_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Tool is a flat Responses tool definition.
type Tool struct {
	Type        string         `json:"type"` // "function"
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

// Item is one input or output item.
type Item struct {
	Type string `json:"type"` // "message" | "function_call" | "function_call_output" | "reasoning"

	// For type "message"
	Role    string `json:"role,omitempty"`
	Content any    `json:"content,omitempty"` // string or []ContentPart

	// For type "function_call"
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// For type "function_call_output"
	Output string `json:"output,omitempty"`

	// For type "reasoning"
	Summary []ContentPart `json:"summary,omitempty"`

	Status string `json:"status,omitempty"`
}

// ContentPart is a piece of message content.
type ContentPart struct {
	Type string `json:"type"` // "input_text" | "output_text" | "input_image" | "summary_text"
	Text string `json:"text,omitempty"`
	// For "input_image"
	ImageURL string `json:"image_url,omitempty"`
}

// Response is the Responses API response envelope.
type Response struct {
	ID             string          `json:"id"`
	Object         string          `json:"object"` // "response"
	CreatedAt      int64           `json:"created_at"`
	Status         string          `json:"status"` // "completed" | "requires_action" | "failed" | "in_progress"
	Model          string          `json:"model"`
	Output         []Item          `json:"output"`
	RequiredAction *RequiredAction `json:"required_action,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
}

// RequiredAction asks the client to run tools and submit their outputs.
type RequiredAction struct {
	Type              string             `json:"type"` // "submit_tool_outputs"
	SubmitToolOutputs *SubmitToolOutputs `json:"submit_tool_outputs,omitempty"`
}

// SubmitToolOutputs lists the calls awaiting results.
type SubmitToolOutputs struct {
	ToolCalls []PendingToolCall `json:"tool_calls"`
}

// PendingToolCall is one call the client must execute.
type PendingToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function CallFunction `json:"function"`
}

// CallFunction carries the function name and argument JSON.
type CallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StreamEvent is one Responses SSE payload. The wire event name mirrors Type.
type StreamEvent struct {
	Type string `json:"type"`

	// For response.created / response.completed / response.required_action
	Response *Response `json:"response,omitempty"`

	// For response.output_item.added
	OutputIndex int   `json:"output_index,omitempty"`
	Item        *Item `json:"item,omitempty"`

	// For response.output_text.delta and response.function_call_arguments.delta
	ItemID string `json:"item_id,omitempty"`
	Delta  string `json:"delta,omitempty"`
}
