// Package adapter defines the normalized request/response model shared by all
// provider adapters, the uniform error taxonomy, and the registry that maps
// provider types and model names to adapters.
//
// Each provider lives in its own sub-package and implements the Adapter
// interface. Adapters that support vector embeddings additionally implement
// Embedder. Adapters are stateless wire translators: credentials are passed
// per call so one adapter instance can serve many deployments.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ModelType classifies what a deployment serves.
type ModelType string

const (
	ModelTypeChat               ModelType = "chat"
	ModelTypeEmbedding          ModelType = "embedding"
	ModelTypeImageGeneration    ModelType = "image_generation"
	ModelTypeAudioTranscription ModelType = "audio_transcription"
	ModelTypeAudioSpeech        ModelType = "audio_speech"
	ModelTypeModeration         ModelType = "moderation"
	ModelTypeRerank             ModelType = "rerank"
)

// FinishReason is the normalized stop cause. Adapters map every provider
// value onto exactly one of these (or empty while a stream is in progress).
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

type (
	// ImageURL is an image content block payload. URL is either an https URL
	// or a data: URI.
	ImageURL struct {
		URL    string `json:"url"`
		Detail string `json:"detail,omitempty"`
	}

	// ContentBlock is one element of a multimodal message content array.
	ContentBlock struct {
		Type     string    `json:"type"` // "text" | "image_url"
		Text     string    `json:"text,omitempty"`
		ImageURL *ImageURL `json:"image_url,omitempty"`
	}

	// Content holds message content that arrives on the wire either as a bare
	// string or as an ordered array of content blocks.
	Content struct {
		Text   string
		Blocks []ContentBlock
	}

	// ToolFunction describes a callable function exposed to the model.
	ToolFunction struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	// Tool is one entry of the request "tools" array.
	Tool struct {
		Type     string       `json:"type"` // always "function"
		Function ToolFunction `json:"function"`
	}

	// ToolCallFunction carries the model's chosen function and its arguments
	// as a raw JSON string.
	ToolCallFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// ToolCall is an assistant-initiated function invocation.
	ToolCall struct {
		ID       string           `json:"id"`
		Type     string           `json:"type"` // always "function"
		Function ToolCallFunction `json:"function"`
	}

	// ToolChoice is the normalized tool_choice field:
	// mode is one of "auto", "none", "required", "tool".
	// Name is set only when Mode == "tool".
	ToolChoice struct {
		Mode string
		Name string
	}

	// ResponseFormat mirrors the OpenAI response_format object.
	ResponseFormat struct {
		Type       string          `json:"type"` // "text" | "json_object" | "json_schema"
		JSONSchema json.RawMessage `json:"json_schema,omitempty"`
	}

	// Message is a single conversation turn. Immutable once accepted.
	Message struct {
		Role       string     `json:"role"` // system | user | assistant | tool
		Content    Content    `json:"content"`
		Name       string     `json:"name,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	}

	// Usage - token usage stats as reported by the provider. Counts are taken
	// verbatim; the gateway never estimates tokens post-hoc for chat.
	Usage struct {
		PromptTokens             int `json:"prompt_tokens"`
		CompletionTokens         int `json:"completion_tokens"`
		TotalTokens              int `json:"total_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	}

	// CompletionRequest is the normalized chat request handed to adapters.
	// Model carries the provider-native model name (the router substitutes
	// the deployment's provider_model before dispatch).
	CompletionRequest struct {
		Model               string          `json:"model"`
		Messages            []Message       `json:"messages"`
		Temperature         *float64        `json:"temperature,omitempty"`
		TopP                *float64        `json:"top_p,omitempty"`
		N                   int             `json:"n,omitempty"`
		MaxTokens           int             `json:"max_tokens,omitempty"`
		MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
		Stop                []string        `json:"stop,omitempty"`
		Stream              bool            `json:"stream,omitempty"`
		Tools               []Tool          `json:"tools,omitempty"`
		ToolChoice          *ToolChoice     `json:"-"`
		ResponseFormat      *ResponseFormat `json:"response_format,omitempty"`
		Seed                *int64          `json:"seed,omitempty"`
		User                string          `json:"user,omitempty"`

		// Timeout overrides the router's per-attempt deadline when > 0.
		Timeout time.Duration `json:"-"`

		RequestID string `json:"-"`
	}

	// HiddenParams carries gateway-computed metadata attached to a response.
	// ResponseCost is advisory; the spend recorder owns the authoritative
	// number.
	HiddenParams struct {
		ResponseCost float64 `json:"response_cost,omitempty"`
	}

	// Choice is one completion alternative.
	Choice struct {
		Index        int          `json:"index"`
		Message      Message      `json:"message"`
		FinishReason FinishReason `json:"finish_reason"`
	}

	// CompletionResponse is the normalized unary chat response.
	CompletionResponse struct {
		ID           string        `json:"id"`
		Created      int64         `json:"created"`
		Model        string        `json:"model"`
		Choices      []Choice      `json:"choices"`
		Usage        Usage         `json:"usage"`
		HiddenParams *HiddenParams `json:"hidden_params,omitempty"`
	}

	// ToolCallDelta is an incremental tool-call fragment in a stream.
	ToolCallDelta struct {
		Index    int              `json:"index"`
		ID       string           `json:"id,omitempty"`
		Type     string           `json:"type,omitempty"`
		Function ToolCallFunction `json:"function"`
	}

	// MessageDelta is the incremental message payload of one stream chunk.
	MessageDelta struct {
		Role      string          `json:"role,omitempty"`
		Content   string          `json:"content,omitempty"`
		ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
	}

	// DeltaChoice is one choice of a stream chunk.
	DeltaChoice struct {
		Index        int          `json:"index"`
		Delta        MessageDelta `json:"delta"`
		FinishReason FinishReason `json:"finish_reason,omitempty"`
	}

	// StreamChunk is a single frame of a streaming response. Usage is only
	// set on the final chunk, when the provider reports it. Err is set on a
	// terminal chunk when the stream died mid-flight; it is never serialized.
	StreamChunk struct {
		ID      string        `json:"id"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []DeltaChoice `json:"choices"`
		Usage   *Usage        `json:"usage,omitempty"`

		Err error `json:"-"`
	}

	// EmbeddingRequest - normalized embedding request.
	EmbeddingRequest struct {
		Model     string
		Input     []string
		RequestID string
	}

	// EmbeddingData - a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse - normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}

	// Credentials carries per-dispatch connection material resolved by the
	// deployment cache: decrypted key, effective api_base, and merged
	// provider/deployment settings (deployment values win).
	Credentials struct {
		APIKey   string
		APIBase  string
		Settings map[string]string
	}
)

// Capability flags advertised by an adapter.
type Capability string

const (
	CapChat      Capability = "chat"
	CapStreaming Capability = "streaming"
	CapEmbedding Capability = "embeddings"
	CapTools     Capability = "tools"
	CapVision    Capability = "vision"
	CapJSONMode  Capability = "json_mode"
)

// Adapter translates the normalized model to and from one provider's wire
// protocol and executes the HTTP calls.
type Adapter interface {
	// Name returns the provider type, e.g. "anthropic".
	Name() string

	Capabilities() map[Capability]bool
	ModelTypes() []ModelType

	// SupportsModel is the registry's last-resort model probe.
	SupportsModel(model string) bool

	// Chat executes one unary completion.
	Chat(ctx context.Context, req *CompletionRequest, creds Credentials) (*CompletionResponse, error)

	// Stream executes one streaming completion. The returned channel is a
	// lazy finite sequence: it closes after a terminal chunk (one carrying a
	// finish reason, usage, or Err). Not restartable.
	Stream(ctx context.Context, req *CompletionRequest, creds Credentials) (<-chan StreamChunk, error)
}

// Embedder is an optional interface implemented by adapters that support the
// embeddings API. Check with a type assertion before calling.
type Embedder interface {
	Embed(ctx context.Context, req *EmbeddingRequest, creds Credentials) (*EmbeddingResponse, error)
}

// UnmarshalJSON accepts either a bare string or an array of content blocks.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Blocks = nil
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		c.Blocks = blocks
		c.Text = ""
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	return fmt.Errorf("content must be a string or an array of content blocks")
}

// MarshalJSON emits the same shape the content arrived in.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// Flatten returns the concatenated text of all blocks, or the bare string.
func (c Content) Flatten() string {
	if c.Blocks == nil {
		return c.Text
	}
	out := ""
	for _, b := range c.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// IsEmpty reports whether the content carries neither text nor blocks.
func (c Content) IsEmpty() bool {
	return c.Text == "" && len(c.Blocks) == 0
}

// Text returns a Content holding a bare string.
func Text(s string) Content { return Content{Text: s} }

// ParseToolChoice decodes the raw tool_choice wire value:
// a string ("auto"|"none"|"required") or {"type":"function","function":{"name":...}}.
func ParseToolChoice(raw json.RawMessage) (*ToolChoice, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto", "none", "required":
			return &ToolChoice{Mode: s}, nil
		}
		return nil, fmt.Errorf("invalid tool_choice %q", s)
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Function.Name == "" {
		return nil, fmt.Errorf("tool_choice must be a mode string or a named function")
	}
	return &ToolChoice{Mode: "tool", Name: obj.Function.Name}, nil
}

// Validate checks the request-level constraints that hold for every provider.
func (r *CompletionRequest) Validate() error {
	if r.Model == "" {
		return badParam("model", "field 'model' is required")
	}
	if len(r.Messages) == 0 {
		return badParam("messages", "field 'messages' must not be empty")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return badParam("temperature", "temperature must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return badParam("top_p", "top_p must be between 0 and 1")
	}
	if r.N < 0 {
		return badParam("n", "n must be at least 1")
	}
	if r.MaxTokens < 0 || r.MaxCompletionTokens < 0 {
		return badParam("max_tokens", "token limits must be positive")
	}
	if r.MaxTokens > 0 && r.MaxCompletionTokens > 0 {
		return badParam("max_tokens", "max_tokens and max_completion_tokens are mutually exclusive")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			return badParam(fmt.Sprintf("messages[%d].role", i), fmt.Sprintf("invalid role %q", m.Role))
		}
		if m.Role == "tool" && m.ToolCallID == "" {
			return badParam(fmt.Sprintf("messages[%d]", i), "tool message requires tool_call_id")
		}
	}
	return nil
}

// EffectiveMaxTokens returns whichever of the two token caps is set.
func (r *CompletionRequest) EffectiveMaxTokens() int {
	if r.MaxCompletionTokens > 0 {
		return r.MaxCompletionTokens
	}
	return r.MaxTokens
}

func badParam(param, msg string) error {
	return &Error{Kind: KindBadRequest, Message: msg, Param: param}
}
