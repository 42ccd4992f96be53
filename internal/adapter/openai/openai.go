// Package openai implements the OpenAI provider adapter on the official SDK.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/shared"

	"github.com/modelriver/modelriver/internal/adapter"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Adapter is a stateless OpenAI wire translator. Credentials arrive per call.
type Adapter struct {
	client openaiSDK.Client
}

func New() *Adapter {
	// Keys and base URLs are applied per request; the zero-option client only
	// carries the shared transport.
	return &Adapter{client: openaiSDK.NewClient()}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Capabilities() map[adapter.Capability]bool {
	return map[adapter.Capability]bool{
		adapter.CapChat:      true,
		adapter.CapStreaming: true,
		adapter.CapEmbedding: true,
		adapter.CapTools:     true,
		adapter.CapVision:    true,
		adapter.CapJSONMode:  true,
	}
}

func (a *Adapter) ModelTypes() []adapter.ModelType {
	return []adapter.ModelType{adapter.ModelTypeChat, adapter.ModelTypeEmbedding}
}

func (a *Adapter) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "gpt-") ||
		strings.HasPrefix(model, "chatgpt-") ||
		strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4") ||
		strings.HasPrefix(model, "text-embedding-")
}

func (a *Adapter) Chat(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
	params, err := BuildParams(req)
	if err != nil {
		return nil, err
	}
	opts, err := requestOptions(creds)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, ClassifySDKError(providerName, err)
	}
	return ResponseFromSDK(resp), nil
}

// ResponseFromSDK converts a unary SDK completion to the normalized shape.
func ResponseFromSDK(resp *openaiSDK.ChatCompletion) *adapter.CompletionResponse {
	out := &adapter.CompletionResponse{
		ID:      resp.ID,
		Created: resp.Created,
		Model:   resp.Model,
		Usage: adapter.Usage{
			PromptTokens:         int(resp.Usage.PromptTokens),
			CompletionTokens:     int(resp.Usage.CompletionTokens),
			TotalTokens:          int(resp.Usage.TotalTokens),
			CacheReadInputTokens: int(resp.Usage.PromptTokensDetails.CachedTokens),
		},
	}
	for _, c := range resp.Choices {
		msg := adapter.Message{
			Role:    "assistant",
			Content: adapter.Text(c.Message.Content),
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, adapter.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: adapter.ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, adapter.Choice{
			Index:        int(c.Index),
			Message:      msg,
			FinishReason: NormalizeFinish(string(c.FinishReason)),
		})
	}
	return out
}

func (a *Adapter) Stream(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (<-chan adapter.StreamChunk, error) {
	params, err := BuildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}
	opts, err := requestOptions(creds)
	if err != nil {
		return nil, err
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	return PumpStream(ctx, providerName, stream), nil
}

// PumpStream drains an SDK chunk stream into a channel of normalized chunks.
// The channel closes after the terminal chunk; a mid-stream failure is
// delivered as a final chunk carrying Err and finish_reason "error".
func PumpStream(ctx context.Context, provider string, stream *ssestream.Stream[openaiSDK.ChatCompletionChunk]) <-chan adapter.StreamChunk {
	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer close(ch)
		for stream.Next() {
			raw := stream.Current()
			out := adapter.StreamChunk{
				ID:      raw.ID,
				Created: raw.Created,
				Model:   raw.Model,
			}
			if raw.Usage.TotalTokens > 0 {
				out.Usage = &adapter.Usage{
					PromptTokens:     int(raw.Usage.PromptTokens),
					CompletionTokens: int(raw.Usage.CompletionTokens),
					TotalTokens:      int(raw.Usage.TotalTokens),
				}
			}
			for _, c := range raw.Choices {
				dc := adapter.DeltaChoice{
					Index: int(c.Index),
					Delta: adapter.MessageDelta{
						Role:    c.Delta.Role,
						Content: c.Delta.Content,
					},
					FinishReason: NormalizeFinish(string(c.FinishReason)),
				}
				for _, tc := range c.Delta.ToolCalls {
					dc.Delta.ToolCalls = append(dc.Delta.ToolCalls, adapter.ToolCallDelta{
						Index: int(tc.Index),
						ID:    tc.ID,
						Type:  "function",
						Function: adapter.ToolCallFunction{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					})
				}
				out.Choices = append(out.Choices, dc)
			}
			if len(out.Choices) == 0 && out.Usage == nil {
				continue
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			ch <- adapter.StreamChunk{
				Choices: []adapter.DeltaChoice{{FinishReason: adapter.FinishError}},
				Err:     ClassifySDKError(provider, err),
			}
		}
	}()
	return ch
}

// Embed implements adapter.Embedder.
func (a *Adapter) Embed(ctx context.Context, req *adapter.EmbeddingRequest, creds adapter.Credentials) (*adapter.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}
	opts, err := requestOptions(creds)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Embeddings.New(ctx, params, opts...)
	if err != nil {
		return nil, ClassifySDKError(providerName, err)
	}
	data := make([]adapter.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = adapter.EmbeddingData{Index: int(d.Index), Embedding: f32}
	}
	return &adapter.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: adapter.Usage{
			PromptTokens: int(resp.Usage.PromptTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

func BuildParams(req *adapter.CompletionRequest) (openaiSDK.ChatCompletionNewParams, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		sdkMsg, err := ToSDKMessage(m)
		if err != nil {
			return openaiSDK.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, sdkMsg)
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.N > 1 {
		params.N = openaiSDK.Int(int64(req.N))
	}
	if req.Seed != nil {
		params.Seed = openaiSDK.Int(*req.Seed)
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	// OpenAI deprecated max_tokens in favor of max_completion_tokens; both
	// normalized caps land on the new field.
	if n := req.EffectiveMaxTokens(); n > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(n))
	}

	for _, t := range req.Tools {
		def := shared.FunctionDefinitionParam{Name: t.Function.Name}
		if t.Function.Description != "" {
			def.Description = openaiSDK.String(t.Function.Description)
		}
		if len(t.Function.Parameters) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
				return openaiSDK.ChatCompletionNewParams{}, adapter.Errorf(adapter.KindBadRequest, providerName,
					"tool %q: invalid parameters schema: %v", t.Function.Name, err)
			}
			def.Parameters = shared.FunctionParameters(schema)
		}
		params.Tools = append(params.Tools, openaiSDK.ChatCompletionFunctionTool(def))
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case "tool":
			params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
				OfFunctionToolChoice: &openaiSDK.ChatCompletionNamedToolChoiceParam{
					Function: openaiSDK.ChatCompletionNamedToolChoiceFunctionParam{Name: tc.Name},
				},
			}
		default:
			params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openaiSDK.String(tc.Mode),
			}
		}
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type == "json_object" {
		params.ResponseFormat = openaiSDK.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

func ToSDKMessage(m adapter.Message) (openaiSDK.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return openaiSDK.SystemMessage(m.Content.Flatten()), nil
	case "tool":
		return openaiSDK.ToolMessage(m.Content.Flatten(), m.ToolCallID), nil
	case "assistant":
		if len(m.ToolCalls) == 0 {
			return openaiSDK.AssistantMessage(m.Content.Flatten()), nil
		}
		asst := openaiSDK.ChatCompletionAssistantMessageParam{}
		if text := m.Content.Flatten(); text != "" {
			asst.Content.OfString = openaiSDK.String(text)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, openaiSDK.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openaiSDK.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				},
			})
		}
		return openaiSDK.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	default: // user
		if m.Content.Blocks == nil {
			return openaiSDK.UserMessage(m.Content.Text), nil
		}
		parts := make([]openaiSDK.ChatCompletionContentPartUnionParam, 0, len(m.Content.Blocks))
		for _, b := range m.Content.Blocks {
			switch b.Type {
			case "text":
				parts = append(parts, openaiSDK.TextContentPart(b.Text))
			case "image_url":
				if b.ImageURL == nil {
					return openaiSDK.ChatCompletionMessageParamUnion{},
						adapter.E(adapter.KindBadRequest, providerName, "image_url block missing payload")
				}
				parts = append(parts, openaiSDK.ImageContentPart(openaiSDK.ChatCompletionContentPartImageImageURLParam{
					URL: b.ImageURL.URL,
				}))
			default:
				return openaiSDK.ChatCompletionMessageParamUnion{},
					adapter.Errorf(adapter.KindBadRequest, providerName, "unsupported content block type %q", b.Type)
			}
		}
		return openaiSDK.UserMessage(parts), nil
	}
}

func requestOptions(creds adapter.Credentials) ([]option.RequestOption, error) {
	key := creds.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return nil, adapter.E(adapter.KindAuthentication, providerName, "no API key configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if creds.APIBase != "" && creds.APIBase != defaultBaseURL {
		opts = append(opts, option.WithBaseURL(creds.APIBase))
	}
	return opts, nil
}

func NormalizeFinish(reason string) adapter.FinishReason {
	switch reason {
	case "":
		return ""
	case "stop":
		return adapter.FinishStop
	case "length", "max_tokens":
		return adapter.FinishLength
	case "tool_calls", "function_call":
		return adapter.FinishToolCalls
	case "content_filter":
		return adapter.FinishContentFilter
	default:
		return adapter.FinishStop
	}
}

// ClassifySDKError maps SDK errors onto the adapter taxonomy, keeping the
// upstream Retry-After when one was sent.
func ClassifySDKError(provider string, err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		e := adapter.FromHTTP(provider, apiErr.StatusCode, apiErr.Code, apiErr.Type, apiErr.Message)
		if apiErr.Response != nil {
			e.RetryAfter = adapter.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return e
	}
	return adapter.AsError(provider, err)
}
