// Package anthropic implements the Anthropic provider adapter on the
// official SDK. System turns fold into the request-level system prompt,
// OpenAI tool semantics map onto tool_use/tool_result blocks, and the
// event-tagged SSE stream is flattened into normalized chunks.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/modelriver/modelriver/internal/adapter"
)

const (
	providerName = "anthropic"

	// Anthropic requires max_tokens; applied when the client sends none.
	defaultMaxTokens = 4096
)

type Adapter struct {
	client anthropic.Client
}

func New() *Adapter {
	return &Adapter{client: anthropic.NewClient()}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Capabilities() map[adapter.Capability]bool {
	return map[adapter.Capability]bool{
		adapter.CapChat:      true,
		adapter.CapStreaming: true,
		adapter.CapTools:     true,
		adapter.CapVision:    true,
	}
}

func (a *Adapter) ModelTypes() []adapter.ModelType {
	return []adapter.ModelType{adapter.ModelTypeChat}
}

func (a *Adapter) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

func (a *Adapter) Chat(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
	params, err := buildParams(ctx, req)
	if err != nil {
		return nil, err
	}
	opts, err := requestOptions(creds)
	if err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toAdapterError(err)
	}

	out := adapter.Message{Role: "assistant"}
	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, adapter.ToolCall{
				ID:   v.ID,
				Type: "function",
				Function: adapter.ToolCallFunction{
					Name:      v.Name,
					Arguments: string(v.Input),
				},
			})
		}
	}
	out.Content = adapter.Text(sb.String())

	return &adapter.CompletionResponse{
		ID:    msg.ID,
		Model: string(msg.Model),
		Choices: []adapter.Choice{{
			Message:      out,
			FinishReason: normalizeStop(string(msg.StopReason)),
		}},
		Usage: usageFromSDK(msg.Usage),
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (<-chan adapter.StreamChunk, error) {
	params, err := buildParams(ctx, req)
	if err != nil {
		return nil, err
	}
	opts, err := requestOptions(creds)
	if err != nil {
		return nil, err
	}

	stream := a.client.Messages.NewStreaming(ctx, params, opts...)

	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer close(ch)

		var (
			msgID     string
			model     string
			usage     adapter.Usage
			toolIndex = -1
		)
		emit := func(c adapter.StreamChunk) bool {
			c.ID, c.Model = msgID, model
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			ev := stream.Current()
			switch event := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				msgID = event.Message.ID
				model = string(event.Message.Model)
				usage = usageFromSDK(event.Message.Usage)
				if !emit(adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{Role: "assistant"}}}}) {
					return
				}
			case anthropic.ContentBlockStartEvent:
				if tu, ok := event.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					toolIndex++
					chunk := adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{
						ToolCalls: []adapter.ToolCallDelta{{
							Index:    toolIndex,
							ID:       tu.ID,
							Type:     "function",
							Function: adapter.ToolCallFunction{Name: tu.Name},
						}},
					}}}}
					if !emit(chunk) {
						return
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := event.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					if !emit(adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{Content: delta.Text}}}}) {
						return
					}
				case anthropic.InputJSONDelta:
					chunk := adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{
						ToolCalls: []adapter.ToolCallDelta{{
							Index:    toolIndex,
							Function: adapter.ToolCallFunction{Arguments: delta.PartialJSON},
						}},
					}}}}
					if !emit(chunk) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				usage.CompletionTokens = int(event.Usage.OutputTokens)
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				final := adapter.StreamChunk{
					Choices: []adapter.DeltaChoice{{FinishReason: normalizeStop(string(event.Delta.StopReason))}},
					Usage:   &usage,
				}
				if !emit(final) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- adapter.StreamChunk{
				ID:      msgID,
				Model:   model,
				Choices: []adapter.DeltaChoice{{FinishReason: adapter.FinishError}},
				Err:     toAdapterError(err),
			}
		}
	}()

	return ch, nil
}

func buildParams(ctx context.Context, req *adapter.CompletionRequest) (anthropic.MessageNewParams, error) {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content.Flatten()
		case "tool":
			msgs = append(msgs, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: m.ToolCallID,
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: m.Content.Flatten()},
						}},
					},
				}},
			})
		case "assistant":
			blocks, err := assistantBlocks(m)
			if err != nil {
				return anthropic.MessageNewParams{}, err
			}
			msgs = append(msgs, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		default: // user
			blocks, err := userBlocks(ctx, m)
			if err != nil {
				return anthropic.MessageNewParams{}, err
			}
			msgs = append(msgs, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: blocks,
			})
		}
	}

	maxTokens := req.EffectiveMaxTokens()
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	for _, t := range req.Tools {
		tool := anthropic.ToolParam{Name: t.Function.Name}
		if t.Function.Description != "" {
			tool.Description = anthropic.String(t.Function.Description)
		}
		if len(t.Function.Parameters) > 0 {
			var schema struct {
				Properties map[string]any `json:"properties"`
				Required   []string       `json:"required"`
			}
			if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
				return anthropic.MessageNewParams{}, adapter.Errorf(adapter.KindBadRequest, providerName,
					"tool %q: invalid parameters schema: %v", t.Function.Name, err)
			}
			tool.InputSchema = anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case "none":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		case "required":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case "tool":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: tc.Name}}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}
	return params, nil
}

func userBlocks(ctx context.Context, m adapter.Message) ([]anthropic.ContentBlockParamUnion, error) {
	if m.Content.Blocks == nil {
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content.Text)}, nil
	}
	out := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content.Blocks))
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case "text":
			out = append(out, anthropic.NewTextBlock(b.Text))
		case "image_url":
			if b.ImageURL == nil {
				return nil, adapter.E(adapter.KindBadRequest, providerName, "image_url block missing payload")
			}
			// Anthropic takes inline base64, not URLs.
			data, mediaType, err := adapter.ResolveImage(ctx, b.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			out = append(out, anthropic.NewImageBlockBase64(mediaType, adapter.EncodeBase64(data)))
		default:
			return nil, adapter.Errorf(adapter.KindBadRequest, providerName, "unsupported content block type %q", b.Type)
		}
	}
	return out, nil
}

func assistantBlocks(m adapter.Message) ([]anthropic.ContentBlockParamUnion, error) {
	var out []anthropic.ContentBlockParamUnion
	if text := m.Content.Flatten(); text != "" {
		out = append(out, anthropic.NewTextBlock(text))
	}
	for _, tc := range m.ToolCalls {
		var input any = map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, adapter.Errorf(adapter.KindBadRequest, providerName,
					"tool call %s: arguments are not valid JSON", tc.ID)
			}
		}
		out = append(out, anthropic.ContentBlockParamUnion{
			OfToolUse: &anthropic.ToolUseBlockParam{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			},
		})
	}
	return out, nil
}

func requestOptions(creds adapter.Credentials) ([]option.RequestOption, error) {
	key := creds.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil, adapter.E(adapter.KindAuthentication, providerName, "no API key configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if creds.APIBase != "" {
		opts = append(opts, option.WithBaseURL(creds.APIBase))
	}
	return opts, nil
}

func usageFromSDK(u anthropic.Usage) adapter.Usage {
	out := adapter.Usage{
		PromptTokens:             int(u.InputTokens),
		CompletionTokens:         int(u.OutputTokens),
		CacheReadInputTokens:     int(u.CacheReadInputTokens),
		CacheCreationInputTokens: int(u.CacheCreationInputTokens),
	}
	out.TotalTokens = out.PromptTokens + out.CompletionTokens
	return out
}

func normalizeStop(reason string) adapter.FinishReason {
	switch reason {
	case "":
		return ""
	case "end_turn", "stop_sequence", "pause_turn":
		return adapter.FinishStop
	case "max_tokens":
		return adapter.FinishLength
	case "tool_use":
		return adapter.FinishToolCalls
	case "refusal":
		return adapter.FinishContentFilter
	default:
		return adapter.FinishStop
	}
}

func toAdapterError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		e := adapter.FromHTTP(providerName, apiErr.StatusCode, "", "", apiErr.Error())
		if apiErr.Response != nil {
			e.RetryAfter = adapter.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return e
	}
	return adapter.AsError(providerName, err)
}
