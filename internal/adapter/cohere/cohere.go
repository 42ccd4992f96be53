// Package cohere implements the Cohere provider adapter against the v2 chat
// and embed APIs. Cohere's wire format is close to OpenAI's but uses typed
// content arrays, upper-case finish reasons, and a nested usage object.
package cohere

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelriver/modelriver/internal/adapter"
)

const (
	defaultBaseURL = "https://api.cohere.com/v2"
	providerName   = "cohere"
)

type (
	wireMessage struct {
		Role       string         `json:"role"`
		Content    any            `json:"content,omitempty"`
		ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
	}

	wireToolCall struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}

	wireRequest struct {
		Model         string        `json:"model"`
		Messages      []wireMessage `json:"messages"`
		Tools         []adapter.Tool `json:"tools,omitempty"`
		Temperature   *float64      `json:"temperature,omitempty"`
		P             *float64      `json:"p,omitempty"`
		MaxTokens     int           `json:"max_tokens,omitempty"`
		StopSequences []string      `json:"stop_sequences,omitempty"`
		Stream        bool          `json:"stream,omitempty"`
		Seed          *int64        `json:"seed,omitempty"`
	}

	wireContent struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	wireUsage struct {
		BilledUnits struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		} `json:"billed_units"`
		Tokens struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		} `json:"tokens"`
	}

	wireResponse struct {
		ID      string `json:"id"`
		Message struct {
			Role      string         `json:"role"`
			Content   []wireContent  `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string    `json:"finish_reason"`
		Usage        wireUsage `json:"usage"`
	}

	// streamEvent is the union of v2 SSE event payloads the adapter consumes.
	streamEvent struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Index int    `json:"index"`
		Delta struct {
			Message struct {
				Content struct {
					Text string `json:"text"`
				} `json:"content"`
				ToolCalls wireToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string    `json:"finish_reason"`
			Usage        wireUsage `json:"usage"`
		} `json:"delta"`
	}
)

type Adapter struct {
	client *http.Client
}

func New() *Adapter {
	return &Adapter{client: &http.Client{Timeout: 120 * time.Second}}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Capabilities() map[adapter.Capability]bool {
	return map[adapter.Capability]bool{
		adapter.CapChat:      true,
		adapter.CapStreaming: true,
		adapter.CapEmbedding: true,
		adapter.CapTools:     true,
	}
}

func (a *Adapter) ModelTypes() []adapter.ModelType {
	return []adapter.ModelType{adapter.ModelTypeChat, adapter.ModelTypeEmbedding, adapter.ModelTypeRerank}
}

func (a *Adapter) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "command") || strings.HasPrefix(model, "embed-") ||
		strings.HasPrefix(model, "rerank-")
}

func (a *Adapter) Chat(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
	resp, err := a.post(ctx, creds, "/chat", buildWire(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, adapter.Wrap(adapter.KindAPI, providerName, err)
	}

	msg := adapter.Message{Role: "assistant"}
	var sb strings.Builder
	for _, c := range wr.Message.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	msg.Content = adapter.Text(sb.String())
	for _, tc := range wr.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, adapter.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: adapter.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	return &adapter.CompletionResponse{
		ID:    wr.ID,
		Model: req.Model,
		Choices: []adapter.Choice{{
			Message:      msg,
			FinishReason: normalizeFinish(wr.FinishReason),
		}},
		Usage: usageFromWire(wr.Usage),
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (<-chan adapter.StreamChunk, error) {
	resp, err := a.post(ctx, creds, "/chat", buildWire(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		var msgID string
		emit := func(c adapter.StreamChunk) bool {
			c.ID, c.Model = msgID, req.Model
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "message-start":
				msgID = ev.ID
				if !emit(adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{Role: "assistant"}}}}) {
					return
				}
			case "content-delta":
				if ev.Delta.Message.Content.Text == "" {
					continue
				}
				if !emit(adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{Content: ev.Delta.Message.Content.Text}}}}) {
					return
				}
			case "tool-call-start", "tool-call-delta":
				tc := ev.Delta.Message.ToolCalls
				chunk := adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{
					ToolCalls: []adapter.ToolCallDelta{{
						Index: ev.Index,
						ID:    tc.ID,
						Type:  "function",
						Function: adapter.ToolCallFunction{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					}},
				}}}}
				if !emit(chunk) {
					return
				}
			case "message-end":
				usage := usageFromWire(ev.Delta.Usage)
				if !emit(adapter.StreamChunk{
					Choices: []adapter.DeltaChoice{{FinishReason: normalizeFinish(ev.Delta.FinishReason)}},
					Usage:   &usage,
				}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- adapter.StreamChunk{
				ID:      msgID,
				Model:   req.Model,
				Choices: []adapter.DeltaChoice{{FinishReason: adapter.FinishError}},
				Err:     adapter.AsError(providerName, err),
			}
		}
	}()
	return ch, nil
}

// Embed implements adapter.Embedder.
func (a *Adapter) Embed(ctx context.Context, req *adapter.EmbeddingRequest, creds adapter.Credentials) (*adapter.EmbeddingResponse, error) {
	payload := struct {
		Model          string   `json:"model"`
		Texts          []string `json:"texts"`
		InputType      string   `json:"input_type"`
		EmbeddingTypes []string `json:"embedding_types"`
	}{Model: req.Model, Texts: req.Input, InputType: "search_document", EmbeddingTypes: []string{"float"}}

	resp, err := a.post(ctx, creds, "/embed", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var er struct {
		Embeddings struct {
			Float [][]float32 `json:"float"`
		} `json:"embeddings"`
		Meta struct {
			BilledUnits struct {
				InputTokens float64 `json:"input_tokens"`
			} `json:"billed_units"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, adapter.Wrap(adapter.KindAPI, providerName, err)
	}
	data := make([]adapter.EmbeddingData, len(er.Embeddings.Float))
	for i, v := range er.Embeddings.Float {
		data[i] = adapter.EmbeddingData{Index: i, Embedding: v}
	}
	return &adapter.EmbeddingResponse{
		Model: req.Model,
		Data:  data,
		Usage: adapter.Usage{PromptTokens: int(er.Meta.BilledUnits.InputTokens)},
	}, nil
}

func buildWire(req *adapter.CompletionRequest, stream bool) wireRequest {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, ToolCallID: m.ToolCallID}
		if text := m.Content.Flatten(); text != "" {
			wm.Content = text
		}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID, wtc.Type = tc.ID, "function"
			wtc.Function.Name = tc.Function.Name
			wtc.Function.Arguments = tc.Function.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		msgs = append(msgs, wm)
	}
	return wireRequest{
		Model:         req.Model,
		Messages:      msgs,
		Tools:         req.Tools,
		Temperature:   req.Temperature,
		P:             req.TopP,
		MaxTokens:     req.EffectiveMaxTokens(),
		StopSequences: req.Stop,
		Stream:        stream,
		Seed:          req.Seed,
	}
}

func (a *Adapter) post(ctx context.Context, creds adapter.Credentials, path string, payload any) (*http.Response, error) {
	key := creds.APIKey
	if key == "" {
		key = os.Getenv("COHERE_API_KEY")
	}
	if key == "" {
		return nil, adapter.E(adapter.KindAuthentication, providerName, "no API key configured")
	}
	base := creds.APIBase
	if base == "" {
		base = defaultBaseURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, adapter.Wrap(adapter.KindBadRequest, providerName, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, adapter.Wrap(adapter.KindBadRequest, providerName, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, adapter.AsError(providerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var we struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &we)
	e := adapter.FromHTTP(providerName, resp.StatusCode, "", "", we.Message)
	e.RetryAfter = adapter.ParseRetryAfter(resp.Header.Get("Retry-After"))
	return e
}

func usageFromWire(u wireUsage) adapter.Usage {
	out := adapter.Usage{
		PromptTokens:     int(u.BilledUnits.InputTokens),
		CompletionTokens: int(u.BilledUnits.OutputTokens),
	}
	if out.PromptTokens == 0 && out.CompletionTokens == 0 {
		out.PromptTokens = int(u.Tokens.InputTokens)
		out.CompletionTokens = int(u.Tokens.OutputTokens)
	}
	out.TotalTokens = out.PromptTokens + out.CompletionTokens
	return out
}

func normalizeFinish(r string) adapter.FinishReason {
	switch r {
	case "":
		return ""
	case "COMPLETE", "STOP_SEQUENCE":
		return adapter.FinishStop
	case "MAX_TOKENS":
		return adapter.FinishLength
	case "TOOL_CALL":
		return adapter.FinishToolCalls
	case "ERROR":
		return adapter.FinishError
	default:
		return adapter.FinishStop
	}
}
