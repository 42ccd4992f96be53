// Package ollama implements the adapter for local Ollama servers. Ollama
// streams newline-delimited JSON rather than SSE, takes sampling options in a
// nested "options" object, and reports usage as eval counts on the final
// frame. No API key is involved; api_base selects the server.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelriver/modelriver/internal/adapter"
)

const (
	defaultBaseURL = "http://localhost:11434"
	providerName   = "ollama"
)

type (
	wireMessage struct {
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		Images    []string       `json:"images,omitempty"`
		ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	}

	wireToolCall struct {
		Function struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
	}

	wireOptions struct {
		Temperature *float64 `json:"temperature,omitempty"`
		TopP        *float64 `json:"top_p,omitempty"`
		NumPredict  int      `json:"num_predict,omitempty"`
		Stop        []string `json:"stop,omitempty"`
		Seed        *int64   `json:"seed,omitempty"`
	}

	wireRequest struct {
		Model    string         `json:"model"`
		Messages []wireMessage  `json:"messages"`
		Stream   bool           `json:"stream"`
		Tools    []adapter.Tool `json:"tools,omitempty"`
		Format   string         `json:"format,omitempty"`
		Options  *wireOptions   `json:"options,omitempty"`
	}

	wireFrame struct {
		Model           string      `json:"model"`
		Message         wireMessage `json:"message"`
		Done            bool        `json:"done"`
		DoneReason      string      `json:"done_reason"`
		PromptEvalCount int         `json:"prompt_eval_count"`
		EvalCount       int         `json:"eval_count"`
		Error           string      `json:"error"`
	}
)

type Adapter struct {
	client *http.Client
}

func New() *Adapter {
	return &Adapter{client: &http.Client{Timeout: 300 * time.Second}}
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

// SupportsModel matches Ollama tag syntax ("llama3:8b", "qwen2.5:14b").
func (a *Adapter) SupportsModel(model string) bool {
	return strings.ContainsRune(model, ':')
}

func (a *Adapter) Chat(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
	wire, err := buildWire(ctx, req, false)
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, creds, "/api/chat", wire)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var fr wireFrame
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, adapter.Wrap(adapter.KindAPI, providerName, err)
	}
	if fr.Error != "" {
		return nil, adapter.E(adapter.KindAPI, providerName, fr.Error)
	}

	msg := adapter.Message{Role: "assistant", Content: adapter.Text(fr.Message.Content)}
	for i, tc := range fr.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, adapter.ToolCall{
			ID:   fmt.Sprintf("call_%s_%d", tc.Function.Name, i),
			Type: "function",
			Function: adapter.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	finish := normalizeFinish(fr.DoneReason)
	if len(msg.ToolCalls) > 0 {
		finish = adapter.FinishToolCalls
	}
	return &adapter.CompletionResponse{
		ID:      "ollama-" + uuid.NewString(),
		Model:   fr.Model,
		Choices: []adapter.Choice{{Message: msg, FinishReason: finish}},
		Usage: adapter.Usage{
			PromptTokens:     fr.PromptEvalCount,
			CompletionTokens: fr.EvalCount,
			TotalTokens:      fr.PromptEvalCount + fr.EvalCount,
		},
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (<-chan adapter.StreamChunk, error) {
	wire, err := buildWire(ctx, req, true)
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, creds, "/api/chat", wire)
	if err != nil {
		return nil, err
	}

	id := "ollama-" + uuid.NewString()
	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		toolN := 0
		for scanner.Scan() {
			var fr wireFrame
			if err := json.Unmarshal(scanner.Bytes(), &fr); err != nil {
				continue
			}
			if fr.Error != "" {
				ch <- adapter.StreamChunk{
					ID:      id,
					Model:   fr.Model,
					Choices: []adapter.DeltaChoice{{FinishReason: adapter.FinishError}},
					Err:     adapter.E(adapter.KindAPI, providerName, fr.Error),
				}
				return
			}

			out := adapter.StreamChunk{ID: id, Model: fr.Model}
			dc := adapter.DeltaChoice{Delta: adapter.MessageDelta{Content: fr.Message.Content}}
			for _, tc := range fr.Message.ToolCalls {
				dc.Delta.ToolCalls = append(dc.Delta.ToolCalls, adapter.ToolCallDelta{
					Index: toolN,
					ID:    fmt.Sprintf("call_%s_%d", tc.Function.Name, toolN),
					Type:  "function",
					Function: adapter.ToolCallFunction{
						Name:      tc.Function.Name,
						Arguments: string(tc.Function.Arguments),
					},
				})
				toolN++
			}
			if fr.Done {
				dc.FinishReason = normalizeFinish(fr.DoneReason)
				if toolN > 0 && dc.FinishReason == adapter.FinishStop {
					dc.FinishReason = adapter.FinishToolCalls
				}
				out.Usage = &adapter.Usage{
					PromptTokens:     fr.PromptEvalCount,
					CompletionTokens: fr.EvalCount,
					TotalTokens:      fr.PromptEvalCount + fr.EvalCount,
				}
			}
			if dc.Delta.Content == "" && len(dc.Delta.ToolCalls) == 0 && !fr.Done {
				continue
			}
			out.Choices = []adapter.DeltaChoice{dc}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
			if fr.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- adapter.StreamChunk{
				ID:      id,
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
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: req.Model, Input: req.Input}

	resp, err := a.post(ctx, creds, "/api/embed", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var er struct {
		Model           string      `json:"model"`
		Embeddings      [][]float32 `json:"embeddings"`
		PromptEvalCount int         `json:"prompt_eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, adapter.Wrap(adapter.KindAPI, providerName, err)
	}
	data := make([]adapter.EmbeddingData, len(er.Embeddings))
	for i, v := range er.Embeddings {
		data[i] = adapter.EmbeddingData{Index: i, Embedding: v}
	}
	return &adapter.EmbeddingResponse{
		Model: er.Model,
		Data:  data,
		Usage: adapter.Usage{PromptTokens: er.PromptEvalCount, TotalTokens: er.PromptEvalCount},
	}, nil
}

func buildWire(ctx context.Context, req *adapter.CompletionRequest, stream bool) (wireRequest, error) {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role}
		if m.Role == "tool" {
			// Ollama has no tool_call_id; the tool output rides as content.
			wm.Content = m.Content.Flatten()
			msgs = append(msgs, wm)
			continue
		}
		if m.Content.Blocks == nil {
			wm.Content = m.Content.Text
		} else {
			var sb strings.Builder
			for _, b := range m.Content.Blocks {
				switch b.Type {
				case "text":
					sb.WriteString(b.Text)
				case "image_url":
					if b.ImageURL == nil {
						return wireRequest{}, adapter.E(adapter.KindBadRequest, providerName, "image_url block missing payload")
					}
					data, _, err := adapter.ResolveImage(ctx, b.ImageURL.URL)
					if err != nil {
						return wireRequest{}, err
					}
					wm.Images = append(wm.Images, adapter.EncodeBase64(data))
				default:
					return wireRequest{}, adapter.Errorf(adapter.KindBadRequest, providerName, "unsupported content block type %q", b.Type)
				}
			}
			wm.Content = sb.String()
		}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.Function.Name = tc.Function.Name
			wtc.Function.Arguments = json.RawMessage(tc.Function.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		msgs = append(msgs, wm)
	}

	wire := wireRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   stream,
		Tools:    req.Tools,
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		wire.Format = "json"
	}
	opts := wireOptions{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		NumPredict:  req.EffectiveMaxTokens(),
		Stop:        req.Stop,
		Seed:        req.Seed,
	}
	if opts.Temperature != nil || opts.TopP != nil || opts.NumPredict > 0 ||
		len(opts.Stop) > 0 || opts.Seed != nil {
		wire.Options = &opts
	}
	return wire, nil
}

func (a *Adapter) post(ctx context.Context, creds adapter.Credentials, path string, payload any) (*http.Response, error) {
	base := creds.APIBase
	if base == "" {
		base = os.Getenv("OLLAMA_API_BASE")
	}
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
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, adapter.AsError(providerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var we struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &we)
		return nil, adapter.FromHTTP(providerName, resp.StatusCode, "", "", we.Error)
	}
	return resp, nil
}

func normalizeFinish(r string) adapter.FinishReason {
	switch r {
	case "":
		return ""
	case "stop":
		return adapter.FinishStop
	case "length":
		return adapter.FinishLength
	default:
		return adapter.FinishStop
	}
}
