// Package mistral implements the Mistral provider adapter. Mistral speaks
// the OpenAI wire protocol, so the normalized types marshal straight onto the
// wire; only the token cap field and finish reasons need adjusting.
package mistral

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
	defaultBaseURL = "https://api.mistral.ai/v1"
	providerName   = "mistral"
)

type wireRequest struct {
	*adapter.CompletionRequest
	ToolChoice any `json:"tool_choice,omitempty"`
}

type wireError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

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
		adapter.CapJSONMode:  true,
	}
}

func (a *Adapter) ModelTypes() []adapter.ModelType {
	return []adapter.ModelType{adapter.ModelTypeChat, adapter.ModelTypeEmbedding}
}

func (a *Adapter) SupportsModel(model string) bool {
	for _, p := range []string{"mistral-", "ministral-", "codestral-", "pixtral-", "open-mistral-", "open-mixtral-", "magistral-", "devstral-"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func (a *Adapter) Chat(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
	resp, err := a.post(ctx, creds, "/chat/completions", buildWire(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out adapter.CompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, adapter.Wrap(adapter.KindAPI, providerName, err)
	}
	for i := range out.Choices {
		out.Choices[i].FinishReason = normalizeFinish(out.Choices[i].FinishReason)
	}
	return &out, nil
}

func (a *Adapter) Stream(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (<-chan adapter.StreamChunk, error) {
	resp, err := a.post(ctx, creds, "/chat/completions", buildWire(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}
			var chunk adapter.StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			for i := range chunk.Choices {
				chunk.Choices[i].FinishReason = normalizeFinish(chunk.Choices[i].FinishReason)
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- adapter.StreamChunk{
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

	resp, err := a.post(ctx, creds, "/embeddings", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var er struct {
		Model string                  `json:"model"`
		Data  []adapter.EmbeddingData `json:"data"`
		Usage adapter.Usage           `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, adapter.Wrap(adapter.KindAPI, providerName, err)
	}
	return &adapter.EmbeddingResponse{Model: er.Model, Data: er.Data, Usage: er.Usage}, nil
}

func buildWire(req *adapter.CompletionRequest, stream bool) wireRequest {
	// Copy so field rewrites don't leak into retries on other providers.
	r := *req
	r.Stream = stream
	// Mistral only understands max_tokens.
	r.MaxTokens = req.EffectiveMaxTokens()
	r.MaxCompletionTokens = 0

	w := wireRequest{CompletionRequest: &r}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case "tool":
			w.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]string{"name": tc.Name},
			}
		case "required":
			w.ToolChoice = "any" // Mistral's spelling of "required"
		default:
			w.ToolChoice = tc.Mode
		}
	}
	return w
}

func (a *Adapter) post(ctx context.Context, creds adapter.Credentials, path string, payload any) (*http.Response, error) {
	key := creds.APIKey
	if key == "" {
		key = os.Getenv("MISTRAL_API_KEY")
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
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

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

	var we wireError
	msg, errType, code := "", "", ""
	if json.Unmarshal(body, &we) == nil {
		if we.Error != nil {
			msg, errType, code = we.Error.Message, we.Error.Type, we.Error.Code
		} else {
			msg = we.Message
		}
	}
	e := adapter.FromHTTP(providerName, resp.StatusCode, code, errType, msg)
	e.RetryAfter = adapter.ParseRetryAfter(resp.Header.Get("Retry-After"))
	return e
}

func normalizeFinish(r adapter.FinishReason) adapter.FinishReason {
	switch string(r) {
	case "":
		return ""
	case "stop":
		return adapter.FinishStop
	case "length", "model_length":
		return adapter.FinishLength
	case "tool_calls":
		return adapter.FinishToolCalls
	case "content_filter":
		return adapter.FinishContentFilter
	default:
		return adapter.FinishStop
	}
}
