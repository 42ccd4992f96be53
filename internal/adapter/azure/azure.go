// Package azure implements the Azure OpenAI provider adapter. Azure uses
// deployment-based URLs and the "api-key" header instead of the standard
// "Authorization: Bearer" scheme; the body is plain OpenAI wire.
//
// Resolved credential settings:
//   - api_base    - resource endpoint, e.g. "https://myresource.openai.azure.com"
//   - api_version - e.g. "2024-12-01-preview" (settings key "api_version")
//
// Environment fallback: AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_API_KEY,
// AZURE_OPENAI_API_VERSION. Model names with an "azure-" prefix have it
// stripped to derive the deployment name.
package azure

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

	"github.com/modelriver/modelriver/internal/adapter"
)

const (
	providerName      = "azure"
	defaultAPIVersion = "2024-12-01-preview"
)

type wireRequest struct {
	*adapter.CompletionRequest
	ToolChoice any `json:"tool_choice,omitempty"`
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
		adapter.CapVision:    true,
		adapter.CapJSONMode:  true,
	}
}

func (a *Adapter) ModelTypes() []adapter.ModelType {
	return []adapter.ModelType{adapter.ModelTypeChat, adapter.ModelTypeEmbedding}
}

func (a *Adapter) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "azure-")
}

func (a *Adapter) Chat(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
	resp, err := a.post(ctx, creds, deploymentName(req.Model), "chat/completions", buildWire(req, false))
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
	resp, err := a.post(ctx, creds, deploymentName(req.Model), "chat/completions", buildWire(req, true))
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
			// Azure's first frame is often an empty content-filter preamble.
			if len(chunk.Choices) == 0 && chunk.Usage == nil {
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
		Input []string `json:"input"`
	}{Input: req.Input}

	resp, err := a.post(ctx, creds, deploymentName(req.Model), "embeddings", payload)
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
	r := *req
	r.Stream = stream
	// The deployment decides the model; Azure rejects a body-level model on
	// some API versions, so it is dropped.
	r.Model = ""
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
		default:
			w.ToolChoice = tc.Mode
		}
	}
	return w
}

func (a *Adapter) post(ctx context.Context, creds adapter.Credentials, deployment, op string, payload any) (*http.Response, error) {
	endpoint := creds.APIBase
	if endpoint == "" {
		endpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")
	}
	key := creds.APIKey
	if key == "" {
		key = os.Getenv("AZURE_OPENAI_API_KEY")
	}
	if endpoint == "" || key == "" {
		return nil, adapter.E(adapter.KindAuthentication, providerName, "endpoint or API key not configured")
	}
	apiVersion := creds.Settings["api_version"]
	if apiVersion == "" {
		apiVersion = os.Getenv("AZURE_OPENAI_API_VERSION")
	}
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, adapter.Wrap(adapter.KindBadRequest, providerName, err)
	}
	url := fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		strings.TrimRight(endpoint, "/"), deployment, op, apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, adapter.Wrap(adapter.KindBadRequest, providerName, err)
	}
	httpReq.Header.Set("api-key", key)
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
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error,omitempty"`
	}
	msg, errType, code := "", "", ""
	if json.Unmarshal(body, &we) == nil && we.Error != nil {
		msg, errType, code = we.Error.Message, we.Error.Type, we.Error.Code
	}
	e := adapter.FromHTTP(providerName, resp.StatusCode, code, errType, msg)
	e.RetryAfter = adapter.ParseRetryAfter(resp.Header.Get("Retry-After"))
	return e
}

// deploymentName strips the routing prefix: "azure-gpt-4o" → "gpt-4o".
func deploymentName(model string) string {
	return strings.TrimPrefix(model, "azure-")
}

func normalizeFinish(r adapter.FinishReason) adapter.FinishReason {
	switch string(r) {
	case "":
		return ""
	case "stop":
		return adapter.FinishStop
	case "length":
		return adapter.FinishLength
	case "tool_calls", "function_call":
		return adapter.FinishToolCalls
	case "content_filter":
		return adapter.FinishContentFilter
	default:
		return adapter.FinishStop
	}
}
