// Package gemini implements the Google Gemini provider adapter on the
// official GenAI SDK. It serves both AI Studio keys and Vertex AI projects;
// the backend is picked per dispatch from the resolved credentials.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/modelriver/modelriver/internal/adapter"
)

const providerName = "gemini"

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

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
	return strings.HasPrefix(model, "gemini-") || strings.HasPrefix(model, "gemma-")
}

func (a *Adapter) Chat(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
	client, err := a.clientFor(ctx, creds)
	if err != nil {
		return nil, err
	}
	contents, cfg, err := buildContentsAndConfig(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toAdapterError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, adapter.E(adapter.KindAPI, providerName, "empty response")
	}

	out := &adapter.CompletionResponse{
		ID:    responseID(resp, req.RequestID),
		Model: req.Model,
	}
	if resp.UsageMetadata != nil {
		out.Usage = adapter.Usage{
			PromptTokens:         int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens:     int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:          int(resp.UsageMetadata.TotalTokenCount),
			CacheReadInputTokens: int(resp.UsageMetadata.CachedContentTokenCount),
		}
	}
	for i, c := range resp.Candidates {
		if c == nil {
			continue
		}
		msg := adapter.Message{Role: "assistant"}
		var sb strings.Builder
		toolN := 0
		if c.Content != nil {
			for _, part := range c.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					sb.WriteString(part.Text)
				}
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					msg.ToolCalls = append(msg.ToolCalls, adapter.ToolCall{
						ID:   synthCallID(part.FunctionCall.Name, toolN),
						Type: "function",
						Function: adapter.ToolCallFunction{
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						},
					})
					toolN++
				}
			}
		}
		msg.Content = adapter.Text(sb.String())
		finish := normalizeFinish(c.FinishReason)
		if len(msg.ToolCalls) > 0 {
			finish = adapter.FinishToolCalls
		}
		out.Choices = append(out.Choices, adapter.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: finish,
		})
	}
	return out, nil
}

func (a *Adapter) Stream(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (<-chan adapter.StreamChunk, error) {
	client, err := a.clientFor(ctx, creds)
	if err != nil {
		return nil, err
	}
	contents, cfg, err := buildContentsAndConfig(ctx, req)
	if err != nil {
		return nil, err
	}

	id := req.RequestID
	if id == "" {
		id = generateID()
	}

	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer close(ch)
		toolN := 0
		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				ch <- adapter.StreamChunk{
					ID:      id,
					Model:   req.Model,
					Choices: []adapter.DeltaChoice{{FinishReason: adapter.FinishError}},
					Err:     toAdapterError(err),
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			c := resp.Candidates[0]
			out := adapter.StreamChunk{ID: id, Model: req.Model}
			dc := adapter.DeltaChoice{FinishReason: normalizeFinish(c.FinishReason)}
			if c.Content != nil {
				for _, part := range c.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						dc.Delta.Content += part.Text
					}
					if part.FunctionCall != nil {
						args, _ := json.Marshal(part.FunctionCall.Args)
						dc.Delta.ToolCalls = append(dc.Delta.ToolCalls, adapter.ToolCallDelta{
							Index: toolN,
							ID:    synthCallID(part.FunctionCall.Name, toolN),
							Type:  "function",
							Function: adapter.ToolCallFunction{
								Name:      part.FunctionCall.Name,
								Arguments: string(args),
							},
						})
						toolN++
					}
				}
			}
			if len(dc.Delta.ToolCalls) > 0 && dc.FinishReason == adapter.FinishStop {
				dc.FinishReason = adapter.FinishToolCalls
			}
			if resp.UsageMetadata != nil && dc.FinishReason != "" {
				out.Usage = &adapter.Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}
			if dc.Delta.Content == "" && len(dc.Delta.ToolCalls) == 0 && dc.FinishReason == "" {
				continue
			}
			out.Choices = []adapter.DeltaChoice{dc}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Embed implements adapter.Embedder. All inputs go out in one EmbedContent
// batch call.
func (a *Adapter) Embed(ctx context.Context, req *adapter.EmbeddingRequest, creds adapter.Credentials) (*adapter.EmbeddingResponse, error) {
	client, err := a.clientFor(ctx, creds)
	if err != nil {
		return nil, err
	}
	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	resp, err := client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, toAdapterError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, adapter.E(adapter.KindAPI, providerName, "empty embedding response")
	}
	data := make([]adapter.EmbeddingData, 0, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data = append(data, adapter.EmbeddingData{Index: i, Embedding: emb.Values})
	}
	return &adapter.EmbeddingResponse{Model: req.Model, Data: data}, nil
}

// clientFor builds a per-dispatch client. Vertex mode engages when the
// resolved settings (or environment) carry a project; otherwise the key goes
// to the AI Studio backend.
func (a *Adapter) clientFor(ctx context.Context, creds adapter.Credentials) (*genai.Client, error) {
	project := creds.Settings["vertex_project"]
	if project == "" {
		project = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if project != "" && creds.APIKey == "" {
		location := creds.Settings["vertex_location"]
		if location == "" {
			location = os.Getenv("GOOGLE_CLOUD_LOCATION")
		}
		if location == "" {
			location = "us-central1"
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			Backend:  genai.BackendVertexAI,
			Project:  project,
			Location: location,
		})
		if err != nil {
			return nil, adapter.Wrap(adapter.KindAuthentication, providerName, err)
		}
		return client, nil
	}

	key := creds.APIKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	if key == "" {
		return nil, adapter.E(adapter.KindAuthentication, providerName, "no API key configured")
	}
	cc := &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI}
	if creds.APIBase != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: creds.APIBase}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, adapter.Wrap(adapter.KindAuthentication, providerName, err)
	}
	return client, nil
}

func buildContentsAndConfig(ctx context.Context, req *adapter.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content.Flatten()
		case "assistant":
			parts := []*genai.Part{}
			if text := m.Content.Flatten(); text != "" {
				parts = append(parts, genai.NewPartFromText(text))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						return nil, nil, adapter.Errorf(adapter.KindBadRequest, providerName,
							"tool call %s: arguments are not valid JSON", tc.ID)
					}
				}
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Function.Name, args))
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
		case "tool":
			name := m.Name
			if name == "" {
				name = callIDName(m.ToolCallID)
			}
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{
				genai.NewPartFromFunctionResponse(name, map[string]any{"result": m.Content.Flatten()}),
			}, genai.RoleUser))
		default: // user
			parts, err := userParts(ctx, m)
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*req.TopP))
	}
	if n := req.EffectiveMaxTokens(); n > 0 {
		cfg.MaxOutputTokens = int32(n)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		cfg.ResponseMIMEType = "application/json"
	}

	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range req.Tools {
			decl := &genai.FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
			}
			if len(t.Function.Parameters) > 0 {
				var schema map[string]any
				if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
					return nil, nil, adapter.Errorf(adapter.KindBadRequest, providerName,
						"tool %q: invalid parameters schema: %v", t.Function.Name, err)
				}
				decl.ParametersJsonSchema = schema
			}
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, decl)
		}
		cfg.Tools = []*genai.Tool{tool}
	}
	if tc := req.ToolChoice; tc != nil {
		fcc := &genai.FunctionCallingConfig{}
		switch tc.Mode {
		case "none":
			fcc.Mode = genai.FunctionCallingConfigModeNone
		case "required":
			fcc.Mode = genai.FunctionCallingConfigModeAny
		case "tool":
			fcc.Mode = genai.FunctionCallingConfigModeAny
			fcc.AllowedFunctionNames = []string{tc.Name}
		default:
			fcc.Mode = genai.FunctionCallingConfigModeAuto
		}
		cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: fcc}
	}
	return contents, cfg, nil
}

func userParts(ctx context.Context, m adapter.Message) ([]*genai.Part, error) {
	if m.Content.Blocks == nil {
		return []*genai.Part{genai.NewPartFromText(m.Content.Text)}, nil
	}
	parts := make([]*genai.Part, 0, len(m.Content.Blocks))
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case "text":
			parts = append(parts, genai.NewPartFromText(b.Text))
		case "image_url":
			if b.ImageURL == nil {
				return nil, adapter.E(adapter.KindBadRequest, providerName, "image_url block missing payload")
			}
			data, mediaType, err := adapter.ResolveImage(ctx, b.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, genai.NewPartFromBytes(data, mediaType))
		default:
			return nil, adapter.Errorf(adapter.KindBadRequest, providerName, "unsupported content block type %q", b.Type)
		}
	}
	return parts, nil
}

func normalizeFinish(r genai.FinishReason) adapter.FinishReason {
	switch r {
	case "":
		return ""
	case genai.FinishReasonStop:
		return adapter.FinishStop
	case genai.FinishReasonMaxTokens:
		return adapter.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return adapter.FinishContentFilter
	default:
		return adapter.FinishStop
	}
}

func responseID(resp *genai.GenerateContentResponse, fallback string) string {
	if resp != nil && resp.ResponseID != "" {
		return resp.ResponseID
	}
	if fallback != "" {
		return fallback
	}
	return generateID()
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// Gemini does not assign tool call IDs; synthesize stable ones so OpenAI-wire
// clients can echo them back in tool results.
func synthCallID(name string, n int) string {
	return fmt.Sprintf("call_%s_%d", name, n)
}

func callIDName(id string) string {
	s := strings.TrimPrefix(id, "call_")
	if i := strings.LastIndexByte(s, '_'); i > 0 {
		return s[:i]
	}
	return s
}

func toAdapterError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return adapter.FromHTTP(providerName, apiErr.Code, apiErr.Status, "", apiErr.Message)
	}
	return adapter.AsError(providerName, err)
}
