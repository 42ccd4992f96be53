// Package openaicompat provides a generic OpenAI-compatible provider adapter.
// Use it for any service that implements the OpenAI chat completions API
// (Groq, self-hosted vLLM, xAI, DeepSeek, Together AI, and the like); the
// wire translation is shared with the openai adapter, only naming, base URL,
// and credential fallback differ.
package openaicompat

import (
	"context"
	"os"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/modelriver/modelriver/internal/adapter"
	"github.com/modelriver/modelriver/internal/adapter/openai"
)

// Adapter speaks the OpenAI wire protocol against a configurable endpoint.
type Adapter struct {
	name      string
	baseURL   string
	keyEnv    string
	baseEnv   string
	modelHint []string
	client    openaiSDK.Client
}

type Option func(*Adapter)

// WithModelHints sets the model-name prefixes SupportsModel answers to.
func WithModelHints(prefixes ...string) Option {
	return func(a *Adapter) { a.modelHint = prefixes }
}

// New creates an adapter for one OpenAI-compatible provider type.
//
//   - name    - provider type used for routing and logs, e.g. "groq".
//   - baseURL - default API base, e.g. "https://api.groq.com/openai/v1".
//   - keyEnv  - env var consulted when no stored key resolves.
//   - baseEnv - env var overriding the default base URL ("" to disable).
func New(name, baseURL, keyEnv, baseEnv string, opts ...Option) *Adapter {
	a := &Adapter{
		name:    name,
		baseURL: baseURL,
		keyEnv:  keyEnv,
		baseEnv: baseEnv,
		client:  openaiSDK.NewClient(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Groq returns the adapter for the hosted Groq API.
func Groq() *Adapter {
	return New("groq", "https://api.groq.com/openai/v1", "GROQ_API_KEY", "",
		WithModelHints("llama-", "llama3-", "meta-llama/", "qwen/", "moonshotai/"))
}

// VLLM returns the adapter for self-hosted vLLM servers. vLLM typically runs
// keyless; a placeholder key satisfies the Authorization header.
func VLLM() *Adapter {
	return New("vllm", "http://localhost:8000/v1", "HOSTED_VLLM_API_KEY", "HOSTED_VLLM_API_BASE")
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() map[adapter.Capability]bool {
	return map[adapter.Capability]bool{
		adapter.CapChat:      true,
		adapter.CapStreaming: true,
		adapter.CapTools:     true,
		adapter.CapJSONMode:  true,
	}
}

func (a *Adapter) ModelTypes() []adapter.ModelType {
	return []adapter.ModelType{adapter.ModelTypeChat}
}

func (a *Adapter) SupportsModel(model string) bool {
	for _, p := range a.modelHint {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func (a *Adapter) Chat(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
	params, err := openai.BuildParams(req)
	if err != nil {
		return nil, err
	}
	opts, err := a.requestOptions(creds)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, openai.ClassifySDKError(a.name, err)
	}
	return openai.ResponseFromSDK(resp), nil
}

func (a *Adapter) Stream(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (<-chan adapter.StreamChunk, error) {
	params, err := openai.BuildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}
	opts, err := a.requestOptions(creds)
	if err != nil {
		return nil, err
	}
	stream := a.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	return openai.PumpStream(ctx, a.name, stream), nil
}

func (a *Adapter) requestOptions(creds adapter.Credentials) ([]option.RequestOption, error) {
	key := creds.APIKey
	if key == "" && a.keyEnv != "" {
		key = os.Getenv(a.keyEnv)
	}
	if key == "" && a.name == "vllm" {
		key = "none"
	}
	if key == "" {
		return nil, adapter.E(adapter.KindAuthentication, a.name, "no API key configured")
	}
	base := creds.APIBase
	if base == "" && a.baseEnv != "" {
		base = os.Getenv(a.baseEnv)
	}
	if base == "" {
		base = a.baseURL
	}
	return []option.RequestOption{option.WithAPIKey(key), option.WithBaseURL(base)}, nil
}
