package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelriver/modelriver/internal/adapter"
)

func testCreds(srv *httptest.Server) adapter.Credentials {
	return adapter.Credentials{APIKey: "mock-api-key", APIBase: srv.URL}
}

func baseRequest() *adapter.CompletionRequest {
	return &adapter.CompletionRequest{
		Model:     "gpt-4o",
		Messages:  []adapter.Message{{Role: "user", Content: adapter.Text("Hello")}},
		RequestID: "req-mock-1",
	}
}

func TestAdapter_Name(t *testing.T) {
	a := New()
	if a.Name() != "openai" {
		t.Fatalf("expected 'openai', got %q", a.Name())
	}
}

func TestAdapter_Chat_Success(t *testing.T) {
	// Minimal chat.completion payload that openai-go/v3 can unmarshal.
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 1724500000,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	a := New()
	resp, err := a.Chat(context.Background(), baseRequest(), testCreds(srv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "chatcmpl-123" {
		t.Errorf("expected ID 'chatcmpl-123', got %q", resp.ID)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content.Flatten() != "Hello, world!" {
		t.Errorf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != adapter.FinishStop {
		t.Errorf("expected finish 'stop', got %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestAdapter_Chat_ToolCalls(t *testing.T) {
	responseBody := `{
		"id":"chatcmpl-tc","object":"chat.completion","created":0,"model":"gpt-4o",
		"choices":[{"index":0,"message":{"role":"assistant","content":"","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}}
		]},"finish_reason":"tool_calls"}],
		"usage":{"prompt_tokens":20,"completion_tokens":8,"total_tokens":28}
	}`

	var sawTools bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["tools"]; ok {
			sawTools = true
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(responseBody))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Tools = []adapter.Tool{{
		Type: "function",
		Function: adapter.ToolFunction{
			Name:       "get_weather",
			Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		},
	}}

	a := New()
	resp, err := a.Chat(context.Background(), req, testCreds(srv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sawTools {
		t.Error("tools were not forwarded upstream")
	}
	if resp.Choices[0].FinishReason != adapter.FinishToolCalls {
		t.Errorf("expected finish 'tool_calls', got %q", resp.Choices[0].FinishReason)
	}
	tc := resp.Choices[0].Message.ToolCalls
	if len(tc) != 1 || tc[0].Function.Name != "get_weather" || !strings.Contains(tc[0].Function.Arguments, "Oslo") {
		t.Errorf("unexpected tool calls: %+v", tc)
	}
}

func TestAdapter_Stream(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	a := New()
	ch, err := a.Stream(context.Background(), req, testCreds(srv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content string
	var usage *adapter.Usage
	var finish adapter.FinishReason
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, c := range chunk.Choices {
			content += c.Delta.Content
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}
	if content != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content)
	}
	if finish != adapter.FinishStop {
		t.Errorf("expected finish 'stop', got %q", finish)
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Errorf("expected usage from final chunk, got %+v", usage)
	}
}

func TestAdapter_Chat_RateLimit(t *testing.T) {
	errBody := map[string]any{
		"error": map[string]any{
			"message": "Rate limit exceeded",
			"type":    "rate_limit_error",
			"code":    "rate_limit_exceeded",
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	a := New()
	_, err := a.Chat(context.Background(), baseRequest(), testCreds(srv))
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}
	var ae *adapter.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *adapter.Error, got %T: %v", err, err)
	}
	if ae.Kind != adapter.KindRateLimit {
		t.Errorf("expected rate limit kind, got %s", ae.Kind)
	}
	if !ae.Retriable() {
		t.Error("rate limit should be retriable")
	}
	if ae.RetryAfter != 12*time.Second {
		t.Errorf("expected Retry-After 12s, got %v", ae.RetryAfter)
	}
}

func TestAdapter_MissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	a := New()
	_, err := a.Chat(context.Background(), baseRequest(), adapter.Credentials{})
	if adapter.KindOf(err) != adapter.KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestValidateRejectsBadBlockType(t *testing.T) {
	req := baseRequest()
	req.Messages = []adapter.Message{{
		Role:    "user",
		Content: adapter.Content{Blocks: []adapter.ContentBlock{{Type: "video_url"}}},
	}}
	_, err := BuildParams(req)
	if adapter.KindOf(err) != adapter.KindBadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
}
