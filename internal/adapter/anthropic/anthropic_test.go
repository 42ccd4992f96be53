package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelriver/modelriver/internal/adapter"
)

func testCreds(srv *httptest.Server) adapter.Credentials {
	return adapter.Credentials{APIKey: "mock-api-key", APIBase: srv.URL}
}

func baseRequest() *adapter.CompletionRequest {
	return &adapter.CompletionRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []adapter.Message{{Role: "user", Content: adapter.Text("Hello")}},
	}
}

func TestAdapter_Chat_Success(t *testing.T) {
	responseBody := map[string]any{
		"id":    "msg_123",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-sonnet-4-20250514",
		"content": []any{
			map[string]any{"type": "text", "text": "Hi there!"},
		},
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":            12,
			"output_tokens":           4,
			"cache_read_input_tokens": 3,
		},
	}

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "mock-api-key" {
			t.Errorf("missing api key header, got %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	req := baseRequest()
	req.Messages = append([]adapter.Message{{Role: "system", Content: adapter.Text("Be brief.")}}, req.Messages...)

	a := New()
	resp, err := a.Chat(context.Background(), req, testCreds(srv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// System turns must fold into the request-level system prompt.
	if captured["system"] == nil {
		t.Error("system prompt was not set")
	}
	if msgs, _ := captured["messages"].([]any); len(msgs) != 1 {
		t.Errorf("expected 1 wire message, got %d", len(msgs))
	}
	// Anthropic requires max_tokens even when the client sends none.
	if captured["max_tokens"] == nil {
		t.Error("max_tokens default was not applied")
	}

	if resp.ID != "msg_123" {
		t.Errorf("expected msg_123, got %q", resp.ID)
	}
	if resp.Choices[0].FinishReason != adapter.FinishStop {
		t.Errorf("expected finish 'stop', got %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 4 || resp.Usage.TotalTokens != 16 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Usage.CacheReadInputTokens != 3 {
		t.Errorf("cache read tokens lost: %+v", resp.Usage)
	}
}

func TestAdapter_Chat_ToolUse(t *testing.T) {
	responseBody := `{
		"id":"msg_tool","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
		"content":[{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Oslo"}}],
		"stop_reason":"tool_use",
		"usage":{"input_tokens":30,"output_tokens":12}
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(responseBody))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Tools = []adapter.Tool{{
		Type: "function",
		Function: adapter.ToolFunction{
			Name:       "get_weather",
			Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		},
	}}

	a := New()
	resp, err := a.Chat(context.Background(), req, testCreds(srv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].FinishReason != adapter.FinishToolCalls {
		t.Errorf("expected finish 'tool_calls', got %q", resp.Choices[0].FinishReason)
	}
	tc := resp.Choices[0].Message.ToolCalls
	if len(tc) != 1 || tc[0].ID != "toolu_1" || tc[0].Function.Name != "get_weather" {
		t.Fatalf("unexpected tool calls: %+v", tc)
	}
	if !strings.Contains(tc[0].Function.Arguments, "Oslo") {
		t.Errorf("arguments lost: %q", tc[0].Function.Arguments)
	}
}

func TestAdapter_Stream(t *testing.T) {
	events := []struct{ event, data string }{
		{"message_start", `{"type":"message_start","message":{"id":"msg_s1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"usage":{"input_tokens":9,"output_tokens":1}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.event, ev.data)
			if ok {
				flusher.Flush()
			}
		}
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
	var finish adapter.FinishReason
	var usage *adapter.Usage
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
	if content != "Hello" {
		t.Errorf("expected 'Hello', got %q", content)
	}
	if finish != adapter.FinishStop {
		t.Errorf("expected finish 'stop', got %q", finish)
	}
	if usage == nil || usage.PromptTokens != 9 || usage.CompletionTokens != 2 {
		t.Errorf("unexpected usage: %+v", usage)
	}
}

func TestAdapter_Chat_Overloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	a := New()
	_, err := a.Chat(context.Background(), baseRequest(), testCreds(srv))
	var ae *adapter.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *adapter.Error, got %T: %v", err, err)
	}
	if ae.Kind != adapter.KindUnavailable {
		t.Errorf("expected service unavailable, got %s", ae.Kind)
	}
	if !ae.Retriable() {
		t.Error("overloaded should be retriable")
	}
}

func TestAdapter_MissingKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	a := New()
	_, err := a.Chat(context.Background(), baseRequest(), adapter.Credentials{})
	if adapter.KindOf(err) != adapter.KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
}
