package gemini

import (
	"context"
	"encoding/json"
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
		Model:    "gemini-2.0-flash",
		Messages: []adapter.Message{{Role: "user", Content: adapter.Text("Hello")}},
	}
}

func TestAdapter_Chat_Success(t *testing.T) {
	responseBody := map[string]any{
		"responseId": "resp-1",
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": "Hi!"}},
				},
				"finishReason": "STOP",
				"index":        0,
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     7,
			"candidatesTokenCount": 3,
			"totalTokenCount":      10,
		},
	}

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
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

	if captured["systemInstruction"] == nil {
		t.Error("system turn should become systemInstruction")
	}
	if resp.ID != "resp-1" {
		t.Errorf("expected resp-1, got %q", resp.ID)
	}
	if resp.Choices[0].Message.Content.Flatten() != "Hi!" {
		t.Errorf("unexpected content: %+v", resp.Choices[0].Message)
	}
	if resp.Choices[0].FinishReason != adapter.FinishStop {
		t.Errorf("expected finish 'stop', got %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 7 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 10 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestAdapter_Chat_FunctionCall(t *testing.T) {
	responseBody := `{
		"candidates":[{
			"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"Oslo"}}}]},
			"finishReason":"STOP","index":0
		}],
		"usageMetadata":{"promptTokenCount":15,"candidatesTokenCount":6,"totalTokenCount":21}
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
			Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
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
	if len(tc) != 1 || tc[0].Function.Name != "get_weather" {
		t.Fatalf("unexpected tool calls: %+v", tc)
	}
	if !strings.Contains(tc[0].Function.Arguments, "Oslo") {
		t.Errorf("arguments lost: %q", tc[0].Function.Arguments)
	}
	if tc[0].ID == "" {
		t.Error("tool call ID must be synthesized")
	}
}

func TestAdapter_MissingKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	a := New()
	_, err := a.Chat(context.Background(), baseRequest(), adapter.Credentials{})
	if adapter.KindOf(err) != adapter.KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestSynthCallIDRoundTrip(t *testing.T) {
	id := synthCallID("get_weather", 0)
	if got := callIDName(id); got != "get_weather" {
		t.Errorf("got %q, want get_weather", got)
	}
}

func TestNormalizeFinish(t *testing.T) {
	if normalizeFinish("MAX_TOKENS") != adapter.FinishLength {
		t.Error("MAX_TOKENS should map to length")
	}
	if normalizeFinish("SAFETY") != adapter.FinishContentFilter {
		t.Error("SAFETY should map to content_filter")
	}
	if normalizeFinish("") != "" {
		t.Error("empty should stay empty")
	}
}
