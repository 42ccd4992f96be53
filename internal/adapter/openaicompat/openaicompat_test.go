package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelriver/modelriver/internal/adapter"
)

func baseRequest(model string) *adapter.CompletionRequest {
	return &adapter.CompletionRequest{
		Model:     model,
		Messages:  []adapter.Message{{Role: "user", Content: adapter.Text("Hello")}},
		RequestID: "req-mock-1",
	}
}

func chatOK(t *testing.T, model string, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-compat",
			"object":  "chat.completion",
			"created": 0,
			"model":   model,
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "ok"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 4, "completion_tokens": 1, "total_tokens": 5},
		})
	}))
}

func TestGroq_NameAndModelHints(t *testing.T) {
	a := Groq()
	if a.Name() != "groq" {
		t.Fatalf("expected 'groq', got %q", a.Name())
	}
	for _, m := range []string{"llama-3.3-70b-versatile", "meta-llama/llama-4-scout", "qwen/qwen3-32b"} {
		if !a.SupportsModel(m) {
			t.Errorf("expected %q to be supported", m)
		}
	}
	if a.SupportsModel("gpt-4o") {
		t.Error("gpt-4o should not match groq hints")
	}
}

func TestGroq_Chat(t *testing.T) {
	srv := chatOK(t, "llama-3.3-70b-versatile", func(r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer stored-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
	})
	defer srv.Close()

	a := Groq()
	resp, err := a.Chat(context.Background(), baseRequest("llama-3.3-70b-versatile"),
		adapter.Credentials{APIKey: "stored-key", APIBase: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content.Flatten() != "ok" {
		t.Errorf("unexpected content: %+v", resp.Choices)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("expected 5 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestGroq_KeyEnvFallback(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "env-key")

	srv := chatOK(t, "llama-3.3-70b-versatile", func(r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer env-key" {
			t.Errorf("expected env fallback key, got %s", r.Header.Get("Authorization"))
		}
	})
	defer srv.Close()

	a := Groq()
	if _, err := a.Chat(context.Background(), baseRequest("llama-3.3-70b-versatile"),
		adapter.Credentials{APIBase: srv.URL}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGroq_NoKey(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "")

	a := Groq()
	_, err := a.Chat(context.Background(), baseRequest("llama-3.3-70b-versatile"), adapter.Credentials{})
	if adapter.KindOf(err) != adapter.KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

// vLLM servers usually run keyless; the adapter must still send a bearer
// token because the wire protocol requires the header.
func TestVLLM_PlaceholderKey(t *testing.T) {
	t.Setenv("HOSTED_VLLM_API_KEY", "")
	t.Setenv("HOSTED_VLLM_API_BASE", "")

	srv := chatOK(t, "qwen3-32b", func(r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer none" {
			t.Errorf("expected placeholder bearer, got %s", r.Header.Get("Authorization"))
		}
	})
	defer srv.Close()

	a := VLLM()
	if _, err := a.Chat(context.Background(), baseRequest("qwen3-32b"),
		adapter.Credentials{APIBase: srv.URL}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVLLM_BaseEnvFallback(t *testing.T) {
	srv := chatOK(t, "qwen3-32b", nil)
	defer srv.Close()

	t.Setenv("HOSTED_VLLM_API_KEY", "")
	t.Setenv("HOSTED_VLLM_API_BASE", srv.URL)

	a := VLLM()
	resp, err := a.Chat(context.Background(), baseRequest("qwen3-32b"), adapter.Credentials{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "chatcmpl-compat" {
		t.Errorf("unexpected response id %q", resp.ID)
	}
}
