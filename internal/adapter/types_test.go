package adapter

import (
	"encoding/json"
	"errors"
	"testing"
)

func f64(v float64) *float64 { return &v }

func validReq() *CompletionRequest {
	return &CompletionRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: Text("hi")}},
	}
}

func TestValidateAcceptsBoundaryValues(t *testing.T) {
	for _, temp := range []float64{0, 2} {
		r := validReq()
		r.Temperature = f64(temp)
		if err := r.Validate(); err != nil {
			t.Errorf("temperature %v should be accepted: %v", temp, err)
		}
	}
	r := validReq()
	r.TopP = f64(1)
	if err := r.Validate(); err != nil {
		t.Errorf("top_p 1 should be accepted: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CompletionRequest)
	}{
		{"missing model", func(r *CompletionRequest) { r.Model = "" }},
		{"empty messages", func(r *CompletionRequest) { r.Messages = nil }},
		{"temperature too high", func(r *CompletionRequest) { r.Temperature = f64(2.1) }},
		{"temperature negative", func(r *CompletionRequest) { r.Temperature = f64(-0.1) }},
		{"top_p too high", func(r *CompletionRequest) { r.TopP = f64(1.01) }},
		{"both token caps", func(r *CompletionRequest) { r.MaxTokens = 10; r.MaxCompletionTokens = 10 }},
		{"bad role", func(r *CompletionRequest) { r.Messages[0].Role = "robot" }},
		{"tool message without id", func(r *CompletionRequest) {
			r.Messages = append(r.Messages, Message{Role: "tool", Content: Text("out")})
		}},
	}
	for _, tc := range cases {
		r := validReq()
		tc.mutate(r)
		err := r.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		var ae *Error
		if !errors.As(err, &ae) || ae.Kind != KindBadRequest {
			t.Errorf("%s: expected KindBadRequest, got %v", tc.name, err)
		}
	}
}

func TestEffectiveMaxTokens(t *testing.T) {
	r := validReq()
	r.MaxTokens = 128
	if got := r.EffectiveMaxTokens(); got != 128 {
		t.Errorf("got %d, want 128", got)
	}
	r = validReq()
	r.MaxCompletionTokens = 64
	if got := r.EffectiveMaxTokens(); got != 64 {
		t.Errorf("got %d, want 64", got)
	}
}

func TestContentStringOrBlocks(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &m); err != nil {
		t.Fatalf("string content: %v", err)
	}
	if m.Content.Text != "hello" || m.Content.Blocks != nil {
		t.Errorf("unexpected content %+v", m.Content)
	}

	raw := `{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"https://x/y.png"}}]}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("block content: %v", err)
	}
	if len(m.Content.Blocks) != 2 || m.Content.Blocks[1].ImageURL.URL != "https://x/y.png" {
		t.Errorf("unexpected blocks %+v", m.Content.Blocks)
	}
	if m.Content.Flatten() != "a" {
		t.Errorf("Flatten = %q", m.Content.Flatten())
	}

	// Round trip keeps the array shape.
	out, err := json.Marshal(m.Content)
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != '[' {
		t.Errorf("block content should marshal as array, got %s", out)
	}
}

func TestParseToolChoice(t *testing.T) {
	tc, err := ParseToolChoice(json.RawMessage(`"auto"`))
	if err != nil || tc.Mode != "auto" {
		t.Errorf("auto: got %+v, %v", tc, err)
	}
	tc, err = ParseToolChoice(json.RawMessage(`{"type":"function","function":{"name":"get_weather"}}`))
	if err != nil || tc.Mode != "tool" || tc.Name != "get_weather" {
		t.Errorf("named: got %+v, %v", tc, err)
	}
	if _, err = ParseToolChoice(json.RawMessage(`"sometimes"`)); err == nil {
		t.Error("invalid mode should fail")
	}
	tc, err = ParseToolChoice(nil)
	if tc != nil || err != nil {
		t.Errorf("nil raw: got %+v, %v", tc, err)
	}
}
