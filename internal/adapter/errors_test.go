package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestFromHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		wantKind  Kind
		retriable bool
	}{
		{400, KindBadRequest, false},
		{401, KindAuthentication, false},
		{403, KindPermissionDenied, false},
		{404, KindNotFound, false},
		{408, KindTimeout, true},
		{422, KindBadRequest, false},
		{429, KindRateLimit, true},
		{500, KindAPI, true},
		{502, KindAPI, true},
		{503, KindUnavailable, true},
		{504, KindTimeout, true},
		{529, KindUnavailable, true},
	}
	for _, tc := range cases {
		e := FromHTTP("openai", tc.status, "", "", "boom")
		if e.Kind != tc.wantKind {
			t.Errorf("status %d: kind %s, want %s", tc.status, e.Kind, tc.wantKind)
		}
		if e.Retriable() != tc.retriable {
			t.Errorf("status %d: retriable %v, want %v", tc.status, e.Retriable(), tc.retriable)
		}
	}
}

func TestFromHTTPTextRefinement(t *testing.T) {
	e := FromHTTP("openai", 400, "context_length_exceeded", "", "too long")
	if e.Kind != KindContextLength {
		t.Errorf("code refinement: got %s", e.Kind)
	}
	e = FromHTTP("anthropic", 400, "", "", "prompt is too long: 250000 tokens > 200000 maximum")
	if e.Kind != KindContextLength {
		t.Errorf("message refinement: got %s", e.Kind)
	}
	e = FromHTTP("azure", 400, "content_filter", "", "filtered")
	if e.Kind != KindContentPolicy {
		t.Errorf("content filter: got %s", e.Kind)
	}
	e = FromHTTP("anthropic", 500, "", "", "Overloaded")
	if e.Kind != KindUnavailable {
		t.Errorf("overloaded text: got %s", e.Kind)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	if got := (&Error{Kind: KindContextLength}).HTTPStatus(); got != 400 {
		t.Errorf("context length -> %d, want 400", got)
	}
	if got := (&Error{Kind: KindRateLimit}).HTTPStatus(); got != 429 {
		t.Errorf("rate limit -> %d, want 429", got)
	}
	if got := (&Error{Kind: KindTimeout}).HTTPStatus(); got != 504 {
		t.Errorf("timeout -> %d, want 504", got)
	}
	if got := (&Error{Kind: KindRouter}).HTTPStatus(); got != 503 {
		t.Errorf("router -> %d, want 503", got)
	}
	if got := (&Error{Kind: KindAPI}).HTTPStatus(); got != 500 {
		t.Errorf("api error -> %d, want 500", got)
	}
	if got := (&Error{Kind: KindConnection}).HTTPStatus(); got != 502 {
		t.Errorf("connection -> %d, want 502", got)
	}
}

func TestAsErrorClassifiesForeignErrors(t *testing.T) {
	e := AsError("openai", context.DeadlineExceeded)
	if e.Kind != KindTimeout {
		t.Errorf("deadline: got %s", e.Kind)
	}
	if !errors.Is(e, context.DeadlineExceeded) {
		t.Error("wrapped cause lost")
	}

	e = AsError("openai", fmt.Errorf("mystery"))
	if e.Kind != KindAPI {
		t.Errorf("foreign: got %s", e.Kind)
	}

	orig := E(KindBadRequest, "openai", "bad")
	if got := AsError("openai", fmt.Errorf("wrap: %w", orig)); got != orig {
		t.Error("tagged error should pass through unchanged")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("30"); d != 30*time.Second {
		t.Errorf("got %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("empty: got %v", d)
	}
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if d := ParseRetryAfter(future); d <= 80*time.Second || d > 90*time.Second {
		t.Errorf("future http-date: got %v, want ~90s", d)
	}
	if d := ParseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"); d != 0 {
		t.Errorf("past http-date: got %v", d)
	}
}
