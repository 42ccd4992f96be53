// Package gateway is the HTTP data plane. It parses OpenAI-compatible
// requests, runs the admission chain (authentication, rate limit, model
// allow/block lists, budget), hands dispatch to the router, and renders
// unary JSON or SSE responses. Spend recording is scheduled after the
// response is produced and never blocks the request path.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/modelriver/modelriver/internal/adapter"
	"github.com/modelriver/modelriver/internal/auth"
	"github.com/modelriver/modelriver/internal/deploycache"
	"github.com/modelriver/modelriver/internal/metrics"
	"github.com/modelriver/modelriver/internal/ratelimit"
	"github.com/modelriver/modelriver/internal/router"
	"github.com/modelriver/modelriver/internal/spend"
	"github.com/modelriver/modelriver/internal/store"
	"github.com/modelriver/modelriver/pkg/apierr"
)

// Dispatcher is the router surface the gateway consumes. *router.Router
// implements it; tests substitute fakes.
type Dispatcher interface {
	Complete(ctx context.Context, req *adapter.CompletionRequest, orgID, teamID *uuid.UUID) (*adapter.CompletionResponse, *router.Dispatch, error)
	Stream(ctx context.Context, req *adapter.CompletionRequest, orgID, teamID *uuid.UUID) (<-chan adapter.StreamChunk, *router.Dispatch, error)
	Embed(ctx context.Context, req *adapter.EmbeddingRequest, orgID, teamID *uuid.UUID) (*adapter.EmbeddingResponse, *router.Dispatch, error)
}

// SpendSink accepts terminated-request accounting records. *spend.Recorder
// implements it.
type SpendSink interface {
	Record(spend.Record)
	Dropped() int64
}

// Pinger is the readiness probe for the backing database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the server's dependencies. Logger, Metrics, RateLimiter,
// Spend, DB, Tracker, DeployCache and SSO are optional and nil-safe.
type Options struct {
	Logger      *slog.Logger
	Metrics     *metrics.Registry
	Auth        *auth.Authenticator
	RateLimiter *ratelimit.RPMLimiter
	Dispatcher  Dispatcher
	Spend       SpendSink
	Store       store.Store
	DB          Pinger
	Tracker     *router.Tracker
	DeployCache *deploycache.Cache
	SSO         *auth.SSO

	CORSOrigins  []string
	StaticModels []string
	Version      string
}

// Server is the gateway HTTP server.
type Server struct {
	log         *slog.Logger
	metrics     *metrics.Registry
	auth        *auth.Authenticator
	limiter     *ratelimit.RPMLimiter
	dispatcher  Dispatcher
	spend       SpendSink
	store       store.Store
	db          Pinger
	tracker     *router.Tracker
	deployCache *deploycache.Cache
	sso         *auth.SSO

	corsOrigins  []string
	staticModels []string
	version      string
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:          log,
		metrics:      opts.Metrics,
		auth:         opts.Auth,
		limiter:      opts.RateLimiter,
		dispatcher:   opts.Dispatcher,
		spend:        opts.Spend,
		store:        opts.Store,
		db:           opts.DB,
		tracker:      opts.Tracker,
		deployCache:  opts.DeployCache,
		sso:          opts.SSO,
		corsOrigins:  opts.CORSOrigins,
		staticModels: opts.StaticModels,
		version:      opts.Version,
	}
}

// chatRequest embeds the normalized request and captures the raw tool_choice
// wire value, which accepts both a mode string and a named-function object.
type chatRequest struct {
	adapter.CompletionRequest
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
}

// handleChatCompletions serves POST /v1/chat/completions, both unary and SSE.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	streaming := false

	if s.metrics != nil {
		s.metrics.IncInFlight()
	}
	defer func() {
		if s.metrics == nil || streaming {
			return // streams are finalised by the body writer
		}
		s.metrics.DecInFlight()
		s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse and validate.
	var req chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.APIError{
			Message: fmt.Sprintf("invalid JSON: %s", err.Error()),
			Type:    apierr.TypeInvalidRequest,
			Code:    apierr.CodeInvalidRequest,
		})
		return
	}
	tc, err := adapter.ParseToolChoice(req.ToolChoice)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.APIError{
			Message: err.Error(),
			Type:    apierr.TypeInvalidRequest,
			Code:    apierr.CodeInvalidRequest,
			Param:   "tool_choice",
		})
		return
	}
	req.CompletionRequest.ToolChoice = tc
	req.RequestID = reqID
	if err := req.CompletionRequest.Validate(); err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	// 2. Admission chain.
	actx, ok := s.admit(ctx, req.Model)
	if !ok {
		return
	}

	s.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// 3a. Streaming dispatch. The cancel func aborts the upstream attempt
	// when the client disconnects mid-stream.
	if req.Stream {
		streamCtx, cancelStream := context.WithCancel(ctx)
		stream, disp, err := s.dispatcher.Stream(streamCtx, &req.CompletionRequest, actx.OrgID, actx.TeamID)
		if err != nil {
			cancelStream()
			s.recordSpend(reqID, actx, disp, req.Model, "chat", adapter.Usage{}, err)
			s.logDispatchError(ctx, reqID, req.Model, disp, err)
			apierr.WriteError(ctx, err)
			return
		}
		streaming = true
		s.writeSSE(ctx, stream, req.Model, cancelStream, func(usage adapter.Usage, streamErr error) {
			s.recordSpend(reqID, actx, disp, req.Model, "chat", usage, streamErr)
			if s.metrics != nil {
				s.metrics.DecInFlight()
				s.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
				s.metrics.AddTokens(req.Model, usage.PromptTokens, usage.CompletionTokens)
			}
		})
		return
	}

	// 3b. Unary dispatch.
	resp, disp, err := s.dispatcher.Complete(ctx, &req.CompletionRequest, actx.OrgID, actx.TeamID)
	if err != nil {
		s.recordSpend(reqID, actx, disp, req.Model, "chat", adapter.Usage{}, err)
		s.logDispatchError(ctx, reqID, req.Model, disp, err)
		apierr.WriteError(ctx, err)
		return
	}

	body, merr := json.Marshal(openAIChatEnvelope(resp))
	if merr != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.APIError{
			Message: "failed to serialize response",
			Type:    apierr.TypeServerError,
			Code:    apierr.CodeInternalError,
		})
		return
	}

	s.recordSpend(reqID, actx, disp, req.Model, "chat", resp.Usage, nil)
	if s.metrics != nil {
		s.metrics.AddTokens(req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		if resp.HiddenParams != nil {
			s.metrics.AddSpend(req.Model, disp.Provider, resp.HiddenParams.ResponseCost)
		}
	}

	s.log.DebugContext(ctx, "chat_ok",
		slog.String("request_id", reqID),
		slog.String("provider", disp.Provider),
		slog.String("model", req.Model),
		slog.Int("attempts", disp.Attempts),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// embeddingRequest mirrors the OpenAI POST /v1/embeddings body. The "input"
// field accepts a string or an array of strings.
type embeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format"`
}

func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// handleEmbeddings serves POST /v1/embeddings.
func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"

	if s.metrics != nil {
		s.metrics.IncInFlight()
	}
	defer func() {
		if s.metrics == nil {
			return
		}
		s.metrics.DecInFlight()
		s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req embeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.APIError{
			Message: fmt.Sprintf("invalid JSON: %s", err.Error()),
			Type:    apierr.TypeInvalidRequest,
			Code:    apierr.CodeInvalidRequest,
		})
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.APIError{
			Message: "field 'model' is required",
			Type:    apierr.TypeInvalidRequest,
			Code:    apierr.CodeInvalidRequest,
			Param:   "model",
		})
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.APIError{
			Message: err.Error(),
			Type:    apierr.TypeInvalidRequest,
			Code:    apierr.CodeInvalidRequest,
			Param:   "input",
		})
		return
	}

	actx, ok := s.admit(ctx, req.Model)
	if !ok {
		return
	}

	embReq := &adapter.EmbeddingRequest{Model: req.Model, Input: inputs, RequestID: reqID}
	resp, disp, err := s.dispatcher.Embed(ctx, embReq, actx.OrgID, actx.TeamID)
	if err != nil {
		s.recordSpend(reqID, actx, disp, req.Model, "embedding", adapter.Usage{}, err)
		s.logDispatchError(ctx, reqID, req.Model, disp, err)
		apierr.WriteError(ctx, err)
		return
	}

	out := struct {
		Object string                  `json:"object"`
		Data   []adapter.EmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}{Object: "list", Data: resp.Data, Model: resp.Model}
	out.Usage.PromptTokens = resp.Usage.PromptTokens
	out.Usage.TotalTokens = resp.Usage.TotalTokens

	body, merr := json.Marshal(out)
	if merr != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.APIError{
			Message: "failed to serialize response",
			Type:    apierr.TypeServerError,
			Code:    apierr.CodeInternalError,
		})
		return
	}

	s.recordSpend(reqID, actx, disp, req.Model, "embedding", resp.Usage, nil)
	if s.metrics != nil {
		s.metrics.AddTokens(req.Model, resp.Usage.PromptTokens, 0)
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// admit runs the pre-dispatch admission chain: bearer token resolution, RPM
// limit, model allow/block lists, then budget. On rejection it writes the
// error response and returns ok=false.
func (s *Server) admit(ctx *fasthttp.RequestCtx, model string) (*auth.Context, bool) {
	token := bearerToken(ctx)

	actx, err := s.auth.Resolve(ctx, token)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure("invalid_token")
		}
		apierr.WriteError(ctx, err)
		return nil, false
	}

	if s.limiter != nil {
		allowed, lerr := s.limiter.Allow(ctx, rateLimitID(actx))
		if lerr == nil && !allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimit("blocked")
			}
			apierr.WriteError(ctx, adapter.E(adapter.KindRateLimit, "",
				"rate limit exceeded, retry after a minute"))
			return nil, false
		}
		if s.metrics != nil {
			if lerr != nil {
				s.metrics.RecordRateLimit("error")
			} else {
				s.metrics.RecordRateLimit("allowed")
			}
		}
	}

	if !actx.ModelAllowed(model) {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure("model_not_allowed")
		}
		apierr.WriteError(ctx, adapter.Errorf(adapter.KindPermissionDenied, "",
			"API key is not allowed to access model %s", model))
		return nil, false
	}

	if actx.BudgetExceeded() {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure("budget_exceeded")
		}
		apierr.WriteError(ctx, adapter.E(adapter.KindBudgetExceeded, "",
			"budget exceeded for this API key"))
		return nil, false
	}

	return actx, true
}

// recordSpend schedules accounting for one terminated request. Never blocks.
func (s *Server) recordSpend(reqID string, actx *auth.Context, disp *router.Dispatch, model, endpoint string, usage adapter.Usage, err error) {
	if s.spend == nil {
		return
	}
	rec := spend.Record{
		RequestID:    reqID,
		APIKeyID:     actx.KeyID,
		UserID:       actx.UserID,
		TeamID:       actx.TeamID,
		OrgID:        actx.OrgID,
		Model:        model,
		EndpointType: endpoint,
		Usage:        usage,
		Status:       "success",
		CreatedAt:    time.Now(),
	}
	if disp != nil {
		// rec.Model stays the requested public model: fallback routing must
		// not change what the caller is billed for.
		rec.Provider = disp.Provider
		if !disp.Started.IsZero() {
			rec.LatencyMs = time.Since(disp.Started).Milliseconds()
		}
	}
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
	}
	s.spend.Record(rec)
}

func (s *Server) logDispatchError(ctx *fasthttp.RequestCtx, reqID, model string, disp *router.Dispatch, err error) {
	attrs := []any{
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.String("error", err.Error()),
	}
	if disp != nil {
		attrs = append(attrs,
			slog.String("provider", disp.Provider),
			slog.Int("attempts", disp.Attempts))
	}
	s.log.ErrorContext(ctx, "dispatch_failed", attrs...)
}

// writeSSE renders a chunk stream as Server-Sent Events. Exactly one [DONE]
// marker terminates the stream, after a mid-flight error event if the
// upstream died. A failed flush means the client is gone: the dispatch is
// cancelled, the rest of the stream is drained, and no [DONE] is written.
// onComplete receives the final usage (zero if the provider never reported
// one) and the terminal error. cancel must be non-nil.
func (s *Server) writeSSE(ctx *fasthttp.RequestCtx, stream <-chan adapter.StreamChunk, publicModel string, cancel context.CancelFunc, onComplete func(adapter.Usage, error)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var (
			usage        adapter.Usage
			streamErr    error
			disconnected bool
		)
		// Settlement runs even when the writer panics on a dead connection:
		// abort the upstream attempt, drain the channel so the router settles
		// the dispatch, then account for the request.
		defer func() {
			if r := recover(); r != nil && streamErr == nil {
				streamErr = adapter.E(adapter.KindConnection, "",
					"client disconnected during stream")
			}
			cancel()
			for range stream {
			}
			if onComplete != nil {
				onComplete(usage, streamErr)
			}
		}()

		for chunk := range stream {
			if chunk.Err != nil {
				streamErr = chunk.Err
				writeSSEError(w, chunk.Err)
				break
			}
			chunk.Model = publicModel
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				// The client is gone; stop paying for a stream nobody reads.
				streamErr = adapter.Wrap(adapter.KindConnection, "",
					fmt.Errorf("client disconnected during stream: %w", err))
				disconnected = true
				break
			}
		}

		if !disconnected {
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}
	})
}

// writeSSEError emits an OpenAI-shaped error event inside the stream.
func writeSSEError(w *bufio.Writer, err error) {
	e := apierr.APIError{
		Message: err.Error(),
		Type:    apierr.TypeProviderError,
		Code:    apierr.CodeProviderError,
	}
	data, _ := json.Marshal(struct {
		Error apierr.APIError `json:"error"`
	}{Error: e})
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush() //nolint:errcheck
}

// openAIChatEnvelope fills the envelope constants the adapters leave blank.
func openAIChatEnvelope(resp *adapter.CompletionResponse) map[string]any {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	out := map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": created,
		"model":   resp.Model,
		"choices": resp.Choices,
		"usage":   resp.Usage,
	}
	if resp.HiddenParams != nil {
		out["hidden_params"] = resp.HiddenParams
	}
	return out
}

// bearerToken extracts the Authorization bearer token; empty when absent or
// malformed.
func bearerToken(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// rateLimitID returns the stable per-caller rate limit bucket.
func rateLimitID(actx *auth.Context) string {
	switch {
	case actx.IsMaster:
		return "master"
	case actx.KeyID != nil:
		return actx.KeyID.String()
	case actx.UserID != nil:
		return "user:" + actx.UserID.String()
	default:
		return "anonymous"
	}
}
