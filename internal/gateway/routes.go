package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// newState returns an unguessable nonce for the OAuth2 state parameter.
func newState() string { return uuid.New().String() }

// Handler builds the full route table wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.GET("/v1/models", s.handleListModels)
	r.GET("/v1/models/{id}", s.handleGetModel)

	r.GET("/health", s.handleHealth)
	r.GET("/health/liveness", s.handleLiveness)
	r.GET("/health/readiness", s.handleReadiness)
	r.GET("/health/detailed", s.handleDetailedHealth)

	if s.sso != nil {
		r.GET("/auth/login", s.handleSSOLogin)
		r.GET("/auth/callback", s.handleSSOCallback)
	}

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// NewHTTPServer wraps the handler in a fasthttp.Server tuned for long-lived
// streaming responses.
func (s *Server) NewHTTPServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:     s.Handler(),
		ReadTimeout: 60 * time.Second,
		// Streams can run for minutes; the per-attempt router timeout bounds
		// the upstream, not the client write.
		WriteTimeout:      10 * time.Minute,
		StreamRequestBody: true,
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// handleSSOLogin redirects to the identity provider's authorization URL. The
// state nonce round-trips through a short-lived cookie.
func (s *Server) handleSSOLogin(ctx *fasthttp.RequestCtx) {
	state := newState()

	c := fasthttp.AcquireCookie()
	defer fasthttp.ReleaseCookie(c)
	c.SetKey("sso_state")
	c.SetValue(state)
	c.SetMaxAge(300)
	c.SetHTTPOnly(true)
	c.SetPath("/auth")
	ctx.Response.Header.SetCookie(c)

	ctx.Redirect(s.sso.LoginURL(state), fasthttp.StatusFound)
}

// handleSSOCallback exchanges the authorization code for a session token.
func (s *Server) handleSSOCallback(ctx *fasthttp.RequestCtx) {
	state := string(ctx.QueryArgs().Peek("state"))
	cookie := string(ctx.Request.Header.Cookie("sso_state"))
	if state == "" || state != cookie {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeJSON(ctx, map[string]string{"error": "state mismatch"})
		return
	}

	code := string(ctx.QueryArgs().Peek("code"))
	if code == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeJSON(ctx, map[string]string{"error": "missing authorization code"})
		return
	}

	token, err := s.sso.HandleCallback(ctx, code)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		writeJSON(ctx, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(ctx, map[string]string{"token": token, "token_type": "Bearer"})
}

// readinessTimeout bounds the DB ping so a wedged database cannot hang the probe.
const readinessTimeout = 2 * time.Second

func (s *Server) pingDB(parent context.Context) error {
	if s.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(parent, readinessTimeout)
	defer cancel()
	return s.db.Ping(ctx)
}
