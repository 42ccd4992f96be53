package gateway

import (
	"sort"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/modelriver/modelriver/internal/auth"
	"github.com/modelriver/modelriver/pkg/apierr"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// availableModels merges the database's active deployment models with the
// statically configured ones, deduplicated by name.
func (s *Server) availableModels(ctx *fasthttp.RequestCtx) ([]modelEntry, error) {
	seen := make(map[string]bool)
	out := make([]modelEntry, 0, 16)

	if s.store != nil {
		rows, err := s.store.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		for _, m := range rows {
			if seen[m.ModelName] {
				continue
			}
			seen[m.ModelName] = true
			created := m.CreatedAt.Unix()
			if m.CreatedAt.IsZero() {
				created = time.Now().Unix()
			}
			out = append(out, modelEntry{
				ID:      m.ModelName,
				Object:  "model",
				Created: created,
				OwnedBy: "modelriver",
			})
		}
	}

	for _, name := range s.staticModels {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, modelEntry{
			ID:      name,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "modelriver",
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// handleListModels serves GET /v1/models.
func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authOnly(ctx); !ok {
		return
	}

	models, err := s.availableModels(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, modelList{Object: "list", Data: models})
}

// handleGetModel serves GET /v1/models/{id}.
func (s *Server) handleGetModel(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authOnly(ctx); !ok {
		return
	}
	id, _ := ctx.UserValue("id").(string)

	models, err := s.availableModels(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	for _, m := range models {
		if m.ID == id {
			writeJSON(ctx, m)
			return
		}
	}
	apierr.Write(ctx, fasthttp.StatusNotFound, apierr.APIError{
		Message: "model " + id + " not found",
		Type:    apierr.TypeNotFoundErr,
		Code:    apierr.CodeInvalidRequest,
		Param:   "model",
	})
}

// authOnly resolves the bearer token without per-model checks, for read-only
// endpoints.
func (s *Server) authOnly(ctx *fasthttp.RequestCtx) (*auth.Context, bool) {
	actx, err := s.auth.Resolve(ctx, bearerToken(ctx))
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure("invalid_token")
		}
		apierr.WriteError(ctx, err)
		return nil, false
	}
	return actx, true
}
