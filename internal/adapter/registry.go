package adapter

import (
	"sort"
	"strings"
	"sync"
)

// DefaultPatterns maps model-name patterns to provider types. A trailing '*'
// matches any suffix; entries without one match exactly. Used by the registry
// when a deployment does not pin its provider type and the request model
// carries no "provider/" prefix.
var DefaultPatterns = map[string]string{
	// OpenAI
	"gpt-*":                  "openai",
	"chatgpt-*":              "openai",
	"o1*":                    "openai",
	"o3*":                    "openai",
	"o4*":                    "openai",
	"text-embedding-3-small": "openai",
	"text-embedding-3-large": "openai",
	"text-embedding-ada-002": "openai",

	// Anthropic
	"claude-*": "anthropic",

	// Google Gemini
	"gemini-*":           "gemini",
	"gemma-*":            "gemini",
	"text-embedding-004": "gemini",
	"embedding-001":      "gemini",

	// Mistral
	"mistral-*":      "mistral",
	"ministral-*":    "mistral",
	"codestral-*":    "mistral",
	"pixtral-*":      "mistral",
	"open-mistral-*": "mistral",
	"open-mixtral-*": "mistral",
	"magistral-*":    "mistral",
	"devstral-*":     "mistral",

	// Cohere
	"command*": "cohere",
	"embed-*":  "cohere",
	"rerank-*": "cohere",
}

type pattern struct {
	prefix   string // pattern text without the trailing '*'
	wildcard bool
	ptype    string
}

// Registry resolves provider types and model names to adapters.
// Safe for concurrent use; registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]Adapter
	order    []string // registration order, for deterministic probing
	patterns []pattern
}

// NewRegistry returns a registry preloaded with DefaultPatterns.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Adapter)}
	for p, t := range DefaultPatterns {
		r.addPattern(p, t)
	}
	// Longest prefix first so "open-mixtral-*" beats a hypothetical "open-*".
	sort.SliceStable(r.patterns, func(i, j int) bool {
		return len(r.patterns[i].prefix) > len(r.patterns[j].prefix)
	})
	return r
}

// Register binds an adapter to its provider type. Last registration wins.
// Aliases bind additional provider types to the same adapter (e.g. "groq"
// and "vllm" onto the OpenAI-compatible adapter).
func (r *Registry) Register(a Adapter, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range append([]string{a.Name()}, aliases...) {
		if _, dup := r.byType[name]; !dup {
			r.order = append(r.order, name)
		}
		r.byType[name] = a
	}
}

// AddPattern installs an extra model-name pattern at runtime (e.g. from
// config-declared deployments).
func (r *Registry) AddPattern(pat, ptype string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addPattern(pat, ptype)
	sort.SliceStable(r.patterns, func(i, j int) bool {
		return len(r.patterns[i].prefix) > len(r.patterns[j].prefix)
	})
}

func (r *Registry) addPattern(pat, ptype string) {
	if strings.HasSuffix(pat, "*") {
		r.patterns = append(r.patterns, pattern{prefix: strings.TrimSuffix(pat, "*"), wildcard: true, ptype: ptype})
		return
	}
	r.patterns = append(r.patterns, pattern{prefix: pat, ptype: ptype})
}

// ForType returns the adapter registered for a provider type.
func (r *Registry) ForType(ptype string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.byType[ptype]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(KindModelNotMapped, "", "unknown provider type %q", ptype)
	}
	return a, nil
}

// ForModel resolves a bare model name to an adapter:
//
//  1. "provider/model" prefix, when the prefix is a registered type
//  2. exact pattern match
//  3. longest wildcard pattern match
//  4. probe registered adapters via SupportsModel, in registration order
//
// The resolved model name (prefix stripped in case 1) is returned alongside.
func (r *Registry) ForModel(model string) (Adapter, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if prefix, rest, ok := strings.Cut(model, "/"); ok {
		if a, found := r.byType[prefix]; found {
			return a, rest, nil
		}
	}

	// Exact beats wildcard regardless of length.
	for _, p := range r.patterns {
		if !p.wildcard && p.prefix == model {
			if a, found := r.byType[p.ptype]; found {
				return a, model, nil
			}
		}
	}
	for _, p := range r.patterns {
		if p.wildcard && strings.HasPrefix(model, p.prefix) {
			if a, found := r.byType[p.ptype]; found {
				return a, model, nil
			}
		}
	}

	for _, name := range r.order {
		if a := r.byType[name]; a.SupportsModel(model) {
			return a, model, nil
		}
	}
	return nil, "", Errorf(KindModelNotMapped, "", "no provider found for model %q", model)
}

// Types returns the registered provider types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// MatchesPattern reports whether a model name matches a single pattern,
// using the same trailing-'*' semantics as the registry table.
func MatchesPattern(pat, model string) bool {
	if strings.HasSuffix(pat, "*") {
		return strings.HasPrefix(model, strings.TrimSuffix(pat, "*"))
	}
	return pat == model
}
