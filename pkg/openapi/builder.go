package openapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// Security scheme names used in Operation.Security.
const (
	SchemeAccount     = "accountBearer"
	SchemeAPIKey      = "apiKey"
	SchemeScopedToken = "scopedToken"
	SchemeApp         = "appCredential"
)

// Operation represents a single HTTP operation to surface in OpenAPI.
type Operation struct {
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	Summary     string         `json:"summary,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Security    []string       `json:"-"`
	Scopes      []string       `json:"x-required-scopes,omitempty"`
	RequestBody any            `json:"requestBody,omitempty"`
	Responses   map[string]any `json:"responses"`
}

// Info describes the served document.
type Info struct {
	Title    string
	Version  string
	BaseURL  string
	AuthURL  string
	TokenURL string
	// Scopes maps capability -> description for the oauth flow.
	Scopes map[string]string
}

// Registry holds registered operations. Safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ops []Operation
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(op Operation) {
	op.Method = strings.ToLower(op.Method)
	if op.Responses == nil {
		op.Responses = map[string]any{"200": map[string]any{"description": "OK"}}
	}
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

// Build produces an OpenAPI 3.1 document for the registered operations.
func (r *Registry) Build(info Info) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := map[string]any{}
	for _, op := range r.ops {
		if _, ok := paths[op.Path]; !ok {
			paths[op.Path] = map[string]any{}
		}
		m := map[string]any{
			"summary":   op.Summary,
			"tags":      op.Tags,
			"responses": op.Responses,
		}
		if len(op.Scopes) > 0 {
			m["x-required-scopes"] = op.Scopes
		}
		if op.RequestBody != nil {
			m["requestBody"] = op.RequestBody
		}
		if len(op.Security) > 0 {
			// Alternatives: any one listed scheme satisfies the operation.
			sec := make([]map[string][]string, 0, len(op.Security))
			for _, s := range op.Security {
				scopes := []string{}
				if s == SchemeScopedToken {
					scopes = op.Scopes
				}
				sec = append(sec, map[string][]string{s: scopes})
			}
			m["security"] = sec
		}
		paths[op.Path].(map[string]any)[op.Method] = m
	}
	doc := map[string]any{
		"openapi": "3.1.0",
		"info":    map[string]any{"title": info.Title, "version": info.Version},
		"paths":   paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				SchemeAccount:     map[string]any{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
				SchemeAPIKey:      map[string]any{"type": "http", "scheme": "bearer", "description": "Resource API key (tk_...)"},
				SchemeScopedToken: map[string]any{"type": "apiKey", "in": "header", "name": "x-scoped-token"},
				SchemeApp:         map[string]any{"type": "apiKey", "in": "header", "name": "x-app-credential"},
				"oauth": map[string]any{
					"type": "oauth2",
					"flows": map[string]any{
						"authorizationCode": map[string]any{
							"authorizationUrl": info.AuthURL,
							"tokenUrl":         info.TokenURL,
							"scopes":           info.Scopes,
						},
					},
				},
			},
		},
	}
	if info.BaseURL != "" {
		doc["servers"] = []map[string]any{{"url": info.BaseURL}}
	}
	return doc
}

// ServeHandler returns an HTTP handler that serves the built OpenAPI JSON.
func (r *Registry) ServeHandler(info Info) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Build(info))
	}
}
