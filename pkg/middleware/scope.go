// pkg/middleware/scope.go
package middleware

import (
	"context"
	"slices"
)

// Caller is the resource-scoped principal of a request, resolved from either an
// API key or a scoped token.
type Caller struct {
	ResourceID string
	AccountID  string
	AppID      string
	// Capabilities is nil for API keys: a key grants the whole resource.
	Capabilities []string
	Via          string
}

const (
	ViaAPIKey      = "api_key"
	ViaScopedToken = "scoped_token"
)

// Has reports whether the caller may exercise capability c.
func (c Caller) Has(capability string) bool {
	if c.Via == ViaAPIKey {
		return true
	}
	return slices.Contains(c.Capabilities, capability)
}

// local context key type (unique to this file)
type callerCtxKey struct{}

// WithCaller stores the resource caller in context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, c)
}

// CallerFrom extracts the resource caller from context.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerCtxKey{}).(Caller)
	return c, ok
}
