package apps

import (
	"context"
)

type Provider interface {
	// Resolve an app from the x-app-credential header value.
	ResolveCredential(ctx context.Context, credential string) (App, error)
	Get(ctx context.Context, id string) (App, error)
	List(ctx context.Context) ([]App, error)
	// Register stores a new app and returns its plaintext credential.
	Register(ctx context.Context, name string, redirectURIs, capabilities []string) (Registered, error)
	Delete(ctx context.Context, id string) error
}
