package gateway

import (
	"context"
	"errors"

	"chatgate/internal/keys"
	"chatgate/internal/oauth"
	"chatgate/pkg/middleware"
	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

// credentials resolves resource credentials against the issuer of each kind.
type credentials struct {
	store  store.Reader
	keys   *keys.Manager
	broker *oauth.Broker
}

func (c credentials) ResolveKey(ctx context.Context, secret string) (middleware.Caller, error) {
	resourceID, err := c.keys.Validate(ctx, secret)
	if err != nil {
		return middleware.Caller{}, err
	}
	r, err := c.store.Resource(ctx, resourceID)
	if errors.Is(err, problems.ErrNotFound) {
		return middleware.Caller{}, problems.Wrap(problems.ErrUnauthorized, "api key no longer bound to a resource")
	}
	if err != nil {
		return middleware.Caller{}, err
	}
	return middleware.Caller{ResourceID: r.ID, AccountID: r.OwnerID, Via: middleware.ViaAPIKey}, nil
}

func (c credentials) ResolveToken(ctx context.Context, token, capability string) (middleware.Caller, error) {
	p, err := c.broker.ValidateToken(ctx, token, capability)
	if err != nil {
		return middleware.Caller{}, err
	}
	return middleware.Caller{
		ResourceID: p.ResourceID, AccountID: p.AccountID, AppID: p.AppID,
		Capabilities: p.Capabilities, Via: middleware.ViaScopedToken,
	}, nil
}
