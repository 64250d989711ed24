package middleware

import (
	"context"
	"net/http"
	"strings"

	"chatgate/pkg/problems"
)

// KeyPrefix marks API key secrets so they can be told apart from other credentials.
const KeyPrefix = "tk_"

// ScopedTokenHeader carries scoped tokens minted by the code exchange.
const ScopedTokenHeader = "x-scoped-token"

// CredentialResolver turns a presented credential into a Caller.
type CredentialResolver interface {
	ResolveKey(ctx context.Context, secret string) (Caller, error)
	ResolveToken(ctx context.Context, token, capability string) (Caller, error)
}

// ResourceAuth admits requests that carry exactly one resource credential: an API
// key as Authorization: Bearer tk_... or a scoped token in x-scoped-token. Carrying
// both is rejected rather than picking one.
func ResourceAuth(res CredentialResolver, capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := BearerToken(r)
			scoped := strings.TrimSpace(r.Header.Get(ScopedTokenHeader))
			var (
				c   Caller
				err error
			)
			switch {
			case bearer != "" && scoped != "":
				err = problems.Wrap(problems.ErrInvalidArgument, "send either an API key or a scoped token, not both")
			case scoped != "":
				c, err = res.ResolveToken(r.Context(), scoped, capability)
			case strings.HasPrefix(bearer, KeyPrefix):
				c, err = res.ResolveKey(r.Context(), bearer)
				if err == nil && !c.Has(capability) {
					err = problems.Wrap(problems.ErrForbidden, "missing capability %s", capability)
				}
			case bearer != "":
				err = problems.Wrap(problems.ErrUnauthorized, "unrecognized credential")
			default:
				err = problems.Wrap(problems.ErrUnauthorized, "missing credential")
			}
			if err != nil {
				problems.Write(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
		})
	}
}
