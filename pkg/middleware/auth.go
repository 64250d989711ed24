// pkg/middleware/auth.go
package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmespath/go-jmespath"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"chatgate/pkg/problems"
)

// Identity is what the identity provider vouches for.
type Identity struct {
	AccountID string
	Role      string
}

// IdentityProvider verifies a bearer credential issued by the external identity provider.
type IdentityProvider interface {
	Verify(ctx context.Context, bearer string) (Identity, error)
}

// jwksCache caches JWKS sets per URL.
type jwksCache struct {
	mu   sync.RWMutex
	sets map[string]cachedJWKS
}

type cachedJWKS struct {
	set     jwk.Set
	expires time.Time
}

func (c *jwksCache) get(ctx context.Context, url string, ttl time.Duration) (jwk.Set, error) {
	c.mu.RLock()
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		c.mu.RUnlock()
		return e.set, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets == nil {
		c.sets = map[string]cachedJWKS{}
	}
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		return e.set, nil
	}
	set, err := jwk.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	c.sets[url] = cachedJWKS{set: set, expires: time.Now().Add(ttl)}
	return set, nil
}

const (
	jwksTTL          = 6 * time.Hour
	jwksFetchTimeout = 5 * time.Second
)

// OIDCVerifier checks issuer, audience and signature against the issuer's JWKS
// and extracts the account id with a JMESPath expression over the claims.
type OIDCVerifier struct {
	issuer   string
	audience string
	jwksURL  string
	skew     time.Duration
	account  *jmespath.JMESPath
	cache    *jwksCache
	static   jwk.Set
}

func NewOIDCVerifier(issuer, audience, jwksURL, accountClaim string, skew time.Duration) (*OIDCVerifier, error) {
	if accountClaim == "" {
		accountClaim = "sub"
	}
	expr, err := jmespath.Compile(accountClaim)
	if err != nil {
		return nil, problems.Wrap(problems.ErrInvalidArgument, "account claim %q: %v", accountClaim, err)
	}
	return &OIDCVerifier{
		issuer:   strings.TrimRight(issuer, "/"),
		audience: audience,
		jwksURL:  jwksURL,
		skew:     skew,
		account:  expr,
		cache:    &jwksCache{},
	}, nil
}

// WithKeySet pins the verification keys instead of fetching JWKS_URL.
func (v *OIDCVerifier) WithKeySet(set jwk.Set) *OIDCVerifier {
	v.static = set
	return v
}

func (v *OIDCVerifier) keys(ctx context.Context) (jwk.Set, error) {
	if v.static != nil {
		return v.static, nil
	}
	ctx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()
	set, err := v.cache.get(ctx, v.jwksURL, jwksTTL)
	if err != nil {
		return nil, problems.Wrap(problems.ErrUnavailable, "jwks fetch: %v", err)
	}
	return set, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, bearer string) (Identity, error) {
	set, err := v.keys(ctx)
	if err != nil {
		return Identity{}, err
	}
	opts := []jwt.ParseOption{jwt.WithKeySet(set), jwt.WithValidate(true), jwt.WithAcceptableSkew(v.skew)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	jt, err := jwt.Parse([]byte(bearer), opts...)
	if err != nil {
		return Identity{}, problems.Wrap(problems.ErrUnauthorized, "invalid token")
	}
	claims, err := jt.AsMap(ctx)
	if err != nil {
		return Identity{}, problems.Wrap(problems.ErrUnauthorized, "unreadable claims")
	}
	found, err := v.account.Search(claims)
	accountID, _ := found.(string)
	if err != nil || accountID == "" {
		return Identity{}, problems.Wrap(problems.ErrUnauthorized, "token carries no account id")
	}
	role, _ := claims["role"].(string)
	return Identity{AccountID: accountID, Role: role}, nil
}

type ctxIdentityKey struct{}

// WithIdentity stores the verified identity in context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey{}).(Identity)
	return id, ok
}

// AccountFrom returns the authenticated account id, or "" outside AccountAuth.
func AccountFrom(ctx context.Context) string {
	id, _ := IdentityFrom(ctx)
	return id.AccountID
}

// BearerToken returns the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("Bearer "):])
}

// DevAccountHeader names the account on unauthenticated dev requests.
const DevAccountHeader = "X-Account-ID"

// Authenticate resolves the caller's identity from an identity-provider bearer,
// or from DevAccountHeader when devHeader is set and no bearer is present.
// ok is false when the request carries neither.
func Authenticate(r *http.Request, idp IdentityProvider, devHeader bool) (id Identity, ok bool, err error) {
	raw := BearerToken(r)
	if raw == "" && devHeader {
		if acct := strings.TrimSpace(r.Header.Get(DevAccountHeader)); acct != "" {
			return Identity{AccountID: acct}, true, nil
		}
	}
	if raw == "" {
		return Identity{}, false, nil
	}
	if idp == nil {
		return Identity{}, true, problems.Wrap(problems.ErrUnavailable, "identity provider not configured")
	}
	id, err = idp.Verify(r.Context(), raw)
	return id, true, err
}

// AccountAuth requires an identity-provider bearer. With devHeader set, a request
// that has no Authorization header may name its account in X-Account-ID (local bring-up only).
func AccountAuth(idp IdentityProvider, devHeader bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok, err := Authenticate(r, idp, devHeader)
			if err != nil {
				problems.Write(w, err)
				return
			}
			if !ok {
				problems.Write(w, problems.Wrap(problems.ErrUnauthorized, "missing bearer"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
