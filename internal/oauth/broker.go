package oauth

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatgate/internal/accounts"
	"chatgate/internal/policy"
	"chatgate/internal/resources"
	"chatgate/pkg/apps"
	"chatgate/pkg/metrics"
	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

// CodePrefix starts every authorization code: ac_<32 base36>.
const CodePrefix = "ac_"

const (
	codeRandomLen = 32
	base36        = "0123456789abcdefghijklmnopqrstuvwxyz"
)

type Options struct {
	CodeTTL        time.Duration
	TokenTTL       time.Duration
	CacheTTL       time.Duration
	StarterCredits int64
}

// Broker runs the authorization-code grant: REQUESTED -> CODE_ISSUED ->
// EXCHANGED, with EXPIRED and REJECTED as absorbing states.
type Broker struct {
	store   store.Store
	apps    apps.Provider
	policy  *policy.Engine
	signer  *Signer
	cache   *tokenCache
	opts    Options
	log     *zap.SugaredLogger
	metrics *metrics.Registry
	now     func() time.Time
}

func NewBroker(st store.Store, ap apps.Provider, pol *policy.Engine, signer *Signer, rdb *redis.Client, opts Options, log *zap.SugaredLogger, m *metrics.Registry) *Broker {
	return &Broker{
		store: st, apps: ap, policy: pol, signer: signer,
		cache: &tokenCache{rdb: rdb, ttl: opts.CacheTTL, log: log, metrics: m},
		opts:  opts, log: log, metrics: m,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type AuthorizeRequest struct {
	AppCredential string
	// EndUserID defaults to VerifiedAccountID. A durable end user must equal
	// VerifiedAccountID; only shadow ids may be named without proof.
	EndUserID string
	// VerifiedAccountID is the account the identity provider vouched for on
	// this request, if any.
	VerifiedAccountID string
	Capabilities      []string
	RedirectURI       string
	ResourceID        string
	State             string
}

type IssuedCode struct {
	Code             string `json:"-"`
	AuthorizationURL string `json:"authorization_url"`
	AppID            string `json:"app_id"`
	ExpiresIn        int64  `json:"expires_in"`
}

// Authorize issues a single-use code bound to the end user, the exact
// capability set and the exact redirect URI.
func (b *Broker) Authorize(ctx context.Context, req AuthorizeRequest) (IssuedCode, error) {
	app, err := b.apps.ResolveCredential(ctx, req.AppCredential)
	if err != nil {
		return IssuedCode{}, err
	}
	caps := normalize(req.Capabilities)
	if len(caps) == 0 {
		return IssuedCode{}, problems.Wrap(problems.ErrInvalidArgument, "capabilities are required")
	}
	if !app.AllowsRedirect(req.RedirectURI) {
		return IssuedCode{}, problems.Wrap(problems.ErrInvalidArgument, "redirect_uri is not registered for app %s", app.ID)
	}
	if req.EndUserID == "" {
		req.EndUserID = req.VerifiedAccountID
	}
	if req.EndUserID == "" {
		return IssuedCode{}, problems.Wrap(problems.ErrInvalidArgument, "end user id is required")
	}
	shadow := strings.HasPrefix(req.EndUserID, store.ShadowPrefix)
	if shadow && !store.IsShadowID(req.EndUserID) {
		return IssuedCode{}, problems.Wrap(problems.ErrInvalidArgument, "malformed shadow account id")
	}
	if !shadow && req.EndUserID != req.VerifiedAccountID {
		return IssuedCode{}, problems.Wrap(problems.ErrUnauthorized, "end user %s has not authenticated this request", req.EndUserID)
	}
	if err := b.checkEndUser(ctx, req.EndUserID, req.ResourceID, shadow); err != nil {
		return IssuedCode{}, err
	}
	dec := b.policy.Evaluate(ctx, policy.Input{
		AppID: app.ID, Allowed: app.AllowedCapabilities, Requested: caps,
		AccountID: req.EndUserID, Shadow: shadow,
	})
	if dec.Status != policy.Allow {
		return IssuedCode{}, problems.Wrap(problems.ErrForbidden, "capabilities denied: %s", strings.Join(append(dec.Denied, dec.Reasons...), "; "))
	}

	code, err := newCode()
	if err != nil {
		return IssuedCode{}, err
	}
	now := b.now()
	rec := store.AuthCode{
		Hash: store.HashSecret(code), AppID: app.ID, AccountID: req.EndUserID,
		ResourceID: req.ResourceID, Capabilities: caps, RedirectURI: req.RedirectURI,
		State: store.CodeIssued, IssuedAt: now, ExpiresAt: now.Add(b.opts.CodeTTL),
	}
	if err := b.store.Update(ctx, func(ctx context.Context, tx store.Tx) error { return tx.CreateAuthCode(ctx, rec) }); err != nil {
		return IssuedCode{}, err
	}
	b.metrics.CodeIssued()
	b.log.Infow("authorization code issued", "app_id", app.ID, "account_id", req.EndUserID, "capabilities", caps)
	return IssuedCode{
		Code:             code,
		AuthorizationURL: redirectWithCode(req.RedirectURI, code, req.State),
		AppID:            app.ID,
		ExpiresIn:        int64(b.opts.CodeTTL / time.Second),
	}, nil
}

// A shadow end user may not exist yet; a durable one must.
func (b *Broker) checkEndUser(ctx context.Context, accountID, resourceID string, shadow bool) error {
	a, err := b.store.Account(ctx, accountID)
	switch {
	case errors.Is(err, problems.ErrNotFound) && shadow:
		if resourceID != "" {
			return problems.Wrap(problems.ErrForbidden, "resource %s is not owned by %s", resourceID, accountID)
		}
		return nil
	case errors.Is(err, problems.ErrNotFound):
		return problems.Wrap(problems.ErrInvalidArgument, "unknown end user %s", accountID)
	case err != nil:
		return err
	case a.State != store.StateActive:
		return problems.Wrap(problems.ErrUnauthorized, "account %s is %s", accountID, a.State)
	}
	if resourceID == "" {
		return nil
	}
	r, err := b.store.Resource(ctx, resourceID)
	if err != nil {
		return err
	}
	if r.OwnerID != accountID {
		return problems.Wrap(problems.ErrForbidden, "resource %s is not owned by %s", resourceID, accountID)
	}
	return nil
}

type MintedToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
	ResourceID  string `json:"resource_id"`
	TokenID     string `json:"-"`
}

// Exchange trades a code for a scoped token. Consuming the code and writing
// the token record commit together or not at all.
func (b *Broker) Exchange(ctx context.Context, code, redirectURI, scope string) (MintedToken, error) {
	out, err := b.exchange(ctx, code, redirectURI, scope)
	b.metrics.Exchanged(err)
	return out, err
}

func (b *Broker) exchange(ctx context.Context, code, redirectURI, scope string) (MintedToken, error) {
	if !strings.HasPrefix(code, CodePrefix) {
		return MintedToken{}, problems.Wrap(problems.ErrInvalidGrant, "malformed code")
	}
	hash := store.HashSecret(code)
	now := b.now()
	var (
		minted  MintedToken
		outcome error
	)
	err := b.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		outcome = nil
		c, err := tx.AuthCode(ctx, hash)
		if errors.Is(err, problems.ErrNotFound) {
			return problems.Wrap(problems.ErrInvalidGrant, "unknown code")
		}
		if err != nil {
			return err
		}
		if c.State != store.CodeIssued {
			return problems.Wrap(problems.ErrInvalidGrant, "code is %s", c.State)
		}
		// Terminal failures are persisted, then reported after commit.
		if !now.Before(c.ExpiresAt) {
			outcome = problems.Wrap(problems.ErrInvalidGrant, "code expired")
			return tx.TransitionAuthCode(ctx, hash, store.CodeIssued, store.CodeExpired, "")
		}
		if c.RedirectURI != redirectURI {
			outcome = problems.Wrap(problems.ErrInvalidGrant, "redirect_uri mismatch")
			return tx.TransitionAuthCode(ctx, hash, store.CodeIssued, store.CodeRejected, "")
		}
		caps, err := narrow(c.Capabilities, scope)
		if err != nil {
			return err
		}
		resourceID, err := b.resolveResource(ctx, tx, c, now)
		if err != nil {
			return err
		}
		rec := store.TokenRecord{
			ID: uuid.NewString(), AppID: c.AppID, AccountID: c.AccountID, ResourceID: resourceID,
			Capabilities: caps, IssuedAt: now, ExpiresAt: now.Add(b.opts.TokenTTL),
		}
		if err := tx.CreateToken(ctx, rec); err != nil {
			return err
		}
		if err := tx.TransitionAuthCode(ctx, hash, store.CodeIssued, store.CodeExchanged, rec.ID); err != nil {
			return err
		}
		signed, err := b.signer.Sign(rec)
		if err != nil {
			return err
		}
		minted = MintedToken{
			AccessToken: signed, TokenType: "Bearer",
			ExpiresIn: int64(b.opts.TokenTTL / time.Second),
			Scope:     strings.Join(caps, " "), ResourceID: resourceID, TokenID: rec.ID,
		}
		return nil
	})
	if err != nil {
		return MintedToken{}, err
	}
	if outcome != nil {
		return MintedToken{}, outcome
	}
	b.log.Infow("code exchanged", "token_id", minted.TokenID, "resource_id", minted.ResourceID)
	return minted, nil
}

// resolveResource picks the token's resource: the code's explicit target, else
// the account's default. A shadow account named by the code is created here
// if it does not exist yet.
func (b *Broker) resolveResource(ctx context.Context, tx store.Tx, c store.AuthCode, now time.Time) (string, error) {
	a, err := tx.Account(ctx, c.AccountID)
	if errors.Is(err, problems.ErrNotFound) && store.IsShadowID(c.AccountID) {
		if err := accounts.CreateShadow(ctx, tx, c.AccountID, b.opts.StarterCredits, "starter:"+c.AppID, now); err != nil {
			return "", err
		}
		a, err = tx.Account(ctx, c.AccountID)
	}
	if errors.Is(err, problems.ErrNotFound) {
		return "", problems.Wrap(problems.ErrInvalidGrant, "account %s no longer exists", c.AccountID)
	}
	if err != nil {
		return "", err
	}
	if a.State != store.StateActive {
		return "", problems.Wrap(problems.ErrInvalidGrant, "account %s is %s", a.ID, a.State)
	}
	if c.ResourceID != "" {
		r, err := tx.Resource(ctx, c.ResourceID)
		if err != nil || r.OwnerID != a.ID {
			return "", problems.Wrap(problems.ErrInvalidGrant, "target resource is unavailable")
		}
		return r.ID, nil
	}
	r, err := resources.EnsureDefault(ctx, tx, a.ID, now)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

type Principal struct {
	AccountID    string   `json:"account_id"`
	ResourceID   string   `json:"resource_id"`
	AppID        string   `json:"app_id"`
	Capabilities []string `json:"capabilities"`
	TokenID      string   `json:"token_id"`
}

// ValidateToken authorizes one request. An empty requiredCapability only
// checks that the token is live.
func (b *Broker) ValidateToken(ctx context.Context, token, requiredCapability string) (Principal, error) {
	p, err := b.validateToken(ctx, token, requiredCapability)
	b.metrics.TokenValidated(err)
	return p, err
}

func (b *Broker) validateToken(ctx context.Context, token, requiredCapability string) (Principal, error) {
	now := b.now()
	id, err := b.signer.Verify(token, now)
	if err != nil {
		return Principal{}, err
	}
	rec, hit := b.cache.get(ctx, id)
	if !hit {
		rec, err = b.store.Token(ctx, id)
		if errors.Is(err, problems.ErrNotFound) {
			return Principal{}, problems.Wrap(problems.ErrUnauthorized, "unknown scoped token")
		}
		if err != nil {
			return Principal{}, err
		}
		b.cache.put(ctx, rec, now)
	}
	if rec.Revoked {
		return Principal{}, problems.Wrap(problems.ErrUnauthorized, "scoped token revoked")
	}
	if !now.Before(rec.ExpiresAt) {
		return Principal{}, problems.Wrap(problems.ErrUnauthorized, "scoped token expired")
	}
	if requiredCapability != "" && !rec.Has(requiredCapability) {
		return Principal{}, problems.Wrap(problems.ErrForbidden, "token lacks capability %s", requiredCapability)
	}
	return Principal{
		AccountID: rec.AccountID, ResourceID: rec.ResourceID, AppID: rec.AppID,
		Capabilities: slices.Clone(rec.Capabilities), TokenID: rec.ID,
	}, nil
}

// Revoke kills a token immediately, including any cached copy.
func (b *Broker) Revoke(ctx context.Context, tokenID string) error {
	if err := b.store.Update(ctx, func(ctx context.Context, tx store.Tx) error { return tx.RevokeToken(ctx, tokenID) }); err != nil {
		return err
	}
	b.cache.evict(ctx, tokenID)
	b.log.Infow("scoped token revoked", "token_id", tokenID)
	return nil
}

// Evict drops cached records for tokens revoked elsewhere (shadow migration).
func (b *Broker) Evict(ctx context.Context, tokenIDs []string) {
	b.cache.evict(ctx, tokenIDs...)
}

// narrow returns the code's capabilities, or the subset named by scope.
func narrow(granted []string, scope string) ([]string, error) {
	requested := normalize(strings.Fields(scope))
	if len(requested) == 0 {
		return slices.Clone(granted), nil
	}
	for _, c := range requested {
		if !slices.Contains(granted, c) {
			return nil, problems.Wrap(problems.ErrInvalidGrant, "scope %s exceeds the authorized capabilities", c)
		}
	}
	return requested, nil
}

func normalize(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func newCode() (string, error) {
	var sb strings.Builder
	sb.WriteString(CodePrefix)
	limit := big.NewInt(int64(len(base36)))
	for range codeRandomLen {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		sb.WriteByte(base36[n.Int64()])
	}
	return sb.String(), nil
}

func redirectWithCode(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
