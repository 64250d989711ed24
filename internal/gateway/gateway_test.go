package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"chatgate/internal/oauth"
	"chatgate/internal/policy"
	"chatgate/pkg/apps"
	"chatgate/pkg/config"
	"chatgate/pkg/logger"
	"chatgate/pkg/metrics"
	"chatgate/pkg/store"
)

const (
	appCred  = "app_demo.s3cret"
	redirect = "https://demo.test/callback"
)

type harness struct {
	srv   *httptest.Server
	store store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	ap := apps.NewMemoryProvider(logger.Nop(), []apps.SeedEntry{{
		ID: "demo", Name: "Demo", Secret: "s3cret", RedirectURIs: []string{redirect},
		Capabilities: []string{policy.CapWorkspaceRead, policy.CapBalanceRead, policy.CapUsageWrite},
	}})
	pol, err := policy.Load(ctx, "", logger.Nop())
	require.NoError(t, err)
	signer, err := oauth.NewSigner([]byte("gateway-test-signing-key"), "chatgate")
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	reg := prometheus.NewRegistry()

	app := New(Deps{
		Config: config.Config{
			Env: "dev", BasePublicURL: "http://gw.test/", TokenIssuer: "chatgate",
			CodeTTL: 5 * time.Minute, TokenTTL: time.Hour, TokenCacheTTL: 30 * time.Second,
			ShadowStarterCredits: 10,
		},
		Log: logger.Nop(), Store: st, Apps: ap, Policy: pol, Signer: signer, Redis: rdb,
		Metrics: metrics.NewRegistry(reg), Gatherer: reg,
	})
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, store: st}
}

func (h *harness) do(t *testing.T, method, path string, headers map[string]string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func as(account string) map[string]string { return map[string]string{"X-Account-ID": account} }
func key(secret string) map[string]string  { return map[string]string{"Authorization": "Bearer " + secret} }

type provisioned struct {
	AccountID  string `json:"account_id"`
	ResourceID string `json:"resource_id"`
	APIKey     string `json:"api_key"`
	Credits    int64  `json:"credits"`
}

func (h *harness) provision(t *testing.T) provisioned {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/accounts/shadow", map[string]string{"x-app-credential": appCred}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return decode[provisioned](t, body)
}

func TestKeyLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/resources", as("user_a"), map[string]string{"title": "Notes"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	res := decode[store.Resource](t, body)
	assert.Equal(t, store.Private, res.Visibility)

	resp, body = h.do(t, http.MethodPost, "/keys/"+res.ID, as("user_a"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	k1 := decode[map[string]any](t, body)["api_key"].(string)
	assert.True(t, strings.HasPrefix(k1, "tk_"))

	resp, _ = h.do(t, http.MethodGet, "/v1/workspace", key(k1), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/keys/"+res.ID, as("user_b"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/keys/"+res.ID+"/disable", as("user_a"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/v1/workspace", key(k1), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, body = h.do(t, http.MethodPost, "/keys/"+res.ID, as("user_a"), nil)
	k2 := decode[map[string]any](t, body)["api_key"].(string)
	resp, _ = h.do(t, http.MethodGet, "/v1/workspace", key(k1), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "rotated key stops working")
	resp, _ = h.do(t, http.MethodGet, "/v1/workspace", key(k2), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/keys/"+res.ID, as("user_a"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode[map[string]any](t, body)["enabled"])
}

func TestAccountRoutesRequireIdentity(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/accounts/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/problem+json")
	assert.Contains(t, string(body), "/unauthorized")

	resp, _ = h.do(t, http.MethodGet, "/accounts/me", as("shadow_abc"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "a shadow id is never a durable identity")

	resp, body = h.do(t, http.MethodGet, "/accounts/me", as("user_new"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acct := decode[store.Account](t, body)
	assert.Equal(t, store.KindDurable, acct.Kind)
}

func TestMeteredUsage(t *testing.T) {
	h := newHarness(t)
	p := h.provision(t)
	assert.Equal(t, int64(10), p.Credits)

	resp, body := h.do(t, http.MethodPost, "/v1/usage/check", key(p.APIKey), map[string]any{"tokens_consumed": 1500, "model_id": "gpt-4o-mini"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.EqualValues(t, 2, decode[map[string]any](t, body)["credits"])

	hdr := key(p.APIKey)
	hdr["Idempotency-Key"] = "req-1"
	for range 2 {
		resp, body = h.do(t, http.MethodPost, "/v1/usage", hdr, map[string]any{"tokens_consumed": 1500, "model_id": "gpt-4o-mini"})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		assert.EqualValues(t, 8, decode[map[string]any](t, body)["balance"])
	}

	resp, body = h.do(t, http.MethodPost, "/v1/usage", key(p.APIKey), map[string]any{"tokens_consumed": 100000, "model_id": "gpt-4o"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode, string(body))

	resp, body = h.do(t, http.MethodGet, "/v1/balance", key(p.APIKey), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 8, decode[map[string]any](t, body)["balance"])

	resp, body = h.do(t, http.MethodGet, "/v1/ledger?limit=10", key(p.APIKey), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[map[string][]store.LedgerEntry](t, body)["entries"]
	require.Len(t, entries, 2, "starter grant plus one debit")
	assert.Equal(t, store.LedgerDebit, entries[0].Kind)

	resp, _ = h.do(t, http.MethodPost, "/v1/usage", key(p.APIKey), map[string]any{"tokens_consumed": -1, "model_id": "gpt-4o"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResourceCredentialAmbiguity(t *testing.T) {
	h := newHarness(t)
	p := h.provision(t)
	hdr := key(p.APIKey)
	hdr["x-scoped-token"] = "whatever"
	resp, _ := h.do(t, http.MethodGet, "/v1/balance", hdr, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/v1/balance", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func authorizeCode(t *testing.T, h *harness, endUser string, caps ...string) string {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/oauth/authorize", map[string]string{"x-app-credential": appCred}, map[string]any{
		"end_user_id": endUser, "capabilities": caps, "redirect_uri": redirect, "state": "st",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	out := decode[map[string]any](t, body)
	assert.Equal(t, "demo", out["app_id"])
	_, leaked := out["code"]
	assert.False(t, leaked)
	u, err := url.Parse(out["authorization_url"].(string))
	require.NoError(t, err)
	assert.Equal(t, "st", u.Query().Get("state"))
	return u.Query().Get("code")
}

func TestCodeExchangeWithOAuthClient(t *testing.T) {
	h := newHarness(t)
	p := h.provision(t)
	code := authorizeCode(t, h, p.AccountID, policy.CapWorkspaceRead, policy.CapBalanceRead)

	conf := &oauth2.Config{
		ClientID:    "demo",
		RedirectURL: redirect,
		Endpoint:    oauth2.Endpoint{TokenURL: h.srv.URL + "/oauth/token", AuthStyle: oauth2.AuthStyleInParams},
	}
	tok, err := conf.Exchange(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, p.ResourceID, tok.Extra("resource_id"))
	assert.True(t, tok.Expiry.After(time.Now().Add(50*time.Minute)))

	scoped := map[string]string{"x-scoped-token": tok.AccessToken}
	resp, body := h.do(t, http.MethodGet, "/v1/workspace", scoped, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "scoped_token", decode[map[string]any](t, body)["via"])

	resp, _ = h.do(t, http.MethodPost, "/v1/usage", scoped, map[string]any{"tokens_consumed": 10, "model_id": "gpt-4o"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "usage:write was not granted")

	_, err = conf.Exchange(context.Background(), code)
	var re *oauth2.RetrieveError
	require.True(t, errors.As(err, &re), "%v", err)
	assert.Equal(t, "invalid_grant", re.ErrorCode)
}

func TestAuthorizeFormAndPolicyDenial(t *testing.T) {
	h := newHarness(t)
	form := url.Values{"end_user_id": {"shadow_formuser"}, "scope": {"workspace:read ledger:read"}, "redirect_uri": {redirect}}
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/oauth/authorize", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("x-app-credential", appCred)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp2, _ := h.do(t, http.MethodPost, "/oauth/authorize", map[string]string{"x-app-credential": "app_demo.nope"}, map[string]any{
		"end_user_id": "shadow_x", "capabilities": []string{"workspace:read"}, "redirect_uri": redirect,
	})
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestAuthorizeDurableUserRequiresTheirIdentity(t *testing.T) {
	h := newHarness(t)
	_, body := h.do(t, http.MethodPost, "/resources", as("user_a"), map[string]string{"title": "Mine"})
	res := decode[store.Resource](t, body)

	req := map[string]any{"end_user_id": "user_a", "capabilities": []string{policy.CapUsageWrite}, "redirect_uri": redirect}
	resp, body := h.do(t, http.MethodPost, "/oauth/authorize", map[string]string{"x-app-credential": appCred}, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, string(body))

	hdr := as("user_b")
	hdr["x-app-credential"] = appCred
	resp, _ = h.do(t, http.MethodPost, "/oauth/authorize", hdr, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "signed in as someone else")

	hdr = as("user_a")
	hdr["x-app-credential"] = appCred
	resp, body = h.do(t, http.MethodPost, "/oauth/authorize", hdr, map[string]any{
		"capabilities": []string{policy.CapWorkspaceRead}, "redirect_uri": redirect, "resource_id": res.ID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	u, err := url.Parse(decode[map[string]any](t, body)["authorization_url"].(string))
	require.NoError(t, err)
	conf := &oauth2.Config{ClientID: "demo", RedirectURL: redirect, Endpoint: oauth2.Endpoint{TokenURL: h.srv.URL + "/oauth/token", AuthStyle: oauth2.AuthStyleInParams}}
	tok, err := conf.Exchange(context.Background(), u.Query().Get("code"))
	require.NoError(t, err)
	assert.Equal(t, res.ID, tok.Extra("resource_id"))
}

func TestTokenEndpointErrors(t *testing.T) {
	h := newHarness(t)
	post := func(v url.Values) (int, map[string]string) {
		resp, err := http.PostForm(h.srv.URL+"/oauth/token", v)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}
	status, out := post(url.Values{"grant_type": {"client_credentials"}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "unsupported_grant_type", out["error"])

	status, out = post(url.Values{"grant_type": {"authorization_code"}, "code": {"ac_unknown"}, "redirect_uri": {redirect}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", out["error"])
	assert.NotEmpty(t, out["error_description"])
}

func TestShadowMigrationOverHTTP(t *testing.T) {
	h := newHarness(t)
	p := h.provision(t)
	code := authorizeCode(t, h, p.AccountID, policy.CapBalanceRead)
	conf := &oauth2.Config{ClientID: "demo", RedirectURL: redirect, Endpoint: oauth2.Endpoint{TokenURL: h.srv.URL + "/oauth/token", AuthStyle: oauth2.AuthStyleInParams}}
	tok, err := conf.Exchange(context.Background(), code)
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodPost, "/accounts/shadow/migrate", as("user_b"), map[string]string{"shadowAccountId": p.AccountID})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	rep := decode[map[string]any](t, body)
	assert.EqualValues(t, 1, rep["resources"])
	assert.EqualValues(t, 10, rep["credits_moved"])
	assert.EqualValues(t, 1, rep["revoked_tokens"])

	resp, _ = h.do(t, http.MethodGet, "/v1/balance", map[string]string{"x-scoped-token": tok.AccessToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "shadow tokens die with the shadow")

	resp, body = h.do(t, http.MethodGet, "/v1/balance", key(p.APIKey), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal := decode[map[string]any](t, body)
	assert.Equal(t, "user_b", bal["account_id"], "the key follows its resource to the new owner")
	assert.EqualValues(t, 10, bal["balance"])

	resp, _ = h.do(t, http.MethodPost, "/accounts/shadow/migrate", as("user_b"), map[string]string{"shadowAccountId": p.AccountID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// the shadow id is the proof of possession: a guessed one does not exist
	resp, _ = h.do(t, http.MethodPost, "/accounts/shadow/migrate", as("user_b"), map[string]string{"shadowAccountId": "shadow_00000000-0000-4000-8000-000000000000"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/accounts/shadow/migrate", as("user_b"), map[string]string{"shadowAccountId": "user_a"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResourcesAndOrganizations(t *testing.T) {
	h := newHarness(t)
	_, body := h.do(t, http.MethodPost, "/resources", as("user_a"), map[string]string{"title": "A"})
	res := decode[store.Resource](t, body)

	resp, _ := h.do(t, http.MethodGet, "/resources/"+res.ID, as("user_b"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPut, "/resources/"+res.ID+"/visibility", as("user_a"), map[string]string{"visibility": "public"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/resources/"+res.ID, as("user_b"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "public resources are readable")
	resp, _ = h.do(t, http.MethodPut, "/resources/"+res.ID+"/visibility", as("user_a"), map[string]string{"visibility": "secret"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/organizations", as("user_a"), map[string]string{"name": "Acme"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_, body = h.do(t, http.MethodGet, "/organizations", as("user_a"), nil)
	assert.Len(t, decode[map[string][]store.Organization](t, body)["organizations"], 1)

	resp, _ = h.do(t, http.MethodDelete, "/resources/"+res.ID, as("user_a"), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, body = h.do(t, http.MethodGet, "/resources", as("user_a"), nil)
	assert.Empty(t, decode[map[string][]store.Resource](t, body)["resources"])
}

func TestDiscoveryDocuments(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/.well-known/oauth-authorization-server", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	md := decode[Metadata](t, body)
	assert.Equal(t, "http://gw.test/oauth/token", md.TokenEndpoint)
	assert.ElementsMatch(t, policy.Known, md.ScopesSupported)
	assert.NotEmpty(t, md.ModelPricing)
	assert.Equal(t, 1.0, md.DefaultCostMultiplier)

	resp, body = h.do(t, http.MethodGet, "/.well-known/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decode[map[string]any](t, body)
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/v1/usage")
	assert.Contains(t, paths, "/keys/{resourceId}/disable")

	h.do(t, http.MethodGet, "/healthz", nil, nil)
	resp, body = h.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http_requests_total")
}
