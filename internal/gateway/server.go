package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatgate/internal/policy"
	"chatgate/pkg/middleware"
	"chatgate/pkg/openapi"
)

const serviceName = "gateway-service"

var (
	accountSec  = []string{openapi.SchemeAccount}
	appSec      = []string{openapi.SchemeApp}
	resourceSec = []string{openapi.SchemeAPIKey, openapi.SchemeScopedToken}
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(a.log))
	r.Use(publicCORS)
	r.Use(middleware.Tracing(serviceName, a.log))
	r.Use(middleware.AccessLog(a.log))
	r.Use(a.metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	r.Get("/.well-known/openapi.json", a.api.ServeHandler(a.apiInfo()))
	r.Get("/.well-known/oauth-authorization-server", a.discovery)

	a.handle(r, http.MethodPost, "/oauth/authorize", "Issue an authorization code", appSec, "", a.authorize)
	a.handle(r, http.MethodPost, "/oauth/token", "Exchange a code for a scoped token", nil, "", a.token)
	a.handle(r, http.MethodPost, "/accounts/shadow", "Provision a shadow account", appSec, "", a.provisionShadow)

	r.Group(func(ar chi.Router) {
		ar.Use(middleware.AccountAuth(a.idp, a.devAccounts()))
		ar.Use(a.signUp)
		a.handle(ar, http.MethodGet, "/accounts/me", "Current account", accountSec, "", a.me)
		a.handle(ar, http.MethodPost, "/accounts/shadow/migrate", "Merge a shadow account into the caller", accountSec, "", a.migrate)

		a.handle(ar, http.MethodPost, "/keys/{resourceId}", "Generate (rotate) the resource API key", accountSec, "", a.generateKey)
		a.handle(ar, http.MethodGet, "/keys/{resourceId}", "API key status", accountSec, "", a.keyStatus)
		a.handle(ar, http.MethodPost, "/keys/{resourceId}/disable", "Disable the resource API key", accountSec, "", a.disableKey)
		a.handle(ar, http.MethodPost, "/keys/{resourceId}/enable", "Enable the resource API key", accountSec, "", a.enableKey)

		a.handle(ar, http.MethodPost, "/resources", "Create a workspace", accountSec, "", a.createResource)
		a.handle(ar, http.MethodGet, "/resources", "List owned workspaces", accountSec, "", a.listResources)
		a.handle(ar, http.MethodGet, "/resources/{resourceId}", "Read a workspace", accountSec, "", a.getResource)
		a.handle(ar, http.MethodDelete, "/resources/{resourceId}", "Delete a workspace and its key", accountSec, "", a.deleteResource)
		a.handle(ar, http.MethodPut, "/resources/{resourceId}/visibility", "Change workspace visibility", accountSec, "", a.setVisibility)

		a.handle(ar, http.MethodPost, "/organizations", "Create an organization", accountSec, "", a.createOrganization)
		a.handle(ar, http.MethodGet, "/organizations", "List owned organizations", accountSec, "", a.listOrganizations)
	})

	scoped := func(capability string) chi.Router {
		return r.With(middleware.ResourceAuth(a.creds, capability))
	}
	a.handle(scoped(policy.CapWorkspaceRead), http.MethodGet, "/v1/workspace", "Workspace bound to the credential", resourceSec, policy.CapWorkspaceRead, a.workspace)
	a.handle(scoped(policy.CapBalanceRead), http.MethodGet, "/v1/balance", "Credit balance", resourceSec, policy.CapBalanceRead, a.balance)
	a.handle(scoped(policy.CapUsageWrite), http.MethodPost, "/v1/usage/check", "Pre-flight credit check", resourceSec, policy.CapUsageWrite, a.checkUsage)
	a.handle(scoped(policy.CapUsageWrite), http.MethodPost, "/v1/usage", "Debit credits for consumed tokens", resourceSec, policy.CapUsageWrite, a.recordUsage)
	a.handle(scoped(policy.CapLedgerRead), http.MethodGet, "/v1/ledger", "Credit ledger", resourceSec, policy.CapLedgerRead, a.ledger)

	return r
}

// devAccounts reports whether X-Account-ID stands in for an identity provider.
func (a *App) devAccounts() bool { return a.cfg.Env == "dev" && a.cfg.Issuer == "" }

// handle mounts h and publishes it in the OpenAPI document.
func (a *App) handle(r chi.Router, method, path, summary string, security []string, capability string, h http.HandlerFunc) {
	r.Method(method, path, h)
	op := openapi.Operation{
		Method: method, Path: path, Summary: summary, Security: security,
		Tags: []string{strings.Split(strings.TrimPrefix(path, "/"), "/")[0]},
	}
	if capability != "" {
		op.Scopes = []string{capability}
	}
	a.api.Register(op)
}

// publicCORS lets browser tooling call the gateway from any origin.
func publicCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Account-ID, x-app-credential, x-scoped-token, Idempotency-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
