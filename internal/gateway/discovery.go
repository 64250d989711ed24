package gateway

import (
	"net/http"
	"strings"

	"chatgate/internal/metering"
	"chatgate/internal/policy"
	"chatgate/pkg/middleware"
	"chatgate/pkg/openapi"
)

const apiVersion = "1.0.0"

var capabilityDocs = map[string]string{
	policy.CapWorkspaceRead: "Read the bound workspace",
	policy.CapBalanceRead:   "Read the credit balance",
	policy.CapUsageWrite:    "Check and debit credits for model usage",
	policy.CapLedgerRead:    "Read the credit ledger",
}

func (a *App) baseURL() string { return strings.TrimRight(a.cfg.BasePublicURL, "/") }

func (a *App) apiInfo() openapi.Info {
	base := a.baseURL()
	return openapi.Info{
		Title:    "chatgate",
		Version:  apiVersion,
		BaseURL:  base,
		AuthURL:  base + "/oauth/authorize",
		TokenURL: base + "/oauth/token",
		Scopes:   capabilityDocs,
	}
}

// Metadata is the RFC 8414 authorization server document, extended with the
// model price table so clients can estimate cost before calling.
type Metadata struct {
	Issuer                string                `json:"issuer"`
	AuthorizationEndpoint string                `json:"authorization_endpoint"`
	TokenEndpoint         string                `json:"token_endpoint"`
	ResponseTypes         []string              `json:"response_types_supported"`
	GrantTypes            []string              `json:"grant_types_supported"`
	TokenEndpointAuth     []string              `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported       []string              `json:"scopes_supported"`
	ServiceDocumentation  string                `json:"service_documentation"`
	DefaultCostMultiplier float64               `json:"x_default_cost_multiplier"`
	ModelPricing          []metering.ModelPrice `json:"x_model_pricing"`
	ScopedTokenHeader     string                `json:"x_scoped_token_header"`
	AppCredentialHeader   string                `json:"x_app_credential_header"`
}

func (a *App) discovery(w http.ResponseWriter, _ *http.Request) {
	base := a.baseURL()
	p := a.meter.Pricing()
	writeJSON(w, Metadata{
		Issuer:                a.cfg.TokenIssuer,
		AuthorizationEndpoint: base + "/oauth/authorize",
		TokenEndpoint:         base + "/oauth/token",
		ResponseTypes:         []string{"code"},
		GrantTypes:            []string{"authorization_code"},
		TokenEndpointAuth:     []string{"none"},
		ScopesSupported:       policy.Known,
		ServiceDocumentation:  base + "/.well-known/openapi.json",
		DefaultCostMultiplier: p.DefaultMultiplier(),
		ModelPricing:          p.Table(),
		ScopedTokenHeader:     middleware.ScopedTokenHeader,
		AppCredentialHeader:   appCredentialHeader,
	}, http.StatusOK)
}
