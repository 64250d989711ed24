package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatgate/internal/accounts"
	"chatgate/internal/keys"
	"chatgate/internal/metering"
	"chatgate/internal/oauth"
	"chatgate/internal/policy"
	"chatgate/internal/resources"
	"chatgate/pkg/apps"
	"chatgate/pkg/config"
	"chatgate/pkg/metrics"
	"chatgate/pkg/middleware"
	"chatgate/pkg/openapi"
	"chatgate/pkg/store"
)

// Deps are the process-wide pieces the gateway is assembled from. Redis, IdP
// and Metrics are optional.
type Deps struct {
	Config   config.Config
	Log      *zap.SugaredLogger
	Store    store.Store
	Apps     apps.Provider
	Policy   *policy.Engine
	Pricing  *metering.Pricing
	Signer   *oauth.Signer
	Redis    *redis.Client
	IdP      middleware.IdentityProvider
	Metrics  *metrics.Registry
	Gatherer prometheus.Gatherer
}

// App is the gateway application container. Handlers are methods on it.
type App struct {
	cfg       config.Config
	log       *zap.SugaredLogger
	store     store.Store
	keys      *keys.Manager
	broker    *oauth.Broker
	accounts  *accounts.Migrator
	meter     *metering.Meter
	resources *resources.Service
	creds     middleware.CredentialResolver
	idp       middleware.IdentityProvider
	metrics   *metrics.Registry
	gatherer  prometheus.Gatherer
	api       *openapi.Registry
	router    http.Handler
}

func New(d Deps) *App {
	a := &App{
		cfg:       d.Config,
		log:       d.Log,
		store:     d.Store,
		keys:      keys.NewManager(d.Store, d.Log, d.Metrics),
		meter:     metering.NewMeter(d.Store, d.Pricing, d.Log, d.Metrics),
		resources: resources.NewService(d.Store, d.Log),
		idp:       d.IdP,
		metrics:   d.Metrics,
		gatherer:  d.Gatherer,
		api:       openapi.NewRegistry(),
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	a.broker = oauth.NewBroker(d.Store, d.Apps, d.Policy, d.Signer, d.Redis, oauth.Options{
		CodeTTL:        d.Config.CodeTTL,
		TokenTTL:       d.Config.TokenTTL,
		CacheTTL:       d.Config.TokenCacheTTL,
		StarterCredits: d.Config.ShadowStarterCredits,
	}, d.Log, d.Metrics)
	a.accounts = accounts.NewMigrator(d.Store, d.Apps, a.broker, d.Config.ShadowStarterCredits, d.Log, d.Metrics)
	a.creds = credentials{store: d.Store, keys: a.keys, broker: a.broker}
	a.router = a.routes()
	return a
}

// Handler returns the gateway's HTTP handler.
func (a *App) Handler() http.Handler { return a.router }
