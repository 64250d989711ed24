package adminapi

import (
	"time"

	"go.uber.org/zap"

	"chatgate/internal/metering"
	"chatgate/pkg/apps"
	"chatgate/pkg/metrics"
	"chatgate/pkg/middleware"
	"chatgate/pkg/store"
)

// Config holds admin-api specific configuration.
type Config struct {
	// CORSOrigins may contain exact origins or "*".
	CORSOrigins []string
	// DevHeader admits X-Admin-Dev: 1 when no identity provider is configured.
	DevHeader bool
}

// App is the admin-api application container.
// Handlers and middleware have methods on this type.
type App struct {
	log     *zap.SugaredLogger
	store   store.Store
	apps    apps.Provider
	meter   *metering.Meter
	idp     middleware.IdentityProvider
	metrics *metrics.Registry
	cfg     Config
	now     func() time.Time
}

// New constructs App. idp and m may be nil.
func New(log *zap.SugaredLogger, st store.Store, ap apps.Provider, meter *metering.Meter, idp middleware.IdentityProvider, m *metrics.Registry, cfg Config) *App {
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:3001"}
	}
	return &App{
		log: log, store: st, apps: ap, meter: meter, idp: idp, metrics: m, cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}
