package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatgate/internal/adminapi"
	"chatgate/internal/metering"
	"chatgate/pkg/config"
	pdb "chatgate/pkg/db"
	"chatgate/pkg/logger"
	"chatgate/pkg/metrics"
	"chatgate/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, "admin-api-service")
	defer func() { _ = log.Sync() }()

	pool := pdb.MustConnect(cfg, log)
	st := pdb.MustStore(cfg, pool, log)
	defer st.Close()
	ap := pdb.MustApps(cfg, pool, log)

	pricing, err := metering.LoadPricing(cfg.ModelPricingFile)
	if err != nil {
		log.Fatalw("model pricing", "err", err)
	}
	m := metrics.NewRegistry(prometheus.DefaultRegisterer)

	var idp middleware.IdentityProvider
	if cfg.AdminIssuer != "" {
		v, err := middleware.NewOIDCVerifier(cfg.AdminIssuer, cfg.AdminAudience, cfg.AdminJWKSURL, "sub", cfg.ClockSkew)
		if err != nil {
			log.Fatalw("admin oidc verifier", "err", err)
		}
		idp = v
	} else if cfg.Env == "prod" {
		log.Fatalw("ADMIN_OIDC_ISSUER is required in prod")
	}

	app := adminapi.New(log, st, ap, metering.NewMeter(st, pricing, log, m), idp, m, adminapi.Config{
		CORSOrigins: adminapi.CORSOriginsFromEnv(),
		DevHeader:   cfg.Env == "dev",
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", app.Handler())

	srv := &http.Server{Addr: cfg.AdminAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infof("admin-api listening at %s", cfg.AdminAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
