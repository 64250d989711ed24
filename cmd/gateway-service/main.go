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

	"chatgate/internal/gateway"
	"chatgate/internal/metering"
	"chatgate/internal/oauth"
	"chatgate/internal/policy"
	"chatgate/pkg/config"
	"chatgate/pkg/db"
	"chatgate/pkg/logger"
	"chatgate/pkg/metrics"
	"chatgate/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, "gateway-service")
	defer func() { _ = log.Sync() }()

	pool := db.MustConnect(cfg, log)
	st := db.MustStore(cfg, pool, log)
	defer st.Close()
	ap := db.MustApps(cfg, pool, log)
	rdb := db.MustRedis(cfg, log)
	if rdb == nil {
		log.Warnw("REDIS_URL not set; scoped token cache disabled")
	}

	pol, err := policy.Load(context.Background(), cfg.CapabilityPolicyFile, log)
	if err != nil {
		log.Fatalw("capability policy", "err", err)
	}
	pricing, err := metering.LoadPricing(cfg.ModelPricingFile)
	if err != nil {
		log.Fatalw("model pricing", "err", err)
	}
	signer, err := oauth.NewSigner([]byte(cfg.TokenSigningKey), cfg.TokenIssuer)
	if err != nil {
		log.Fatalw("token signer", "err", err)
	}

	var idp middleware.IdentityProvider
	if cfg.Issuer != "" {
		v, err := middleware.NewOIDCVerifier(cfg.Issuer, cfg.Audience, cfg.JWKSURL, cfg.AccountClaim, cfg.ClockSkew)
		if err != nil {
			log.Fatalw("oidc verifier", "err", err)
		}
		idp = v
	} else {
		log.Warnw("OIDC_ISSUER not set; account routes trust X-Account-ID", "env", cfg.Env)
	}

	m := metrics.NewRegistry(prometheus.DefaultRegisterer)
	app := gateway.New(gateway.Deps{
		Config: cfg, Log: log, Store: st, Apps: ap, Policy: pol, Pricing: pricing,
		Signer: signer, Redis: rdb, IdP: idp, Metrics: m,
	})

	ctx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go gateway.RunReaper(ctx, st, cfg.ReapInterval, m, log)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: app.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("gateway-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	stopReaper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Infow("gateway-service stopped")
}
