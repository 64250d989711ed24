// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env       string
	HTTPAddr  string // gateway-service
	AdminAddr string // admin-api-service

	BasePublicURL string

	// OIDC / JWT for end-user accounts (the external identity provider)
	Issuer       string
	Audience     string
	JWKSURL      string
	AccountClaim string // JMESPath expression over the verified claims
	ClockSkew    time.Duration

	// Admin bearer validation
	AdminIssuer   string
	AdminAudience string
	AdminJWKSURL  string

	// Scoped tokens and authorization codes
	TokenSigningKey string
	TokenIssuer     string
	CodeTTL         time.Duration
	TokenTTL        time.Duration
	TokenCacheTTL   time.Duration

	// Persistence
	RedisURL     string
	DatabaseURL  string
	StoreTimeout time.Duration
	ReapInterval time.Duration

	// Metering and provisioning
	ShadowStarterCredits int64
	ModelPricingFile     string
	CapabilityPolicyFile string
	AppSeedJSON          string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                  env("CHATGATE_ENV", "dev"),
		HTTPAddr:             env("GATEWAY_HTTP_ADDR", ":8080"),
		AdminAddr:            env("ADMIN_HTTP_ADDR", ":8082"),
		BasePublicURL:        env("BASE_PUBLIC_URL", "http://localhost:8080"),
		Issuer:               env("OIDC_ISSUER", ""),
		Audience:             env("OIDC_AUDIENCE", "chatgate"),
		JWKSURL:              env("JWKS_URL", ""),
		AccountClaim:         env("ACCOUNT_CLAIM", "sub"),
		ClockSkew:            envDur("CLOCK_SKEW_SEC", 60) * time.Second,
		AdminIssuer:          env("ADMIN_OIDC_ISSUER", ""),
		AdminAudience:        env("ADMIN_OIDC_AUDIENCE", "chatgate-admin"),
		AdminJWKSURL:         env("ADMIN_JWKS_URL", ""),
		TokenSigningKey:      env("TOKEN_SIGNING_KEY", ""),
		TokenIssuer:          env("TOKEN_ISSUER", "chatgate"),
		CodeTTL:              envDur("CODE_TTL_SEC", 300) * time.Second,
		TokenTTL:             envDur("TOKEN_TTL_SEC", 3600) * time.Second,
		TokenCacheTTL:        envDur("TOKEN_CACHE_TTL_SEC", 30) * time.Second,
		RedisURL:             env("REDIS_URL", ""),
		DatabaseURL:          env("DATABASE_URL", ""),
		StoreTimeout:         envDur("STORE_TIMEOUT_SEC", 5) * time.Second,
		ReapInterval:         envDur("REAP_INTERVAL_SEC", 60) * time.Second,
		ShadowStarterCredits: envInt("SHADOW_STARTER_CREDITS", 100),
		ModelPricingFile:     env("MODEL_PRICING_FILE", ""),
		CapabilityPolicyFile: env("CAPABILITY_POLICY_FILE", ""),
		AppSeedJSON:          env("APP_SEED_JSON", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set; using in-memory credential store for dev")
	}
	if cfg.TokenSigningKey == "" {
		if cfg.Env == "prod" {
			log.Fatal("TOKEN_SIGNING_KEY is required in prod")
		}
		log.Println("[WARN] TOKEN_SIGNING_KEY not set; using an insecure dev key")
		cfg.TokenSigningKey = "chatgate-dev-signing-key-do-not-use"
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return i
		}
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
