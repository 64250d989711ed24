package adminapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"chatgate/pkg/middleware"
)

const serviceName = "admin-api-service"

// Handler builds the HTTP handler with routes and middleware.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(a.log))
	r.Use(middleware.Tracing(serviceName, a.log))
	r.Use(middleware.AccessLog(a.log))
	r.Use(a.metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(cors(a.cfg.CORSOrigins))
		ar.Use(a.adminAuth)
		ar.Post("/apps", a.registerApp)
		ar.Get("/apps", a.listApps)
		ar.Delete("/apps/{id}", a.deleteApp)
		ar.Get("/accounts/{id}", a.getAccount)
		ar.Post("/accounts/{id}/credits", a.grantCredits)
		ar.Get("/accounts/{id}/ledger", a.accountLedger)
		ar.Get("/usage/summary", a.usageSummary)
		ar.Post("/reap", a.reap)
	})
	return r
}

// CORSOriginsFromEnv reads ADMIN_CORS_ORIGINS (comma separated).
func CORSOriginsFromEnv() []string {
	v := strings.TrimSpace(os.Getenv("ADMIN_CORS_ORIGINS"))
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
