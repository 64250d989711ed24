// pkg/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the collectors shared by both services. A nil *Registry is
// valid and records nothing, so components can be built without metrics in tests.
type Registry struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	KeyValidations      *prometheus.CounterVec
	CodesIssued         prometheus.Counter
	TokenExchanges      *prometheus.CounterVec
	TokenValidations    *prometheus.CounterVec
	TokenCache          *prometheus.CounterVec
	CreditsDebited      *prometheus.CounterVec
	DebitsRejected      prometheus.Counter
	Migrations          *prometheus.CounterVec
	ReapedRows          *prometheus.CounterVec
}

// NewRegistry creates the collectors and registers them with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chatgate_http_requests_total", Help: "HTTP requests by route and status."},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		KeyValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chatgate_key_validations_total", Help: "API key validations by outcome."},
			[]string{"outcome"},
		),
		CodesIssued: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "chatgate_auth_codes_issued_total", Help: "Authorization codes issued."},
		),
		TokenExchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chatgate_token_exchanges_total", Help: "Code exchanges by outcome."},
			[]string{"outcome"},
		),
		TokenValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chatgate_token_validations_total", Help: "Scoped token validations by outcome."},
			[]string{"outcome"},
		),
		TokenCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chatgate_token_cache_total", Help: "Token record cache lookups."},
			[]string{"result"},
		),
		CreditsDebited: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chatgate_credits_debited_total", Help: "Credits debited by model."},
			[]string{"model"},
		),
		DebitsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "chatgate_debits_rejected_total", Help: "Debits refused for insufficient credits."},
		),
		Migrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chatgate_shadow_migrations_total", Help: "Shadow account migrations by outcome."},
			[]string{"outcome"},
		),
		ReapedRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chatgate_reaped_rows_total", Help: "Expired rows removed by the reaper."},
			[]string{"kind"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			r.HTTPRequestsTotal, r.HTTPRequestDuration, r.KeyValidations, r.CodesIssued,
			r.TokenExchanges, r.TokenValidations, r.TokenCache, r.CreditsDebited,
			r.DebitsRejected, r.Migrations, r.ReapedRows,
		)
	}
	return r
}

// Outcome labels an operation result by its error.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func (r *Registry) KeyValidated(err error) {
	if r != nil {
		r.KeyValidations.WithLabelValues(Outcome(err)).Inc()
	}
}

func (r *Registry) CodeIssued() {
	if r != nil {
		r.CodesIssued.Inc()
	}
}

func (r *Registry) Exchanged(err error) {
	if r != nil {
		r.TokenExchanges.WithLabelValues(Outcome(err)).Inc()
	}
}

func (r *Registry) TokenValidated(err error) {
	if r != nil {
		r.TokenValidations.WithLabelValues(Outcome(err)).Inc()
	}
}

func (r *Registry) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	if hit {
		r.TokenCache.WithLabelValues("hit").Inc()
	} else {
		r.TokenCache.WithLabelValues("miss").Inc()
	}
}

func (r *Registry) Debited(model string, credits int64) {
	if r != nil {
		r.CreditsDebited.WithLabelValues(model).Add(float64(credits))
	}
}

func (r *Registry) DebitRejected() {
	if r != nil {
		r.DebitsRejected.Inc()
	}
}

func (r *Registry) Migrated(err error) {
	if r != nil {
		r.Migrations.WithLabelValues(Outcome(err)).Inc()
	}
}

func (r *Registry) Reaped(codes, tokens int64) {
	if r != nil {
		r.ReapedRows.WithLabelValues("auth_code").Add(float64(codes))
		r.ReapedRows.WithLabelValues("scoped_token").Add(float64(tokens))
	}
}

// Middleware records request counts and latency keyed by the chi route pattern,
// so path parameters do not explode label cardinality.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		route := "unmatched"
		if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.HTTPRequestsTotal.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
		r.HTTPRequestDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}
