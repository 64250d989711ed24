package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.KeyValidated(nil)
	r.Debited("gpt-4o", 3)
	r.Reaped(1, 2)
	h := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	assert.NotNil(t, h)
}

func TestCountersAndRouteLabel(t *testing.T) {
	r := NewRegistry(prometheus.NewRegistry())
	r.KeyValidated(nil)
	r.KeyValidated(errors.New("nope"))
	r.Debited("gpt-4o", 15)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.KeyValidations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.KeyValidations.WithLabelValues("error")))
	assert.Equal(t, 15.0, testutil.ToFloat64(r.CreditsDebited.WithLabelValues("gpt-4o")))

	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/keys/{resourceId}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/keys/abc", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.HTTPRequestsTotal.WithLabelValues("GET", "/keys/{resourceId}", "418")))
}
