package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func nopLog() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func TestAccessLogRecordsStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := RequestID()(AccessLog(zap.New(core).Sugar())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError)
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resources", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("double WriteHeader").Len())
	entries := logs.FilterMessage("request").All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.EqualValues(t, http.StatusCreated, fields["status"])
		assert.NotEmpty(t, fields["request_id"])
	}
}
