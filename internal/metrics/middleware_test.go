package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareCountsByStatus(t *testing.T) {
	Init()
	created := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "201"))
	missing := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))
	implicit := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/api/refresh", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	r.Get("/api/news", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/refresh", nil),
		httptest.NewRequest(http.MethodGet, "/api/news", nil),
		httptest.NewRequest(http.MethodGet, "/no/such/route", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, created+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "201")))
	assert.Equal(t, implicit+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")),
		"a handler that never calls WriteHeader is counted as 200")
	assert.Equal(t, missing+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")))
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds, "http_request_duration_seconds"))
}
