package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/tools/request", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/status/queue", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})
	r.Handle("/metrics", Handler())

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/tools/request", nil),
		httptest.NewRequest(http.MethodGet, "/status/queue", nil),
		httptest.NewRequest(http.MethodGet, "/missing", nil),
		httptest.NewRequest(http.MethodGet, "/metrics", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")); val != 1 {
		t.Errorf("Expected httpRequestsTotal for POST 202 to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET 200 to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")); val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET 404 to be 1, got %f", val)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val != 3 {
		t.Errorf("Expected 3 route series without the scrape route, got %d", val)
	}
}
