package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentHandler_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hi"))
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/jobs/{id}", "418"))
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil))
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/jobs/{id}", "418"))
	if after-before != 2 {
		t.Errorf("counter delta = %v, want 2", after-before)
	}
}

type fakeStats struct{}

func (fakeStats) QueueDepth() int   { return 3 }
func (fakeStats) ActiveStages() int { return 2 }
func (fakeStats) Completed() int64  { return 10 }
func (fakeStats) Failed() int64     { return 1 }

func TestCollector(t *testing.T) {
	c := NewCollector(nil, fakeStats{})
	if n := testutil.CollectAndCount(c); n != 7 {
		t.Errorf("metrics = %d, want 7", n)
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(nil, nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Errorf("gather with nil stats: %v", err)
	}
}
