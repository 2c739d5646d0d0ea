package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestHTTPMetricsUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{ServiceName: "genbroker", Environment: "test"})

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/api/generations/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for _, id := range []string{"1", "2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/generations/"+id, nil))
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/api/generations/:id", "200"))
	if got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}

	var sample dto.Metric
	if err := m.latency.WithLabelValues(http.MethodGet, "/api/generations/:id").(prometheus.Histogram).Write(&sample); err != nil {
		t.Fatalf("read latency histogram: %v", err)
	}
	if count := sample.GetHistogram().GetSampleCount(); count != 2 {
		t.Fatalf("expected 2 latency samples, got %d", count)
	}
}
