package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/foldersync/foldersync/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// series returns every sample currently held by c.
func series(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	var out []*dto.Metric
	for m := range ch {
		dm := &dto.Metric{}
		if err := m.Write(dm); err == nil {
			out = append(out, dm)
		}
	}
	return out
}

// find returns the sample of c whose labels include all of want, or nil.
func find(c prometheus.Collector, want prometheus.Labels) *dto.Metric {
	for _, dm := range series(c) {
		have := map[string]string{}
		for _, lp := range dm.GetLabel() {
			have[lp.GetName()] = lp.GetValue()
		}
		match := true
		for k, v := range want {
			if have[k] != v {
				match = false
				break
			}
		}
		if match {
			return dm
		}
	}
	return nil
}

func requestCount(labels prometheus.Labels) float64 {
	if dm := find(telemetry.HTTPRequestsTotal, labels); dm != nil {
		return dm.GetCounter().GetValue()
	}
	return 0
}

func durationSamples(labels prometheus.Labels) uint64 {
	if dm := find(telemetry.HTTPRequestDuration, labels); dm != nil {
		return dm.GetHistogram().GetSampleCount()
	}
	return 0
}

// gitRoutes is a minimal engine with the metrics middleware in front of the
// two smart HTTP routes a fetch uses.
func gitRoutes(status int) *gin.Engine {
	r := gin.New()
	r.Use(MetricsMiddleware())
	h := func(c *gin.Context) { c.Status(status) }
	r.GET("/:repo/info/refs", h)
	r.POST("/:repo/git-upload-pack", h)
	return r
}

func serve(r http.Handler, method, path string) {
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, path, nil))
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

func TestMetricsMiddleware_CountsByRouteAndStatus(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/:repo/info/refs", "status": "200"}
	before := requestCount(labels)

	serve(gitRoutes(http.StatusOK), http.MethodGet, "/acme.git/info/refs?service=git-upload-pack")

	if got := requestCount(labels); got-before != 1 {
		t.Errorf("http_requests_total grew by %.0f, want 1", got-before)
	}
}

func TestMetricsMiddleware_ObservesDuration(t *testing.T) {
	labels := prometheus.Labels{"method": "POST", "path": "/:repo/git-upload-pack"}
	before := durationSamples(labels)

	serve(gitRoutes(http.StatusOK), http.MethodPost, "/globex.git/git-upload-pack")

	if got := durationSamples(labels); got <= before {
		t.Errorf("http_request_duration_seconds samples = %d, want more than %d", got, before)
	}
}

func TestMetricsMiddleware_TenantsShareOneSeries(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/:repo/info/refs", "status": "401"}
	before := requestCount(labels)

	r := gitRoutes(http.StatusUnauthorized)
	for _, tenant := range []string{"acme", "globex", "initech"} {
		serve(r, http.MethodGet, "/"+tenant+".git/info/refs")
	}

	if got := requestCount(labels); got-before != 3 {
		t.Errorf("shared series grew by %.0f, want 3", got-before)
	}
	for _, raw := range []string{"/acme.git/info/refs", "/globex.git/info/refs"} {
		if find(telemetry.HTTPRequestsTotal, prometheus.Labels{"path": raw}) != nil {
			t.Errorf("raw URL %s used as a path label", raw)
		}
	}
}

func TestMetricsMiddleware_UnmatchedPath(t *testing.T) {
	serve(gitRoutes(http.StatusOK), http.MethodGet, "/acme.git/objects/info/packs")

	if find(telemetry.HTTPRequestsTotal, prometheus.Labels{"path": noRoute, "status": "404"}) == nil {
		t.Errorf("unmatched request not recorded under %s", noRoute)
	}
	if find(telemetry.HTTPRequestsTotal, prometheus.Labels{"path": "/acme.git/objects/info/packs"}) != nil {
		t.Error("unmatched raw path used as a label")
	}
}
