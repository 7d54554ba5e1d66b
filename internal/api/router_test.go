// internal/api/router_test.go
package api

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ginRequestCount 默认 registry 中某路由模板的请求计数之和
func ginRequestCount(t *testing.T, route string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != "gin_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "url" && l.GetValue() == route {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestHTTPMetricsCountRoutes(t *testing.T) {
	enable := func(o *RouterOptions) { o.MetricsEnabled = true }
	s := newTestServer(t, nil, enable)

	before := ginRequestCount(t, "/stats")
	for i := 0; i < 3; i++ {
		rec, _ := s.do(t, http.MethodGet, "/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, before+3, ginRequestCount(t, "/stats"))

	// 会话 id 不进入标签
	beforeStory := ginRequestCount(t, "/story/:id")
	s.do(t, http.MethodGet, "/story/some-session", nil)
	assert.Equal(t, beforeStory+1, ginRequestCount(t, "/story/:id"))

	// 第二个路由实例共用同一组采集器
	other := newTestServer(t, nil, enable)
	other.do(t, http.MethodGet, "/stats", nil)
	assert.Equal(t, before+4, ginRequestCount(t, "/stats"))

	rec, _ := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `url="/stats"`)
}
