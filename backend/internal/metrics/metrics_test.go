package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_CountersAndHandler(t *testing.T) {
	c := NewCollector("relay_test")

	c.Commit(true)
	c.Commit(true)
	c.Commit(false)
	c.Push("signal-emit", true)
	c.Push("signal-emit", false)
	c.ObserveEvent("commit", "ok", 5*time.Millisecond)
	c.SetConnections(3)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `relay_test_commits_total{result="ok"} 2`))
	assert.True(t, strings.Contains(body, `relay_test_commits_total{result="error"} 1`))
	assert.True(t, strings.Contains(body, `relay_test_pushes_total{event="signal-emit",result="dropped"} 1`))
	assert.True(t, strings.Contains(body, "relay_test_ws_connections 3"))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Commit(true)
		c.Push("x", true)
		c.KafkaEvent("sent")
		c.CacheResult(true)
		c.HTTPRequest("GET", "/healthz", 200)
		c.SetPresence(1)
	})
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// 每个 Collector 自带 registry，重复创建不会 panic，计数互不影响
	var a, b *Collector
	assert.NotPanics(t, func() {
		a = NewCollector("relay_a")
		b = NewCollector("relay_a")
	})
	require.NotSame(t, a.Registry(), b.Registry())

	a.KafkaEvent("sent")
	a.KafkaEvent("sent")
	assert.Equal(t, 2.0, counterValue(t, a, "relay_a_kafka_events_total", "sent"))
	assert.Equal(t, 0.0, counterValue(t, b, "relay_a_kafka_events_total", "sent"))
}

func TestCollector_RegistryGathersAllFamilies(t *testing.T) {
	c := NewCollector("relay_g")
	c.CacheResult(true)
	c.HTTPRequest("GET", "/healthz", 200)

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "relay_g_status_cache_hits_total")
	assert.Contains(t, names, "relay_g_http_requests_total")
	assert.Contains(t, names, "relay_g_ws_connections")

	var nilCollector *Collector
	assert.Nil(t, nilCollector.Registry())
}

// counterValue 从 registry 里取单个 label 值对应的计数
func counterValue(t *testing.T, c *Collector, name, label string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
