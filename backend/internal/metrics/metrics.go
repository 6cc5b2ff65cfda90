// Package metrics relay 的 Prometheus 指标。每个 Collector 自带 registry，
// 不注册到全局默认 registry，测试里可以随便 new。
// 所有方法对 nil *Collector 安全，不需要指标的组件直接传 nil。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	// 连接
	Connections prometheus.Gauge
	Presence    prometheus.Gauge

	// 协议事件
	Events        *prometheus.CounterVec
	EventDuration *prometheus.HistogramVec

	// 推送：signal-emit / telepresence-signal / signal
	Pushes *prometheus.CounterVec

	Commits     *prometheus.CounterVec
	KafkaEvents *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Number of open websocket connections",
		}),
		Presence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_entries",
			Help:      "Number of registered presence entries",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_total",
			Help:      "Inbound websocket events by name and result",
		}, []string{"event", "result"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ws_event_duration_seconds",
			Help:      "Inbound websocket event handling time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Outbound pushes by event and result",
		}, []string{"event", "result"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commits by result",
		}, []string{"result"}),
		KafkaEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_events_total",
			Help:      "Commit events published to kafka by result",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_cache_hits_total",
			Help:      "Agent status cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_cache_misses_total",
			Help:      "Agent status cache misses",
		}),
	}

	registry.MustRegister(
		c.Connections,
		c.Presence,
		c.Events,
		c.EventDuration,
		c.Pushes,
		c.Commits,
		c.KafkaEvents,
		c.HTTPRequests,
		c.CacheHits,
		c.CacheMisses,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler /metrics
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveEvent(event, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(event, result).Inc()
	c.EventDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

func (c *Collector) Push(event string, delivered bool) {
	if c == nil {
		return
	}
	result := "queued"
	if !delivered {
		result = "dropped"
	}
	c.Pushes.WithLabelValues(event, result).Inc()
}

func (c *Collector) Commit(ok bool) {
	if c == nil {
		return
	}
	c.Commits.WithLabelValues(okOrError(ok)).Inc()
}

// KafkaEvent result: sent / failed / dropped
func (c *Collector) KafkaEvent(result string) {
	if c == nil {
		return
	}
	c.KafkaEvents.WithLabelValues(result).Inc()
}

func (c *Collector) HTTPRequest(method, route string, status int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (c *Collector) CacheResult(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.CacheHits.Inc()
		return
	}
	c.CacheMisses.Inc()
}

func (c *Collector) SetConnections(n int) {
	if c == nil {
		return
	}
	c.Connections.Set(float64(n))
}

func (c *Collector) SetPresence(n int) {
	if c == nil {
		return
	}
	c.Presence.Set(float64(n))
}

func okOrError(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
