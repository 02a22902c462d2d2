package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "poker_ws_connections",
		Help: "Current number of active event stream connections on the backend",
	})
	WsEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poker_ws_events_total",
		Help: "Total number of room events broadcast by the backend",
	}, []string{"event"})
	StreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poker_stream_reconnects_total",
		Help: "Total number of event stream reconnect attempts made by the client",
	})
	EventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poker_events_applied_total",
		Help: "Total number of stream events applied to the snapshot cache",
	}, []string{"event"})
	SnapshotPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poker_snapshot_polls_total",
		Help: "Total number of snapshot refreshes by result",
	}, []string{"result"})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poker_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter",
	}, []string{"path"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, WsEventsTotal, StreamReconnects, EventsApplied, SnapshotPolls,
		RateLimited, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
