package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// The vectors are package level so every mux observes into the same series,
// while each mux gets its own registry for exposition. Registering a collector
// with more than one registry is explicitly allowed by the client library.
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "npud",
			Name:      "http_requests_total",
			Help:      "Count of HTTP requests by method, path and status code.",
		},
		[]string{"method", "path", "code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "npud",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and path.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	tasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "npud",
			Name:      "tasks_submitted_total",
			Help:      "Count of inference tasks accepted by the scheduler, by priority.",
		},
		[]string{"priority"},
	)
)

var (
	descDevicesTotal = prometheus.NewDesc(
		"npud_devices_total", "Number of devices in the registry.", nil, nil)
	descDevicesActive = prometheus.NewDesc(
		"npud_devices_active", "Number of devices currently available.", nil, nil)
	descComputeUtil = prometheus.NewDesc(
		"npud_compute_utilization_percent", "Mean compute utilization across devices.", nil, nil)
	descMemoryUtil = prometheus.NewDesc(
		"npud_memory_utilization_percent", "Committed memory as a share of fleet capacity.", nil, nil)
	descPowerDraw = prometheus.NewDesc(
		"npud_power_consumption_watts", "Aggregate reported power draw.", nil, nil)
	descTasksCompleted = prometheus.NewDesc(
		"npud_tasks_completed_last_minute", "Tasks completed in the trailing minute.", nil, nil)
	descQueuedTasks = prometheus.NewDesc(
		"npud_queued_tasks", "Number of tasks waiting for dispatch.", nil, nil)
	descAvgTaskSeconds = prometheus.NewDesc(
		"npud_average_task_seconds", "Mean runtime of recently completed tasks.", nil, nil)
)

// statsCollector exports the scheduler's usage statistics as gauges.
type statsCollector struct {
	svc Service
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descDevicesTotal
	ch <- descDevicesActive
	ch <- descComputeUtil
	ch <- descMemoryUtil
	ch <- descPowerDraw
	ch <- descTasksCompleted
	ch <- descQueuedTasks
	ch <- descAvgTaskSeconds
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.svc.UsageStats(context.Background())
	ch <- prometheus.MustNewConstMetric(descDevicesTotal, prometheus.GaugeValue, float64(stats.TotalDevices))
	ch <- prometheus.MustNewConstMetric(descDevicesActive, prometheus.GaugeValue, float64(stats.ActiveDevices))
	ch <- prometheus.MustNewConstMetric(descComputeUtil, prometheus.GaugeValue, stats.ComputeUtilization)
	ch <- prometheus.MustNewConstMetric(descMemoryUtil, prometheus.GaugeValue, stats.MemoryUtilization)
	ch <- prometheus.MustNewConstMetric(descPowerDraw, prometheus.GaugeValue, stats.PowerConsumptionWatts)
	ch <- prometheus.MustNewConstMetric(descTasksCompleted, prometheus.GaugeValue, float64(stats.TasksCompletedLastMinute))
	ch <- prometheus.MustNewConstMetric(descQueuedTasks, prometheus.GaugeValue, float64(stats.QueuedTasks))
	ch <- prometheus.MustNewConstMetric(descAvgTaskSeconds, prometheus.GaugeValue, stats.AverageTaskTime.Seconds())
}

func metricsHandler(svc Service) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(httpRequestsTotal, httpRequestDuration, tasksSubmitted)
	reg.MustRegister(&statsCollector{svc: svc})
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			path := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
