// Package metrics exposes mobu's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mobu"

// Metrics holds every collector on a private registry.
type Metrics struct {
	businessHealth *prometheus.GaugeVec
	failures       *prometheus.CounterVec
	restarts       *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	flocks         prometheus.Gauge
	monkeys        *prometheus.GaugeVec
	schedulerTasks prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.businessHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "business_health",
			Help:      "1 if the most recent startup or iteration of the business succeeded",
		},
		[]string{"flock", "monkey", "business"},
	)

	m.failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monkey_failures_total",
			Help:      "Total number of business failures seen by monkey supervisors",
		},
		[]string{"flock", "business"},
	)

	m.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monkey_restarts_total",
			Help:      "Total number of businesses restarted after a failure",
		},
		[]string{"flock", "business"},
	)

	m.refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flock_refreshes_total",
			Help:      "Total number of refresh signals sent to flocks",
		},
		[]string{"flock"},
	)

	m.flocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flocks",
			Help:      "Number of running flocks",
		},
	)

	m.monkeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monkeys",
			Help:      "Number of monkeys in each flock",
		},
		[]string{"flock"},
	)

	m.schedulerTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_active_tasks",
			Help:      "Number of tasks running on the shared scheduler",
		},
	)

	m.registry.MustRegister(
		m.businessHealth,
		m.failures,
		m.restarts,
		m.refreshes,
		m.flocks,
		m.monkeys,
		m.schedulerTasks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// MonkeyFailed counts a business failure.
func (m *Metrics) MonkeyFailed(flock, business string) {
	m.failures.WithLabelValues(flock, business).Inc()
}

// MonkeyRestarted counts a restart after a failure.
func (m *Metrics) MonkeyRestarted(flock, business string) {
	m.restarts.WithLabelValues(flock, business).Inc()
}

// FlockRefreshed counts a refresh signal.
func (m *Metrics) FlockRefreshed(flock string) {
	m.refreshes.WithLabelValues(flock).Inc()
}

// SetBusinessHealth records the health of one monkey's business.
func (m *Metrics) SetBusinessHealth(flock, monkey, business string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1
	}
	m.businessHealth.WithLabelValues(flock, monkey, business).Set(value)
}

// SetFlocks records the number of running flocks.
func (m *Metrics) SetFlocks(n int) {
	m.flocks.Set(float64(n))
}

// SetMonkeys records the number of monkeys in a flock.
func (m *Metrics) SetMonkeys(flock string, n int) {
	m.monkeys.WithLabelValues(flock).Set(float64(n))
}

// SetSchedulerTasks records the number of running scheduler tasks.
func (m *Metrics) SetSchedulerTasks(n int) {
	m.schedulerTasks.Set(float64(n))
}

// ForgetFlock drops every series labelled with flock.
func (m *Metrics) ForgetFlock(flock string) {
	labels := prometheus.Labels{"flock": flock}
	m.businessHealth.DeletePartialMatch(labels)
	m.monkeys.DeletePartialMatch(labels)
}

// Registry returns the registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
