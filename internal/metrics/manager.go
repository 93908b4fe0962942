package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Manager handles all application metrics
type Manager struct {
	prometheus *PrometheusMetrics
	logger     *logrus.Entry
	startTime  time.Time
}

// NewManager creates a metrics manager registered on the default registry.
func NewManager() *Manager {
	return NewManagerWithRegistry(prometheus.DefaultRegisterer)
}

// NewManagerWithRegistry creates a metrics manager registered on reg.
// Tests pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewManagerWithRegistry(reg prometheus.Registerer) *Manager {
	return &Manager{
		prometheus: NewPrometheusMetrics(reg),
		logger:     logrus.WithField("component", "metrics"),
		startTime:  time.Now(),
	}
}

// GetPrometheusMetrics returns the Prometheus metrics instance
func (m *Manager) GetPrometheusMetrics() *PrometheusMetrics {
	return m.prometheus
}

// UpdateSystemMetrics updates system-level metrics like memory and goroutines
func (m *Manager) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.prometheus.UpdateMemoryUsage(memStats.Alloc)
	m.prometheus.UpdateGoroutineCount(runtime.NumGoroutine())
	m.prometheus.UpdateApplicationUptime(m.startTime)
}
