package lifecycle

import "github.com/prometheus/client_golang/prometheus"

type managerMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	crashesTotal      prometheus.Counter
	rollbacksTotal    prometheus.Counter
	instances         *prometheus.GaugeVec
}

func initManagerMetrics() *managerMetrics {
	return &managerMetrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_lifecycle_operations_total",
				Help: "Total number of lifecycle operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugin_lifecycle_operation_duration_seconds",
				Help:    "Duration of lifecycle operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		crashesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugin_lifecycle_crashes_total",
				Help: "Total number of unexpected instance exits",
			},
		),
		rollbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugin_lifecycle_rollbacks_total",
				Help: "Total number of instances stopped by start rollbacks",
			},
		),
		instances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plugin_lifecycle_instances",
				Help: "Number of managed instances by plugin",
			},
			[]string{"plugin"},
		),
	}
}

func (m *managerMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.operationsTotal,
		m.operationDuration,
		m.crashesTotal,
		m.rollbacksTotal,
		m.instances,
	}
}
