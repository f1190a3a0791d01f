package batch

import "github.com/prometheus/client_golang/prometheus"

type batchMetrics struct {
	executionsTotal   *prometheus.CounterVec
	itemsTotal        *prometheus.CounterVec
	itemRetries       prometheus.Counter
	executionDuration *prometheus.HistogramVec
	activeExecutions  prometheus.Gauge
}

func initBatchMetrics() *batchMetrics {
	return &batchMetrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_lifecycle_batch_executions_total",
				Help: "Total number of batch executions by strategy and final status",
			},
			[]string{"strategy", "status"},
		),
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_lifecycle_batch_items_total",
				Help: "Total number of batch items by operation and result",
			},
			[]string{"operation", "result"},
		),
		itemRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugin_lifecycle_batch_item_retries_total",
				Help: "Total number of batch item retry attempts",
			},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugin_lifecycle_batch_execution_duration_seconds",
				Help:    "Duration of batch executions",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"strategy"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugin_lifecycle_batch_active_executions",
				Help: "Number of batch executions in progress",
			},
		),
	}
}

func (m *batchMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.executionsTotal, m.itemsTotal, m.itemRetries, m.executionDuration, m.activeExecutions}
}
