package automation

import "github.com/prometheus/client_golang/prometheus"

type engineMetrics struct {
	eventsTotal       prometheus.Counter
	executionsTotal   *prometheus.CounterVec
	executionDuration prometheus.Histogram
}

func initEngineMetrics() *engineMetrics {
	return &engineMetrics{
		eventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugin_lifecycle_automation_events_total",
				Help: "Total number of events processed by automation rules",
			},
		),
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_lifecycle_automation_executions_total",
				Help: "Total number of automation rule executions by rule and result",
			},
			[]string{"rule", "result"},
		),
		executionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "plugin_lifecycle_automation_execution_duration_seconds",
				Help:    "Duration of automation rule executions",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func (m *engineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.eventsTotal, m.executionsTotal, m.executionDuration}
}
