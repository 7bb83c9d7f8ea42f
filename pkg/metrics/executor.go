package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initExecutorMetrics(cfg Config) {
	m.batchExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_executions_total",
			Help: "Total number of batch executions by outcome",
		},
		[]string{"outcome"},
	)

	m.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_execution_duration_seconds",
			Help:    "Batch execution duration in seconds",
			Buckets: cfg.BatchDurationBuckets,
		},
		[]string{"outcome"},
	)

	m.batchActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_active_count",
			Help: "Current number of batches being executed",
		},
	)

	m.actionResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_actions_total",
			Help: "Total number of actions processed by type and status",
		},
		[]string{"action_type", "status"},
	)

	m.reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_outcomes_total",
			Help: "Total number of reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.rollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rollbacks_total",
			Help: "Total number of rollback sweeps",
		},
	)

	m.rollbackEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollback_entries_total",
			Help: "Total number of rolled back actions by status",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(m.batchExecutions)
	m.registry.MustRegister(m.batchDuration)
	m.registry.MustRegister(m.batchActive)
	m.registry.MustRegister(m.actionResults)
	m.registry.MustRegister(m.reservations)
	m.registry.MustRegister(m.rollbacks)
	m.registry.MustRegister(m.rollbackEntries)
}

// RecordBatchExecution records one batch run and its duration.
func (m *Manager) RecordBatchExecution(outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.batchExecutions.WithLabelValues(outcome).Inc()
	m.batchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncActiveBatches increments the running batch count.
func (m *Manager) IncActiveBatches() {
	if !m.enabled {
		return
	}
	m.batchActive.Inc()
}

// DecActiveBatches decrements the running batch count.
func (m *Manager) DecActiveBatches() {
	if !m.enabled {
		return
	}
	m.batchActive.Dec()
}

// RecordAction records one action result.
func (m *Manager) RecordAction(actionType string, status string) {
	if !m.enabled {
		return
	}
	m.actionResults.WithLabelValues(actionType, status).Inc()
}

// RecordReservation records one reservation outcome.
func (m *Manager) RecordReservation(outcome string) {
	if !m.enabled {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

// RecordRollback records one rollback sweep.
func (m *Manager) RecordRollback(entries int) {
	if !m.enabled {
		return
	}
	m.rollbacks.Inc()
}

// RecordRollbackEntry records one rolled back action.
func (m *Manager) RecordRollbackEntry(status string) {
	if !m.enabled {
		return
	}
	m.rollbackEntries.WithLabelValues(status).Inc()
}
