package executor

import "time"

// MetricsRecorder records engine runtime metrics.
type MetricsRecorder interface {
	RecordBatchExecution(outcome string, duration time.Duration)
	IncActiveBatches()
	DecActiveBatches()
	RecordAction(actionType string, status string)
	RecordReservation(outcome string)
	RecordRollback(entries int)
	RecordRollbackEntry(status string)
}

type nopMetricsRecorder struct{}

func (n *nopMetricsRecorder) RecordBatchExecution(outcome string, duration time.Duration) {}
func (n *nopMetricsRecorder) IncActiveBatches()                                         {}
func (n *nopMetricsRecorder) DecActiveBatches()                                         {}
func (n *nopMetricsRecorder) RecordAction(actionType string, status string)             {}
func (n *nopMetricsRecorder) RecordReservation(outcome string)                          {}
func (n *nopMetricsRecorder) RecordRollback(entries int)                                {}
func (n *nopMetricsRecorder) RecordRollbackEntry(status string)                         {}
