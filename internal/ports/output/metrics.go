package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncQueryCount increments the statement counter.
	IncQueryCount(dialect string, success bool)

	// ObserveQueryDuration records statement duration.
	ObserveQueryDuration(dialect string, duration time.Duration)

	// AddRowsLoaded adds the number of rows inserted from files.
	AddRowsLoaded(table string, rows int64)

	// IncFilesImported increments the imported file counter.
	IncFilesImported(format string, success bool)

	// SetTablesLoaded sets the number of tables tracked by the catalog.
	SetTablesLoaded(count int)

	// SetTablesReady sets the number of catalog tables ready for queries.
	SetTablesReady(count int)

	// IncProcessExecutions increments the process execution counter.
	IncProcessExecutions(process string, success bool)

	// ObserveProcessDuration records process execution duration.
	ObserveProcessDuration(process string, duration time.Duration)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncQueryCount implements MetricsCollector.
func (n *NoOpMetrics) IncQueryCount(_ string, _ bool) {}

// ObserveQueryDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveQueryDuration(_ string, _ time.Duration) {}

// AddRowsLoaded implements MetricsCollector.
func (n *NoOpMetrics) AddRowsLoaded(_ string, _ int64) {}

// IncFilesImported implements MetricsCollector.
func (n *NoOpMetrics) IncFilesImported(_ string, _ bool) {}

// SetTablesLoaded implements MetricsCollector.
func (n *NoOpMetrics) SetTablesLoaded(_ int) {}

// SetTablesReady implements MetricsCollector.
func (n *NoOpMetrics) SetTablesReady(_ int) {}

// IncProcessExecutions implements MetricsCollector.
func (n *NoOpMetrics) IncProcessExecutions(_ string, _ bool) {}

// ObserveProcessDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveProcessDuration(_ string, _ time.Duration) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
