// Package metrics provides Prometheus metrics for vstorage's
// configuration and volume operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "vstorage"
)

// Operation types for the configuration API (spec.md §4.D).
const (
	OpConfigList   = "ConfigList"
	OpConfigRead   = "ConfigRead"
	OpConfigCreate = "ConfigCreate"
	OpConfigUpdate = "ConfigUpdate"
	OpConfigDelete = "ConfigDelete"
)

// Operation types for the backend contract (spec.md §4.E).
const (
	OpAllocImage             = "AllocImage"
	OpFreeImage              = "FreeImage"
	OpListImages             = "ListImages"
	OpStatus                 = "Status"
	OpActivateStorage        = "ActivateStorage"
	OpDeactivateStorage      = "DeactivateStorage"
	OpCloneImage             = "CloneImage"
	OpCreateBase             = "CreateBase"
	OpVolumeResize           = "VolumeResize"
	OpVolumeSnapshot         = "VolumeSnapshot"
	OpVolumeSnapshotDelete   = "VolumeSnapshotDelete"
	OpVolumeSnapshotRollback = "VolumeSnapshotRollback"
)

var (
	// configOperationsTotal counts configapi operations by outcome.
	configOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_operations_total",
			Help:      "Total number of configuration API operations by operation type and status",
		},
		[]string{"operation", "status"},
	)

	configOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "config_operation_duration_seconds",
			Help:      "Duration of configuration API operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"operation"},
	)

	// backendOperationsTotal counts driver-level operations, labeled by
	// storage type (spec.md §4.E's type_name) rather than protocol.
	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_operations_total",
			Help:      "Total number of backend operations by storage type, operation type and status",
		},
		[]string{"type", "operation", "status"},
	)

	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_operation_duration_seconds",
			Help:      "Duration of backend operations in seconds by storage type",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~400s
		},
		[]string{"type", "operation"},
	)

	// volumeCapacityBytes mirrors the last known capacity reported by
	// status() for a storage entry.
	volumeCapacityBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_capacity_bytes",
			Help:      "Storage capacity in bytes by storeid and kind (total, free, used)",
		},
		[]string{"storeid", "kind"},
	)
)

// RecordConfigOperation records the outcome of a configapi operation.
func RecordConfigOperation(operation, status string, duration time.Duration) {
	configOperationsTotal.WithLabelValues(operation, status).Inc()
	configOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBackendOperation records the outcome of a backend driver
// operation for the given storage type.
func RecordBackendOperation(typeName, operation, status string, duration time.Duration) {
	backendOperationsTotal.WithLabelValues(typeName, operation, status).Inc()
	backendOperationDuration.WithLabelValues(typeName, operation).Observe(duration.Seconds())
}

// SetStorageCapacity records the last status() reading for a storeid.
func SetStorageCapacity(storeid string, totalBytes, freeBytes, usedBytes uint64) {
	volumeCapacityBytes.WithLabelValues(storeid, "total").Set(float64(totalBytes))
	volumeCapacityBytes.WithLabelValues(storeid, "free").Set(float64(freeBytes))
	volumeCapacityBytes.WithLabelValues(storeid, "used").Set(float64(usedBytes))
}

// DeleteStorageCapacity removes the capacity gauges for a storeid
// whose config entry was deleted.
func DeleteStorageCapacity(storeid string) {
	volumeCapacityBytes.DeleteLabelValues(storeid, "total")
	volumeCapacityBytes.DeleteLabelValues(storeid, "free")
	volumeCapacityBytes.DeleteLabelValues(storeid, "used")
}

// ConfigTimer times one configapi operation and records its outcome.
type ConfigTimer struct {
	start     time.Time
	operation string
}

// NewConfigTimer starts timing a configapi operation.
func NewConfigTimer(operation string) *ConfigTimer {
	return &ConfigTimer{start: time.Now(), operation: operation}
}

// ObserveSuccess records a successful configapi operation.
func (t *ConfigTimer) ObserveSuccess() {
	RecordConfigOperation(t.operation, "success", time.Since(t.start))
}

// ObserveError records a failed configapi operation.
func (t *ConfigTimer) ObserveError() {
	RecordConfigOperation(t.operation, "error", time.Since(t.start))
}

// BackendTimer times one backend driver operation for a storage type.
type BackendTimer struct {
	start     time.Time
	typeName  string
	operation string
}

// NewBackendTimer starts timing a backend driver operation.
func NewBackendTimer(typeName, operation string) *BackendTimer {
	return &BackendTimer{start: time.Now(), typeName: typeName, operation: operation}
}

// ObserveSuccess records a successful backend operation.
func (t *BackendTimer) ObserveSuccess() {
	RecordBackendOperation(t.typeName, t.operation, "success", time.Since(t.start))
}

// ObserveError records a failed backend operation.
func (t *BackendTimer) ObserveError() {
	RecordBackendOperation(t.typeName, t.operation, "error", time.Since(t.start))
}
