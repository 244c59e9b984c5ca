package influxdb

import "errors"

// Metric sink errors; match them with errors.Is.
var (
	ErrNotConnected     = errors.New("influxdb: client closed")
	ErrConnectionFailed = errors.New("influxdb: server unreachable or unhealthy")

	// ErrWriteFailed wraps batch errors passed to the SetOnError callback.
	// Task and state points in a failed batch are not retried.
	ErrWriteFailed = errors.New("influxdb: write failed")

	// ErrDisabled means influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: metrics disabled")
)
