package influxdb

import (
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementTaskRuns     = "task_runs"
	MeasurementStateChanges = "supervisor_state"
	MeasurementProcess      = "supervisor_process"
)

// TaskRun is the point written for every resolved task.
type TaskRun struct {
	Supervisor string
	Label      string
	Outcome    string
	Wait       time.Duration
	Duration   time.Duration
	Bytes      int64
	FinishedAt time.Time
}

// ProcessSample is a resource usage reading of the running registry.
type ProcessSample struct {
	Supervisor string
	PID        int32
	RSSBytes   uint64
	CPUPercent float64
	Threads    int32
	At         time.Time
}

// TaskKind reduces a task label to a low-cardinality tag value:
// "versions:left-pad" becomes "versions" and an empty label "task".
func TaskKind(label string) string {
	kind, _, _ := strings.Cut(label, ":")
	if kind == "" {
		return "task"
	}
	return kind
}

// NewTaskRunPoint builds the task_runs point for r. The full label is
// stored as a field so package names do not become tags.
func NewTaskRunPoint(r TaskRun) *write.Point {
	fields := map[string]any{
		"wait_ms":     r.Wait.Milliseconds(),
		"duration_ms": r.Duration.Milliseconds(),
		"bytes":       r.Bytes,
	}
	if r.Label != "" {
		fields["label"] = r.Label
	}
	return write.NewPoint(MeasurementTaskRuns,
		map[string]string{
			"supervisor": r.Supervisor,
			"kind":       TaskKind(r.Label),
			"outcome":    r.Outcome,
		},
		fields, r.FinishedAt)
}

// NewStateChangePoint builds the supervisor_state point for a transition.
func NewStateChangePoint(supervisor, from, to string, at time.Time) *write.Point {
	return write.NewPoint(MeasurementStateChanges,
		map[string]string{"supervisor": supervisor, "state": to},
		map[string]any{"from": from},
		at)
}

// NewProcessPoint builds the supervisor_process point for s.
func NewProcessPoint(s ProcessSample) *write.Point {
	return write.NewPoint(MeasurementProcess,
		map[string]string{"supervisor": s.Supervisor},
		map[string]any{
			"pid":         s.PID,
			"rss_bytes":   s.RSSBytes,
			"cpu_percent": s.CPUPercent,
			"threads":     s.Threads,
		},
		s.At)
}

// WriteTaskRun queues a task_runs point.
func (c *Client) WriteTaskRun(r TaskRun) {
	c.writePoint(NewTaskRunPoint(r))
}

// WriteStateChange queues a supervisor_state point.
func (c *Client) WriteStateChange(supervisor, from, to string, at time.Time) {
	c.writePoint(NewStateChangePoint(supervisor, from, to, at))
}

// WriteProcessSample queues a supervisor_process point.
func (c *Client) WriteProcessSample(s ProcessSample) {
	c.writePoint(NewProcessPoint(s))
}
