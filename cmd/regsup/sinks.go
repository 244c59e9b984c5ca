package main

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/registry-supervisor/internal/api"
	"github.com/nerrad567/registry-supervisor/internal/history"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/influxdb"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/logging"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/mqtt"
	"github.com/nerrad567/registry-supervisor/internal/process"
	"github.com/nerrad567/registry-supervisor/internal/registry"
)

const sinkTimeout = 5 * time.Second

// historyRecorder is the part of history.Repository the sinks write to.
type historyRecorder interface {
	RecordTask(ctx context.Context, report process.TaskReport) error
	RecordConfig(ctx context.Context, cfg registry.Config) error
}

// eventPublisher is the part of the MQTT client the sinks publish through.
type eventPublisher interface {
	Topics() mqtt.Topics
	PublishJSON(topic string, v any, retained bool) error
}

// metricWriter is the part of the InfluxDB client the sinks write to.
type metricWriter interface {
	WriteTaskRun(r influxdb.TaskRun)
	WriteStateChange(supervisor, from, to string, at time.Time)
}

// eventBroadcaster is the part of the API WebSocket hub the sinks push to.
type eventBroadcaster interface {
	Broadcast(channel string, payload any)
}

// sinks fans supervisor events out to whichever outputs are open.
// Supervisor hooks call it sequentially from a single goroutine.
type sinks struct {
	log  *logging.Logger
	name string

	mu      sync.RWMutex
	history historyRecorder
	mqtt    eventPublisher
	influx  metricWriter
	events  eventBroadcaster
}

func (s *sinks) setHistory(h historyRecorder) {
	s.mu.Lock()
	s.history = h
	s.mu.Unlock()
}

func (s *sinks) setMQTT(p eventPublisher) {
	s.mu.Lock()
	s.mqtt = p
	s.mu.Unlock()
}

func (s *sinks) setInflux(w metricWriter) {
	s.mu.Lock()
	s.influx = w
	s.mu.Unlock()
}

func (s *sinks) setEvents(b eventBroadcaster) {
	s.mu.Lock()
	s.events = b
	s.mu.Unlock()
}

func (s *sinks) outputs() (historyRecorder, eventPublisher, metricWriter) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history, s.mqtt, s.influx
}

// broadcast forwards an event to WebSocket subscribers, if the API runs.
func (s *sinks) broadcast(channel string, payload any) {
	s.mu.RLock()
	events := s.events
	s.mu.RUnlock()
	if events != nil {
		events.Broadcast(channel, payload)
	}
}

// stateMessage is published retained on the state topic.
type stateMessage struct {
	Supervisor string        `json:"supervisor"`
	From       process.State `json:"from"`
	State      process.State `json:"state"`
	At         time.Time     `json:"at"`
}

func (s *sinks) stateChanged(from, to process.State) {
	s.log.Debug("supervisor state changed", "from", from, "to", to)
	_, pub, metrics := s.outputs()
	now := time.Now()
	msg := stateMessage{Supervisor: s.name, From: from, State: to, At: now.UTC()}

	s.broadcast(api.ChannelState, msg)
	if pub != nil {
		if err := pub.PublishJSON(pub.Topics().State(), msg, true); err != nil {
			s.log.Warn("publishing supervisor state", "error", err)
		}
	}
	if metrics != nil {
		metrics.WriteStateChange(s.name, string(from), string(to), now)
	}
}

func (s *sinks) taskDone(report process.TaskReport) {
	s.log.Debug("task resolved",
		"task_id", report.ID, "label", report.Label, "outcome", report.Outcome, "duration", report.Duration)
	hist, pub, metrics := s.outputs()

	s.broadcast(api.ChannelTasks, report)
	if hist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := hist.RecordTask(ctx, report); err != nil {
			s.log.Warn("recording task run", "task_id", report.ID, "error", err)
		}
		cancel()
	}
	if pub != nil {
		if err := pub.PublishJSON(pub.Topics().Tasks(), report, false); err != nil {
			s.log.Warn("publishing task report", "task_id", report.ID, "error", err)
		}
	}
	if metrics != nil {
		metrics.WriteTaskRun(influxdb.TaskRun{
			Supervisor: s.name,
			Label:      report.Label,
			Outcome:    string(report.Outcome),
			Wait:       report.Wait,
			Duration:   report.Duration,
			Bytes:      report.Bytes,
			FinishedAt: report.FinishedAt,
		})
	}
}

// discovered runs on the discovering goroutine, not the hook goroutine.
func (s *sinks) discovered(cfg registry.Config) {
	s.log.Info("registry discovered", "http_address", cfg.HTTPAddress, "user", cfg.Username)
	hist, pub, _ := s.outputs()

	s.broadcast(api.ChannelRegistry, cfg)
	if hist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := hist.RecordConfig(ctx, cfg); err != nil {
			s.log.Warn("recording registry config", "error", err)
		}
		cancel()
	}
	if pub != nil {
		if err := pub.PublishJSON(pub.Topics().Config(), cfg, true); err != nil {
			s.log.Warn("publishing registry config", "error", err)
		}
	}
}

var (
	_ historyRecorder  = (*history.SQLiteRepository)(nil)
	_ eventPublisher   = (*mqtt.Client)(nil)
	_ metricWriter     = (*influxdb.Client)(nil)
	_ eventBroadcaster = (*api.Hub)(nil)
)
