package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/registry-supervisor/internal/infrastructure/influxdb"
	"github.com/nerrad567/registry-supervisor/internal/process"
)

const defaultSampleInterval = 30 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var sampleInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor as a daemon",
		Long: `Run the supervisor until interrupted. The registry server is started on
demand, task history is recorded and, when configured, events are
published to MQTT, metrics written to InfluxDB and the HTTP API served.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, cmd, sampleInterval)
		},
	}
	cmd.Flags().DurationVar(&sampleInterval, "sample-interval", defaultSampleInterval,
		"how often to sample registry resource usage while it runs")
	return cmd
}

func runServe(ctx context.Context, opts *globalOptions, cmd *cobra.Command, sampleInterval time.Duration) error {
	a, err := newApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	a.log.Info("starting regsup",
		"version", version,
		"commit", commit,
		"build_date", date,
		"binary", a.cfg.Supervisor.Binary,
	)

	if err := a.openHistory(ctx); err != nil {
		return err
	}
	if err := a.connectSinks(); err != nil {
		return err
	}

	if a.cfg.API.Enabled {
		if err := a.startAPI(ctx); err != nil {
			return err
		}
	}

	if a.mqtt != nil {
		if err := a.mqtt.Subscribe(a.mqtt.Topics().VersionRequest(), byte(a.cfg.MQTT.QoS), a.versionRequestHandler(ctx)); err != nil {
			return fmt.Errorf("subscribing to version requests: %w", err)
		}
	}

	if a.cfg.Registry.DiscoverOnStart {
		go func() {
			if _, err := a.registry.Discover(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("initial registry discovery failed", "error", err)
			}
		}()
	}

	if a.influx != nil && sampleInterval > 0 {
		go a.sampleUsage(ctx, sampleInterval)
	}

	a.log.Info("regsup ready")
	<-ctx.Done()
	a.log.Info("shutting down", "reason", context.Cause(ctx))
	return nil
}

// versionRequest is the payload accepted on the version request topic.
type versionRequest struct {
	Package string `json:"package"`
}

// versionReply is published retained on the package's versions topic.
type versionReply struct {
	Package  string    `json:"package"`
	Versions []string  `json:"versions"`
	At       time.Time `json:"at"`
}

// versionRequestHandler answers remote version queries. The query runs
// through the supervisor queue on its own goroutine so the MQTT client's
// dispatch is never blocked.
func (a *app) versionRequestHandler(ctx context.Context) func(string, []byte) error {
	return func(_ string, payload []byte) error {
		var req versionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decoding version request: %w", err)
		}
		req.Package = strings.TrimSpace(req.Package)
		if req.Package == "" {
			return errors.New("version request without package")
		}

		go func() {
			versions := a.registry.PackageVersions(ctx, req.Package)
			reply := versionReply{Package: req.Package, Versions: versions, At: time.Now().UTC()}
			if err := a.mqtt.PublishJSON(a.mqtt.Topics().Versions(req.Package), reply, true); err != nil {
				a.log.Warn("publishing versions", "package", req.Package, "error", err)
			}
		}()
		return nil
	}
}

// sampleUsage writes the registry server's resource usage to InfluxDB
// while it runs.
func (a *app) sampleUsage(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		usage, err := a.sup.ResourceUsage(ctx)
		if errors.Is(err, process.ErrNotRunning) {
			continue
		}
		if err != nil {
			a.log.Debug("sampling registry resource usage", "error", err)
			continue
		}
		a.influx.WriteProcessSample(influxdb.ProcessSample{
			Supervisor: a.cfg.Supervisor.Name,
			PID:        int32(usage.PID), //nolint:gosec // PIDs fit in int32
			RSSBytes:   usage.RSSBytes,
			CPUPercent: usage.CPUPercent,
			Threads:    usage.Threads,
			At:         time.Now(),
		})
	}
}
