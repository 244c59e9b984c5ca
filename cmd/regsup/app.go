package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/nerrad567/registry-supervisor/internal/api"
	"github.com/nerrad567/registry-supervisor/internal/history"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/config"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/database"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/influxdb"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/logging"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/mqtt"
	"github.com/nerrad567/registry-supervisor/internal/panel"
	"github.com/nerrad567/registry-supervisor/internal/portprobe"
	"github.com/nerrad567/registry-supervisor/internal/process"
	"github.com/nerrad567/registry-supervisor/internal/registry"
	"github.com/nerrad567/registry-supervisor/migrations"
)

// app holds the components shared by the subcommands. Optional pieces
// (history, MQTT, InfluxDB) stay nil until opened.
type app struct {
	cfg *config.Config
	log *logging.Logger

	sup      *process.Supervisor
	registry *registry.Client
	sinks    *sinks

	db      *database.DB
	history *history.SQLiteRepository
	mqtt    *mqtt.Client
	influx  *influxdb.Client
	api     *api.Server

	// Shutdown steps, run by Close.
	stopAPI        func()
	stopSupervisor func()
	closers        []func()
}

// loadConfig reads the config file. An explicitly named file must exist;
// the default path may be absent, in which case defaults apply.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	path := opts.resolveConfigPath()

	var cfg *config.Config
	var err error
	if opts.configPath == "" && os.Getenv("REGSUP_CONFIG") == "" {
		cfg, err = config.LoadOptional(path)
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	return cfg, nil
}

// newApp builds the supervisor and registry client from the config.
// Nothing is started until a command submits work.
func newApp(opts *globalOptions, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	log := logging.New(cfg.Logging, version)
	a := &app{cfg: cfg, log: log}
	a.sinks = &sinks{log: log.With("component", "sinks"), name: cfg.Supervisor.Name}

	supCfg := supervisorConfig(cfg)
	supCfg.OnStateChange = a.sinks.stateChanged
	supCfg.OnTaskDone = a.sinks.taskDone
	a.sup = process.NewSupervisor(supCfg)
	a.sup.SetLogger(log.With("component", "supervisor", "name", cfg.Supervisor.Name))

	npm := registry.NewNPM(cfg.NPM.Binary)
	npm.Timeout = cfg.NPM.Timeout
	npm.MaxOutput = cfg.NPM.MaxOutput

	a.registry = registry.NewClient(a.sup, registry.Options{
		NPM:          npm,
		Prober:       portprobe.Prober{},
		ReadyTimeout: cfg.Registry.ReadyTimeout,
		OnDiscovered: a.sinks.discovered,
	})
	a.registry.SetLogger(log.With("component", "registry"))

	notifier := &cliNotifier{
		log:            log,
		out:            stderr,
		npm:            npm,
		installPackage: cfg.Supervisor.InstallPackage,
		installMissing: opts.installMissing,
	}
	a.sup.SetNotifier(notifier)
	a.registry.SetNotifier(notifier)

	a.stopSupervisor = func() {
		if err := a.sup.Close(); err != nil {
			log.Error("error stopping registry server", "error", err)
		}
	}
	return a, nil
}

// supervisorConfig maps the supervisor config section onto process.Config.
func supervisorConfig(cfg *config.Config) process.Config {
	s := cfg.Supervisor
	pc := process.DefaultConfig(s.Name, s.Binary, s.Args)
	pc.Env = s.Env
	pc.WorkDir = s.WorkDir
	if len(s.VersionArgs) > 0 {
		pc.VersionArgs = s.VersionArgs
	}
	pc.InstallHint = cfg.InstallHint()
	pc.IdleTimeout = s.IdleTimeout
	pc.GracefulTimeout = s.GracefulTimeout
	pc.StopSignal = s.Signal()
	pc.RetainBytes = s.RetainBytes
	pc.BufferInitial = s.Buffer.Initial
	pc.BufferGrowQuantum = s.Buffer.GrowQuantum
	return pc
}

// openHistory opens the SQLite database, applies migrations and starts
// recording task runs and discovered configs.
func (a *app) openHistory(ctx context.Context) error {
	db, err := database.Open(a.cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("running migrations: %w", err)
	}

	a.db = db
	a.history = history.NewSQLiteRepository(db.DB)
	a.sinks.setHistory(a.history)
	a.closers = append(a.closers, func() {
		if err := db.Close(); err != nil {
			a.log.Error("error closing database", "error", err)
		}
	})
	a.log.Debug("history database ready", "path", db.Path())
	return nil
}

// connectSinks connects to MQTT and InfluxDB when enabled. Either failing
// is fatal: a configured sink that silently drops events is worse than
// refusing to start.
func (a *app) connectSinks() error {
	if a.cfg.MQTT.Enabled {
		client, err := mqtt.Connect(a.cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		client.SetLogger(a.log.With("component", "mqtt"))
		client.SetOnConnect(func() { a.log.Info("MQTT connected") })
		client.SetOnDisconnect(func(err error) { a.log.Warn("MQTT disconnected", "error", err) })
		a.mqtt = client
		a.sinks.setMQTT(client)
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.log.Error("error closing MQTT", "error", err)
			}
		})
		a.log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", a.cfg.MQTT.Broker.Host, a.cfg.MQTT.Broker.Port),
			"prefix", a.cfg.MQTT.TopicPrefix)
	}

	if a.cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(a.cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		client.SetOnError(func(err error) { a.log.Error("InfluxDB write error", "error", err) })
		a.influx = client
		a.sinks.setInflux(client)
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.log.Error("error closing InfluxDB", "error", err)
			}
		})
		a.log.Info("InfluxDB connected", "url", a.cfg.InfluxDB.URL, "bucket", a.cfg.InfluxDB.Bucket)
	}
	return nil
}

// startAPI serves the HTTP API and routes supervisor events to its
// WebSocket hub. It must run after openHistory.
func (a *app) startAPI(ctx context.Context) error {
	deps := api.Deps{
		Config: a.cfg.API,
		Timeouts: api.Timeouts{
			Read:  a.cfg.GetReadTimeout(),
			Write: a.cfg.GetWriteTimeout(),
			Idle:  a.cfg.GetIdleTimeout(),
		},
		WS:         a.cfg.WebSocket,
		Security:   a.cfg.Security,
		Logger:     a.log.With("component", "api"),
		Supervisor: a.sup,
		Registry:   a.registry,
		Version:    version,
	}
	if a.history != nil {
		deps.History = a.history
	}
	if a.cfg.API.Panel.Enabled {
		deps.Panel = panel.Handler(a.cfg.API.Panel.Dir)
	}

	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	a.api = server
	a.sinks.setEvents(server.Hub())
	a.stopAPI = func() {
		if err := server.Close(); err != nil {
			a.log.Error("error closing API server", "error", err)
		}
	}
	return nil
}

// Close shuts down in dependency order. The API stops taking requests
// while the database is still open, the registry server stops so pending
// hooks reach the sinks, and the sinks close in reverse order of opening.
func (a *app) Close() {
	if a.stopAPI != nil {
		a.stopAPI()
	}
	if a.stopSupervisor != nil {
		a.stopSupervisor()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
