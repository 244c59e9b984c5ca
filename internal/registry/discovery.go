package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/registry-supervisor/internal/portprobe"
	"github.com/nerrad567/registry-supervisor/internal/process"
)

// Default readiness polling, used before querying a freshly started server.
const (
	DefaultReadyTimeout      = 30 * time.Second
	DefaultReadyPollInterval = 100 * time.Millisecond
)

// Logger defines the logging interface for the registry client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopNotifier struct{}

func (noopNotifier) ToolMissing(context.Context, process.ToolNotice) {}
func (noopNotifier) Warn(context.Context, string, error)             {}

// Options configures a Client.
type Options struct {
	// NPM runs identity and version queries. Defaults to NewNPM("npm").
	NPM *NPM

	// Prober checks the discovered port. The zero value probes all interfaces.
	Prober portprobe.Prober

	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration

	// OnDiscovered is called once with the completed configuration.
	OnDiscovered func(Config)
}

// Client discovers and queries the registry served by a Supervisor.
type Client struct {
	sup      *process.Supervisor
	opts     Options
	logger   Logger
	notifier process.Notifier

	group singleflight.Group

	mu     sync.RWMutex
	config *Config
}

// NewClient creates a client that runs its work through sup.
func NewClient(sup *process.Supervisor, opts Options) *Client {
	if opts.NPM == nil {
		opts.NPM = NewNPM("npm")
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.ReadyPollInterval == 0 {
		opts.ReadyPollInterval = DefaultReadyPollInterval
	}
	return &Client{
		sup:      sup,
		opts:     opts,
		logger:   noopLogger{},
		notifier: noopNotifier{},
	}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// SetNotifier sets the receiver of user-facing warnings.
func (c *Client) SetNotifier(n process.Notifier) {
	c.notifier = n
}

// NPM returns the package-manager runner used by the client.
func (c *Client) NPM() *NPM {
	return c.opts.NPM
}

// Cached returns the discovered configuration, if discovery has completed.
func (c *Client) Cached() (Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.config == nil {
		return Config{}, false
	}
	return *c.config, true
}

// Discover returns the registry configuration, starting the server and
// scraping its banner on first use. Concurrent callers share one scrape,
// which no single caller can cancel: ctx only bounds this caller's wait.
// Failures are returned as *ConfigIncompleteError and are not cached.
func (c *Client) Discover(ctx context.Context) (Config, error) {
	if cfg, ok := c.Cached(); ok {
		return cfg, nil
	}

	ch := c.group.DoChan("discover", func() (any, error) {
		return c.discover(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("joined in-flight config discovery")
		}
		if res.Err != nil {
			return Config{}, res.Err
		}
		return res.Val.(Config), nil
	case <-ctx.Done():
		return Config{}, incomplete(Config{}, ctx.Err())
	}
}

func (c *Client) discover(ctx context.Context) (Config, error) {
	// A caller that lost the race to a completed discovery.
	if cfg, ok := c.Cached(); ok {
		return cfg, nil
	}

	c.logger.Info("discovering registry configuration", "process", c.sup.Name())
	started := time.Now()

	var sc scraper
	var found Config
	runErr := c.sup.Run(ctx, func(sess *process.Session, chunk []byte) {
		if !sc.Feed(chunk) {
			return
		}

		cfg := sc.Config()
		c.logger.Debug("registry banner scraped",
			"config_file", cfg.ConfigFile,
			"http_address", cfg.HTTPAddress,
			"htpasswd_file", cfg.HtpasswdFile,
		)

		user, err := c.opts.NPM.Whoami(sess.Context(), cfg.HTTPAddress)
		if err != nil {
			sess.Fail(incomplete(cfg, err))
			return
		}
		cfg.Username = user
		found = cfg
		sess.Done()
	}, process.WithLabel("discover-config"))

	if runErr != nil {
		var incompleteErr *ConfigIncompleteError
		if errors.As(runErr, &incompleteErr) {
			c.loginHint(ctx, incompleteErr)
			return Config{}, runErr
		}
		return Config{}, incomplete(sc.Config(), runErr)
	}
	if !found.Complete() {
		return Config{}, incomplete(sc.Config(), ErrOutputEnded)
	}

	c.mu.Lock()
	c.config = &found
	c.mu.Unlock()

	c.logger.Info("registry configuration discovered",
		"http_address", found.HTTPAddress,
		"config_file", found.ConfigFile,
		"username", found.Username,
		"duration", time.Since(started),
	)

	if c.opts.OnDiscovered != nil {
		c.opts.OnDiscovered(found)
	}
	return found, nil
}

// loginHint tells the user how to log in when the identity lookup failed.
func (c *Client) loginHint(ctx context.Context, e *ConfigIncompleteError) {
	hint := "npm login " + registryFlag(e.Config.HTTPAddress)
	c.logger.Warn("cannot determine registry user",
		"http_address", e.Config.HTTPAddress,
		"hint", hint,
		"error", e.Err,
	)
	c.notifier.Warn(ctx, "Failed to query the package-manager user. Log in with: "+hint, e.Err)
}
