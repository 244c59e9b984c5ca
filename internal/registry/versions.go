package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nerrad567/registry-supervisor/internal/portprobe"
	"github.com/nerrad567/registry-supervisor/internal/process"
)

// PackageVersions lists the versions of pkg published to the local
// registry. The lookup is advisory: any failure is reported as a warning
// and yields an empty list.
func (c *Client) PackageVersions(ctx context.Context, pkg string) []string {
	versions, err := c.packageVersions(ctx, pkg)
	if err != nil {
		c.logger.Warn("package version lookup failed", "package", pkg, "error", err)
		c.notifier.Warn(ctx, fmt.Sprintf("Could not list versions of %s", pkg), err)
		return []string{}
	}
	c.logger.Debug("package versions", "package", pkg, "count", len(versions))
	return versions
}

func (c *Client) packageVersions(ctx context.Context, pkg string) ([]string, error) {
	cfg, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	// Keep the server up for the query; the idle timer reclaims it later.
	err = c.sup.Run(ctx, nil,
		process.WithKeepAlive(),
		process.WithLabel("versions:"+pkg),
		process.WithOnStart(func(sess *process.Session) { sess.Done() }),
	)
	if err != nil {
		return nil, fmt.Errorf("starting registry: %w", err)
	}

	if err := c.waitForPort(ctx, cfg.HTTPAddress); err != nil {
		return nil, err
	}

	out, err := c.opts.NPM.ViewVersions(ctx, pkg, cfg.HTTPAddress)
	if err != nil {
		return nil, err
	}
	return ParseVersions(out)
}

// RegistryFlag returns "--registry=<address>" when the local registry
// serves version of pkg, and "" otherwise.
func (c *Client) RegistryFlag(ctx context.Context, pkg, version string) string {
	if !slices.Contains(c.PackageVersions(ctx, pkg), version) {
		return ""
	}
	cfg, ok := c.Cached()
	if !ok {
		return ""
	}
	return registryFlag(cfg.HTTPAddress)
}

// Running reports whether the discovered registry port is bound.
// It returns false when discovery has not completed yet.
func (c *Client) Running(ctx context.Context) (bool, error) {
	cfg, ok := c.Cached()
	if !ok || cfg.HTTPAddress == "" {
		return false, nil
	}
	port, err := portprobe.PortFromAddress(cfg.HTTPAddress)
	if err != nil {
		return false, err
	}
	free, err := c.opts.Prober.IsPortAvailable(ctx, port)
	if err != nil {
		return false, err
	}
	return !free, nil
}

// waitForPort waits until the registry is listening on address.
func (c *Client) waitForPort(ctx context.Context, address string) error {
	port, err := portprobe.PortFromAddress(address)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.opts.ReadyTimeout)

	c.logger.Debug("waiting for registry to listen", "address", address)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for registry: %w", ctx.Err())
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for registry on %s after %v", address, c.opts.ReadyTimeout)
		}

		// Check if process is still running
		if !c.sup.IsRunning() {
			return errors.New("registry process exited while waiting for it to listen")
		}

		free, err := c.opts.Prober.IsPortAvailable(ctx, port)
		if err != nil {
			return err
		}
		if !free {
			return nil
		}

		time.Sleep(c.opts.ReadyPollInterval)
	}
}

// ParseVersions parses `npm view <pkg> versions` output. The package
// manager prints a single version as a bare or quoted string and several
// as a JavaScript array literal with single quotes.
func ParseVersions(out string) ([]string, error) {
	s := strings.TrimSpace(strings.ReplaceAll(out, "'", `"`))

	switch {
	case s == "":
		return []string{}, nil
	case strings.HasPrefix(s, "["):
		var versions []string
		if err := json.Unmarshal([]byte(s), &versions); err != nil {
			return nil, fmt.Errorf("parsing versions list: %w", err)
		}
		return versions, nil
	case strings.HasPrefix(s, `"`):
		var version string
		if err := json.Unmarshal([]byte(s), &version); err != nil {
			return nil, fmt.Errorf("parsing version: %w", err)
		}
		return []string{version}, nil
	default:
		return []string{s}, nil
	}
}
