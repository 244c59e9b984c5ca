package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/registry-supervisor/internal/auth"
	"github.com/nerrad567/registry-supervisor/internal/history"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/config"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/logging"
	"github.com/nerrad567/registry-supervisor/internal/portprobe"
	"github.com/nerrad567/registry-supervisor/internal/process"
)

// openOneShot builds the app for a single command. History is recorded
// when the database opens; a broken database only produces a warning.
func openOneShot(ctx context.Context, opts *globalOptions, cmd *cobra.Command) (*app, error) {
	a, err := newApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	if err := a.openHistory(ctx); err != nil {
		a.log.Warn("task history disabled", "error", err)
	}
	return a, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDiscoverCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Start the registry and print its configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openOneShot(ctx, opts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.registry.Discover(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "config file:\t%s\n", cfg.ConfigFile)
			fmt.Fprintf(w, "http address:\t%s\n", cfg.HTTPAddress)
			fmt.Fprintf(w, "htpasswd file:\t%s\n", cfg.HtpasswdFile)
			fmt.Fprintf(w, "user:\t%s\n", cfg.Username)
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newVersionsCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "versions <package>",
		Short: "List the versions of a package published to the local registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openOneShot(ctx, opts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			versions := a.registry.PackageVersions(ctx, args[0])
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), versions)
			}
			for _, v := range versions {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON array")
	return cmd
}

func newRegistryFlagCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "registry-flag <package> <version>",
		Short: "Print --registry=<address> if the local registry has the version",
		Long: `Print the --registry flag to pass to npm when the local registry serves
the given package version, and nothing otherwise. Intended for scripts:

  npm install $(regsup registry-flag left-pad 1.3.0) left-pad@1.3.0`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openOneShot(ctx, opts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if flag := a.registry.RegistryFlag(ctx, args[0], args[1]); flag != "" {
				fmt.Fprintln(cmd.OutOrStdout(), flag)
			}
			return nil
		},
	}
}

// statusReport summarises what is known without starting the registry.
type statusReport struct {
	Supervisor  string                `json:"supervisor"`
	Binary      string                `json:"binary"`
	ToolVersion string                `json:"tool_version,omitempty"`
	ToolError   string                `json:"tool_error,omitempty"`
	Registry    *history.StoredConfig `json:"registry,omitempty"`
	Listening   bool                  `json:"listening"`
	RecentRuns  []history.Run         `json:"recent_runs"`
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the registry tool, last discovered address and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openHistory(ctx); err != nil {
				return err
			}

			report, err := collectStatus(ctx, a)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return printStatus(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func collectStatus(ctx context.Context, a *app) (*statusReport, error) {
	report := &statusReport{
		Supervisor: a.cfg.Supervisor.Name,
		Binary:     a.cfg.Supervisor.Binary,
		RecentRuns: []history.Run{},
	}

	if v, err := a.sup.Version(ctx); err != nil {
		report.ToolError = err.Error()
	} else {
		report.ToolVersion = v
	}

	stored, err := a.history.LatestConfig(ctx)
	switch {
	case errors.Is(err, history.ErrNoConfig):
	case err != nil:
		return nil, err
	default:
		report.Registry = stored
		if port, err := portprobe.PortFromAddress(stored.HTTPAddress); err == nil {
			available, err := portprobe.IsPortAvailable(ctx, port)
			report.Listening = err == nil && !available
		}
	}

	runs, err := a.history.List(ctx, history.Filter{Limit: 5})
	if err != nil {
		return nil, err
	}
	report.RecentRuns = runs.Runs
	return report, nil
}

func printStatus(out io.Writer, r *statusReport) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "supervisor:\t%s\n", r.Supervisor)
	if r.ToolError != "" {
		fmt.Fprintf(w, "binary:\t%s (unavailable: %s)\n", r.Binary, r.ToolError)
	} else {
		fmt.Fprintf(w, "binary:\t%s %s\n", r.Binary, r.ToolVersion)
	}
	if r.Registry == nil {
		fmt.Fprintf(w, "registry:\tnot discovered yet\n")
	} else {
		state := "not listening"
		if r.Listening {
			state = "listening"
		}
		fmt.Fprintf(w, "registry:\t%s (%s)\n", r.Registry.HTTPAddress, state)
		fmt.Fprintf(w, "user:\t%s\n", r.Registry.Username)
		fmt.Fprintf(w, "discovered:\t%s\n", r.Registry.DiscoveredAt.Local().Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(r.RecentRuns) > 0 {
		fmt.Fprintln(out, "\nrecent runs:")
		return printRuns(out, r.RecentRuns)
	}
	return nil
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		filter history.Filter
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded task runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			// No supervisor: listing history never starts the registry.
			a := &app{cfg: cfg, log: logging.New(cfg.Logging, version)}
			a.sinks = &sinks{log: a.log, name: cfg.Supervisor.Name}
			defer a.Close()
			if err := a.openHistory(ctx); err != nil {
				return err
			}

			res, err := a.history.List(ctx, filter)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			if len(res.Runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}
			if err := printRuns(cmd.OutOrStdout(), res.Runs); err != nil {
				return err
			}
			if shown := res.Offset + len(res.Runs); shown < res.Total {
				fmt.Fprintf(cmd.OutOrStdout(), "(%d of %d runs)\n", shown, res.Total)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "skip this many runs")
	cmd.Flags().StringVar((*string)(&filter.Outcome), "outcome", "",
		"only runs with this outcome (ok, failed, canceled, not_serviced, tool_missing, closed)")
	cmd.Flags().StringVar(&filter.Label, "label", "", "only runs whose label starts with this prefix")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printRuns(out io.Writer, runs []history.Run) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tLABEL\tOUTCOME\tWAIT\tDURATION\tERROR")
	for _, r := range runs {
		label := r.Label
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.FinishedAt.Local().Format(time.DateTime), label, outcomeText(r.Outcome),
			r.Wait.Round(time.Millisecond), r.Duration.Round(time.Millisecond), truncate(r.Error, 60))
	}
	return w.Flush()
}

func outcomeText(o process.Outcome) string {
	return strings.ReplaceAll(string(o), "_", " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  "Print the configuration after defaults and environment overrides. Secrets are redacted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(redacted(cfg)); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			return enc.Close()
		},
	}
}

// redacted returns a copy of cfg with credentials masked.
func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	if out.MQTT.Auth.Password != "" {
		out.MQTT.Auth.Password = "********"
	}
	if out.InfluxDB.Token != "" {
		out.InfluxDB.Token = "********"
	}
	if out.Security.JWT.Secret != "" {
		out.Security.JWT.Secret = "********"
	}
	return &out
}

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Long: `Mint a JWT signed with security.jwt.secret. Viewers can read status and
history; operators can also query the registry, run discovery and stop
the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
			}
			token, err := auth.GenerateToken(subject, auth.Role(role), cfg.Security.JWT.Secret, ttl)
			if errors.Is(err, auth.ErrNoSecret) {
				return errors.New("security.jwt.secret is not set (set REGSUP_JWT_SECRET)")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "regsup-cli", "token subject, recorded in API logs")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "viewer or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default security.jwt.access_token_ttl)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the regsup version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "regsup %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
