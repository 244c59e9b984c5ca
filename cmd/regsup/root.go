package main

import (
	"os"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath     string
	logLevel       string
	installMissing bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "regsup",
		Short: "Supervise a local npm registry server",
		Long: `regsup starts a local verdaccio registry on demand, runs queued commands
against it one at a time and stops it again once it has been idle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $REGSUP_CONFIG or "+defaultConfigPath+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"override logging.level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.installMissing, "install-missing", false,
		"install the registry server globally when it is not found")

	root.AddCommand(
		newServeCmd(opts),
		newDiscoverCmd(opts),
		newVersionsCmd(opts),
		newRegistryFlagCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return root
}

// resolveConfigPath picks the flag, then $REGSUP_CONFIG, then the default.
func (o *globalOptions) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	if path := os.Getenv("REGSUP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
