package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/basket/cordell/internal/config"
)

type rootOptions struct {
	home string
	json bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "cordell",
		Short:        "Scheduled prompts against long-lived agent sessions",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.home != "" {
				return os.Setenv("CORDELL_DIR", opts.home)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.home, "home", "", "cordell home directory (default $CORDELL_DIR or ~/.cordell)")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newJobsCmd(opts))
	rootCmd.AddCommand(newSessionsCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	rootCmd.AddCommand(newNotificationsCmd(opts))
	rootCmd.AddCommand(newSendCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	return rootCmd
}

// loadConfig reads the configuration from the home selected by --home.
func loadConfig() (config.Config, error) {
	return config.Load()
}
