package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root command for modhubd
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modhubd",
		Short: "modhubd - host for the modhub module runtime",
		Long: `modhubd runs a modhub module context with cron triggered events,
an optional admin API, a notification journal and OTLP tracing.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewSampleConfigCommand())
	cmd.AddCommand(NewDescribeConfigCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(PrintVersion())
		},
	})

	return cmd
}

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("modhubd v%s (commit: %s, built on: %s)", Version, Commit, Date)
}
