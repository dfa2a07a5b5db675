package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/GoCodeAlone/modhub"
	"github.com/spf13/cobra"
)

// NewSampleConfigCommand creates the command that prints or writes a
// configuration file with every default filled in.
func NewSampleConfigCommand() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "sample-config",
		Short: "Generate a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" && !cmd.Flags().Changed("format") {
				if ext := strings.TrimPrefix(filepath.Ext(output), "."); ext != "" {
					format = ext
				}
			}
			if output != "" {
				if err := modhub.SaveSampleConfig(&DaemonConfig{}, format, output); err != nil {
					return err
				}
				cmd.Printf("Wrote %s configuration to %s\n", format, output)
				return nil
			}
			data, err := modhub.GenerateSampleConfig(&DaemonConfig{}, format)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format: yaml, toml or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}

// NewDescribeConfigCommand creates the command that lists every setting with
// its description and environment variable.
func NewDescribeConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "describe-config",
		Short: "Describe configuration settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, line := range modhub.DescribeConfig(&DaemonConfig{}) {
				cmd.Println(line)
			}
			cmd.Printf("\nEnvironment variables use the %s_ prefix, e.g. %s_LOG_LEVEL.\n", EnvPrefix, EnvPrefix)
			return nil
		},
	}
}
