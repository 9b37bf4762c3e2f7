package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Prefix     string
	StoreDSN   string
	LogFile    string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the changecontrol CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "changecontrol",
		Short: "Apply audited, run-once changes to a key-value store",
		Long: `changecontrol applies ordered change sets to a key-value store exactly once
per environment, recording each applied change in an audit ledger and
serialising concurrent runs with a store-held lock.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "", "config file (default changecontrol.toml)")
	flags.StringVarP(&opts.Prefix, "prefix", "p", "", "prefix scoping the changelog keys (default changecontrol)")
	flags.StringVar(&opts.StoreDSN, "store", "", "store DSN: memory://, sqlite://PATH, bolt://PATH or redis://HOST:PORT/DB")
	flags.StringVar(&opts.LogFile, "log-file", "", "also write logs to this rotated file")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewRunCommand(opts, runExecute))
	cmd.AddCommand(NewRunCommand(opts, runPretend))
	cmd.AddCommand(NewRunCommand(opts, runSync))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewUnlockCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
