package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/changecontrol/internal/changelog"
)

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the ledger in sequence order",
		Long: `Print every ledger entry in the order the changes were applied: CSV in text
mode, a JSON array with --format json.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var renderer changelog.Renderer = changelog.NewCSVRenderer(cmd.OutOrStdout())
			if rootOpts.Format == "json" {
				renderer = changelog.NewJSONRenderer(cmd.OutOrStdout())
			}

			sess, err := openSession(cmd, rootOpts, changelog.WithRenderer(renderer))
			if err != nil {
				return err
			}
			defer sess.Close()

			formatter := newFormatter(cmd, rootOpts)
			if err := sess.changeLog.Dump(cmd.Context()); err != nil {
				_ = formatter.Fail(err, nil)
				return WrapExitError(ExitFailure, "", err)
			}
			if rootOpts.Format == "json" {
				return nil
			}
			return formatter.Done(nil)
		},
	}
}
