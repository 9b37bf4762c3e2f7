package cli

import (
	"github.com/spf13/cobra"
)

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete ledger entries matching a change id filter",
		Long: `Delete, under the changelog lock, every ledger entry whose change id matches
the filter. Cleared changes run again on the next execute.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)

			sess, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer sess.Close()

			n, err := sess.changeLog.Clear(cmd.Context(), filter)
			if err != nil {
				_ = formatter.Fail(err, nil)
				return WrapExitError(ExitFailure, "", err)
			}
			return formatter.Done(map[string]int{"cleared": n})
		},
	}

	cmd.Flags().StringVarP(&filter, "change", "c", "*", "change id glob")

	return cmd
}

// NewUnlockCommand creates the unlock command.
func NewUnlockCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Forcibly release the changelog lock",
		Long: `Remove the changelog lock record whoever holds it. Use this after a run
was killed before it could release the lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)

			sess, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer sess.Close()

			holder, err := sess.changeLog.Holder(cmd.Context())
			if err != nil {
				_ = formatter.Fail(err, nil)
				return WrapExitError(ExitFailure, "", err)
			}
			if holder != nil {
				sess.logger.Info("releasing lock", "holder", holder.Owner, "since", holder.Timestamp)
			}
			if err := sess.changeLog.Unlock(cmd.Context(), true); err != nil {
				_ = formatter.Fail(err, nil)
				return WrapExitError(ExitFailure, "", err)
			}
			return formatter.Done(map[string]any{"released": holder != nil})
		},
	}
}
