package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/changecontrol/internal/change"
	"github.com/roach88/changecontrol/internal/definition"
)

// runMode describes one of the change set run commands.
type runMode struct {
	name  string
	short string
	long  string
	run   func(s *change.Set, ctx context.Context, filter string) (*change.Report, error)
}

var (
	runExecute = runMode{
		name:  "execute",
		short: "Validate, then apply, every selected change",
		long: `Load every change set definition and apply the selected changes in order.

Each change set is validated as a whole before any of its changes runs. A
change whose content differs from the applied version stops the run.`,
		run: (*change.Set).Execute,
	}
	runPretend = runMode{
		name:  "pretend",
		short: "Show what execute would apply without changing anything",
		long:  `Validate every selected change and report which would run, without running or recording them.`,
		run:   (*change.Set).Pretend,
	}
	runSync = runMode{
		name:  "sync",
		short: "Record selected changes as applied without running them",
		long: `Record the selected changes in the ledger without running them. Use this to
adopt state that already exists in the store.`,
		run: (*change.Set).Sync,
	}
)

// RunOptions holds flags for execute, pretend and sync.
type RunOptions struct {
	Change string
	Dir    string
}

// NewRunCommand creates the execute, pretend or sync command.
func NewRunCommand(rootOpts *RootOptions, mode runMode) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   mode.name,
		Short: mode.short,
		Long:  mode.long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChangeSets(cmd, rootOpts, opts, mode)
		},
	}

	cmd.Flags().StringVarP(&opts.Change, "change", "c", "*", "change id filter ('*' matches any run of characters)")
	cmd.Flags().StringVarP(&opts.Dir, "dir", "d", "", "definitions directory (default from config, then ./changes)")

	return cmd
}

func runChangeSets(cmd *cobra.Command, rootOpts *RootOptions, opts *RunOptions, mode runMode) error {
	formatter := newFormatter(cmd, rootOpts)

	sess, err := openSession(cmd, rootOpts)
	if err != nil {
		return err
	}
	defer sess.Close()

	files, err := definition.LoadDir(sess.cfg.Changes.Dir)
	if err != nil {
		_ = formatter.Fail(err, nil)
		return WrapExitError(ExitCommandError, "", err)
	}
	sets, err := definition.BuildAll(files, sess.store, sess.changeLog, change.WithSetLogger(sess.logger))
	if err != nil {
		_ = formatter.Fail(err, nil)
		return WrapExitError(ExitCommandError, "", err)
	}

	reports := make([]*change.Report, 0, len(sets))
	for _, set := range sets {
		report, err := mode.run(set, cmd.Context(), opts.Change)
		reports = append(reports, report)
		if err != nil {
			_ = formatter.Fail(err, reports)
			return WrapExitError(ExitFailure, "", err)
		}
	}
	return formatter.Done(reports)
}
