package cli

import (
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/changecontrol/internal/changelog"
	"github.com/roach88/changecontrol/internal/config"
	"github.com/roach88/changecontrol/internal/kv"
	"github.com/roach88/changecontrol/internal/logging"
)

// session is everything a command needs: resolved config, logger, the open
// store and the change log over it.
type session struct {
	cfg       config.Config
	logger    *slog.Logger
	store     kv.Store
	changeLog *changelog.ChangeLog
	logCloser io.Closer
}

func openSession(cmd *cobra.Command, opts *RootOptions, logOpts ...changelog.Option) (*session, error) {
	cfg, err := config.Load(config.LoadOptions{
		ConfigPath: opts.ConfigPath,
		Flags:      flagOverrides(cmd, opts),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
		Stderr:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configure logging", err)
	}

	logger.Debug("opening store", "dsn", cfg.Store.DSN)
	store, err := OpenStore(cmd.Context(), cfg.Store.DSN)
	if err != nil {
		_ = logCloser.Close()
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}

	base := []changelog.Option{
		changelog.WithPrefix(cfg.Prefix),
		changelog.WithLogger(logger),
	}
	if cfg.User != "" {
		base = append(base, changelog.WithUser(cfg.User))
	}

	return &session{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		changeLog: changelog.New(store, append(base, logOpts...)...),
		logCloser: logCloser,
	}, nil
}

func (s *session) Close() error {
	return errors.Join(s.store.Close(), s.logCloser.Close())
}

// flagOverrides passes on only the global flags the user set.
func flagOverrides(cmd *cobra.Command, opts *RootOptions) config.FlagOverrides {
	changed := func(name string) bool {
		f := cmd.Flag(name)
		return f != nil && f.Changed
	}
	var o config.FlagOverrides
	if changed("prefix") {
		o.Prefix = &opts.Prefix
	}
	if changed("store") {
		o.StoreDSN = &opts.StoreDSN
	}
	if changed("log-file") {
		o.LogFile = &opts.LogFile
	}
	if changed("dir") {
		if f := cmd.Flag("dir"); f != nil {
			dir := f.Value.String()
			o.ChangesDir = &dir
		}
	}
	o.Verbose = opts.Verbose
	return o
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}
