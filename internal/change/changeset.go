package change

import (
	"context"
	"fmt"
	"log/slog"
)

// Log is the change log a change set runs against: the ledger its changes
// consult plus the lock that serialises runs.
type Log interface {
	Ledger
	Lock(ctx context.Context, fn func(ctx context.Context) error) error
}

// Set is a named, ordered group of changes run together under one lock.
// Registration order is execution order.
type Set struct {
	id      string
	log     Log
	changes []*Change
	index   map[string]struct{}
	runIDs  RunIDGenerator
	logger  *slog.Logger
}

// SetOption configures a Set.
type SetOption func(*Set)

// WithSetLogger sets the logger used by the set and by changes added via Add.
func WithSetLogger(logger *slog.Logger) SetOption {
	return func(s *Set) { s.logger = logger }
}

// WithRunIDGenerator overrides how run ids are generated.
func WithRunIDGenerator(g RunIDGenerator) SetOption {
	return func(s *Set) { s.runIDs = g }
}

// NewSet returns an empty change set.
func NewSet(id string, log Log, opts ...SetOption) *Set {
	s := &Set{
		id:     id,
		log:    log,
		index:  make(map[string]struct{}),
		runIDs: UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the change set id.
func (s *Set) ID() string { return s.id }

// Changes returns the registered changes in order.
func (s *Set) Changes() []*Change {
	return append([]*Change(nil), s.changes...)
}

// Add registers a change whose id is the set id joined with suffix.
func (s *Set) Add(suffix string, action Action, opts ...Option) (*Change, error) {
	opts = append([]Option{WithLogger(s.logger)}, opts...)
	c, err := New(s.id+":"+suffix, action, s.log, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.AddChange(c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddChange registers a prebuilt change.
func (s *Set) AddChange(c *Change) error {
	if _, dup := s.index[c.ID()]; dup {
		return fmt.Errorf("changeset %s: duplicate change id %s", s.id, c.ID())
	}
	s.index[c.ID()] = struct{}{}
	s.changes = append(s.changes, c)
	return nil
}

// Select returns, in registration order, the changes answering to pattern.
func (s *Set) Select(pattern string) ([]*Change, error) {
	if matchAll(pattern) {
		return s.Changes(), nil
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
	}
	var subset []*Change
	for _, c := range s.changes {
		if c.answersTo(re) {
			subset = append(subset, c)
		}
	}
	return subset, nil
}

// Execute validates every selected change, then executes them in order.
// Execution starts only if validation passed for the whole subset.
func (s *Set) Execute(ctx context.Context, filter string) (*Report, error) {
	return s.run(ctx, "executing changeset", filter, ModeValidate, ModeExecute)
}

// Pretend validates every selected change, then previews them in order.
func (s *Set) Pretend(ctx context.Context, filter string) (*Report, error) {
	return s.run(ctx, "pretending to execute changeset", filter, ModeValidate, ModePretend)
}

// Sync records every selected change as applied without running it.
func (s *Set) Sync(ctx context.Context, filter string) (*Report, error) {
	return s.run(ctx, "synchronising changeset", filter, ModeSync)
}

// run holds the lock across every phase. The report is returned even when
// the run fails, describing how far it got.
func (s *Set) run(ctx context.Context, msg, filter string, modes ...Mode) (*Report, error) {
	if filter == "" {
		filter = "*"
	}
	report := &Report{
		RunID:     s.runIDs.Generate(),
		ChangeSet: s.id,
		Filter:    filter,
	}
	logger := s.logger.With("changeset", s.id, "run_id", report.RunID)
	logger.Info(msg, "filter", filter)

	subset, err := s.Select(filter)
	if err != nil {
		return report, err
	}

	err = s.log.Lock(ctx, func(ctx context.Context) error {
		for _, mode := range modes {
			phase, err := runPhase(ctx, subset, mode)
			report.Phases = append(report.Phases, phase)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("changeset failed", "error", err)
		return report, err
	}
	return report, nil
}

// runState carries the first error of a phase. Once set, remaining changes
// are recorded as not run.
type runState struct {
	abort error
}

func runPhase(ctx context.Context, subset []*Change, mode Mode) (Phase, error) {
	phase := Phase{Mode: mode, Results: make([]Result, 0, len(subset))}
	var state runState
	for _, c := range subset {
		if state.abort == nil {
			state.abort = ctx.Err()
		}
		if state.abort != nil {
			phase.Results = append(phase.Results, Result{ID: c.ID(), Outcome: OutcomeNotRun})
			continue
		}
		outcome, err := c.Run(ctx, mode)
		res := Result{ID: c.ID(), Outcome: outcome}
		if err != nil {
			res.Error = err.Error()
			state.abort = err
		}
		phase.Results = append(phase.Results, res)
	}
	return phase, state.abort
}
