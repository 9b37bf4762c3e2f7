package change

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/roach88/changecontrol/internal/changelog"
	"github.com/roach88/changecontrol/internal/checksum"
)

// Frequency controls whether an applied change runs again.
type Frequency string

const (
	// Once runs a change only if it has no ledger entry.
	Once Frequency = "once"
	// Always runs a change on every invocation.
	Always Frequency = "always"
)

// ParseFrequency accepts "once", "always" or "" (once).
func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(s) {
	case "", Once:
		return Once, nil
	case Always:
		return Always, nil
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}

// Mode selects which workflow steps a change runs.
type Mode string

const (
	ModeValidate Mode = "validate"
	ModeExecute  Mode = "execute"
	ModePretend  Mode = "pretend"
	ModeSync     Mode = "sync"
)

// Outcome is the result of one change invocation.
type Outcome string

const (
	OutcomeValidated Outcome = "validated"
	OutcomeApplied   Outcome = "applied"
	OutcomePretended Outcome = "pretended"
	OutcomeSynced    Outcome = "synced"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
	OutcomeNotRun    Outcome = "not-run"
)

// Action is the work a change performs. Payload is the action's content as
// data; its checksum identifies the change across runs, so any edit to what
// Run does must be reflected in Payload.
type Action struct {
	Payload any
	Run     func(ctx context.Context) error
}

// Precondition gates a change. Returning ErrAbort skips the change; any other
// error fails it.
type Precondition func(ctx context.Context) error

// Ledger is the part of the change log a change consults.
type Ledger interface {
	Entry(ctx context.Context, id string) (*changelog.Entry, error)
	Audit(ctx context.Context, id, checksum string) (changelog.Entry, error)
}

// Change is one idempotent, audited unit of work. It is immutable once built.
type Change struct {
	id           string
	action       Action
	checksum     string
	precondition Precondition
	frequency    Frequency
	ledger       Ledger
	logger       *slog.Logger
}

// Option configures a Change.
type Option func(*Change)

// WithPrecondition gates the change.
func WithPrecondition(p Precondition) Option {
	return func(c *Change) { c.precondition = p }
}

// WithFrequency sets the rerun policy (default Once).
func WithFrequency(f Frequency) Option {
	return func(c *Change) { c.frequency = f }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Change) { c.logger = logger }
}

// New builds a change and computes its checksum from action.Payload.
func New(id string, action Action, ledger Ledger, opts ...Option) (*Change, error) {
	if id == "" {
		return nil, errors.New("change id is required")
	}
	if action.Run == nil {
		return nil, fmt.Errorf("change %s: action is required", id)
	}
	if ledger == nil {
		return nil, fmt.Errorf("change %s: ledger is required", id)
	}
	c := &Change{
		id:        id,
		action:    action,
		frequency: Once,
		ledger:    ledger,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := ParseFrequency(string(c.frequency)); err != nil {
		return nil, fmt.Errorf("change %s: %w", id, err)
	}
	sum, err := checksum.Sum(action.Payload)
	if err != nil {
		return nil, fmt.Errorf("change %s: %w", id, err)
	}
	c.checksum = sum
	return c, nil
}

// ID returns the change id.
func (c *Change) ID() string { return c.id }

// Checksum returns the digest of the action payload.
func (c *Change) Checksum() string { return c.checksum }

// Frequency returns the rerun policy.
func (c *Change) Frequency() Frequency { return c.frequency }

func (c *Change) String() string { return c.id }

// AnswersTo reports whether the id matches a filter pattern. "*" and ""
// match every id. A malformed pattern matches nothing.
func (c *Change) AnswersTo(pattern string) bool {
	if matchAll(pattern) {
		return true
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return c.answersTo(re)
}

func (c *Change) answersTo(re *regexp.Regexp) bool {
	return re.MatchString(c.id)
}

// Validate checks the precondition and the ledger without running or
// auditing anything.
func (c *Change) Validate(ctx context.Context) (Outcome, error) {
	return c.workflow(ctx, ModeValidate)
}

// Execute runs the change and records it in the ledger.
func (c *Change) Execute(ctx context.Context) (Outcome, error) {
	c.logger.Info("executing change", "id", c.id)
	return c.workflow(ctx, ModeExecute)
}

// Pretend reports what Execute would do without running or auditing.
func (c *Change) Pretend(ctx context.Context) (Outcome, error) {
	c.logger.Info("pretending to execute change", "id", c.id)
	return c.workflow(ctx, ModePretend)
}

// Sync records the change as applied without running it.
func (c *Change) Sync(ctx context.Context) (Outcome, error) {
	c.logger.Info("synchronising change", "id", c.id)
	return c.workflow(ctx, ModeSync)
}

// Run invokes the workflow for mode.
func (c *Change) Run(ctx context.Context, mode Mode) (Outcome, error) {
	switch mode {
	case ModeValidate:
		return c.Validate(ctx)
	case ModeExecute:
		return c.Execute(ctx)
	case ModePretend:
		return c.Pretend(ctx)
	case ModeSync:
		return c.Sync(ctx)
	}
	return OutcomeFailed, fmt.Errorf("change %s: unknown mode %q", c.id, mode)
}

// workflow walks applicable -> runnable -> run -> audit, stopping early when
// a step skips the change or fails.
func (c *Change) workflow(ctx context.Context, mode Mode) (Outcome, error) {
	if c.precondition != nil {
		if err := c.precondition(ctx); err != nil {
			if errors.Is(err, ErrAbort) {
				c.logger.Debug("precondition aborted change", "id", c.id)
				return OutcomeAborted, nil
			}
			return OutcomeFailed, &PreconditionError{ID: c.id, Err: err}
		}
	}

	if mode != ModeSync {
		skip, err := c.alreadyApplied(ctx)
		if err != nil {
			return OutcomeFailed, err
		}
		if skip {
			if mode == ModeExecute || mode == ModePretend {
				c.logger.Info("skipping change (already executed)", "id", c.id)
			}
			return OutcomeSkipped, nil
		}
	}

	if mode == ModeExecute {
		if err := c.action.Run(ctx); err != nil {
			return OutcomeFailed, &ActionError{ID: c.id, Err: err}
		}
	}

	if mode == ModeExecute || mode == ModeSync {
		// A change that ran is recorded even if the run was cancelled meanwhile.
		if _, err := c.ledger.Audit(context.WithoutCancel(ctx), c.id, c.checksum); err != nil {
			return OutcomeFailed, err
		}
	}

	switch mode {
	case ModeExecute:
		return OutcomeApplied, nil
	case ModePretend:
		return OutcomePretended, nil
	case ModeSync:
		return OutcomeSynced, nil
	}
	return OutcomeValidated, nil
}

// alreadyApplied reports whether a once-only change already has a matching
// ledger entry. A mismatching entry is a ModifiedError.
func (c *Change) alreadyApplied(ctx context.Context) (bool, error) {
	entry, err := c.ledger.Entry(ctx, c.id)
	if err != nil {
		return false, err
	}
	if entry == nil || c.frequency == Always {
		return false, nil
	}
	if entry.Checksum != c.checksum {
		return false, &ModifiedError{ID: c.id, Recorded: entry.Checksum, Current: c.checksum}
	}
	return true, nil
}
