package definition

import (
	"context"
	"fmt"

	"github.com/roach88/changecontrol/internal/change"
	"github.com/roach88/changecontrol/internal/kv"
)

// Build turns a definition into a change set whose actions run against
// target. Change ids are the set id joined with each change's id.
func Build(f *File, target kv.Store, log change.Log, opts ...change.SetOption) (*change.Set, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	set := change.NewSet(f.ID, log, opts...)
	for i := range f.Changes {
		def := &f.Changes[i]
		freq, err := change.ParseFrequency(def.Frequency)
		if err != nil {
			return nil, fmt.Errorf("change %s: %w", def.ID, err)
		}
		changeOpts := []change.Option{change.WithFrequency(freq)}
		if def.Precondition != nil {
			changeOpts = append(changeOpts, change.WithPrecondition(precondition(target, *def.Precondition)))
		}
		action := change.Action{
			Payload: def.Payload(),
			Run:     run(target, def.Actions),
		}
		if _, err := set.Add(def.ID, action, changeOpts...); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// BuildAll builds every definition, preserving order.
func BuildAll(files []*File, target kv.Store, log change.Log, opts ...change.SetOption) ([]*change.Set, error) {
	sets := make([]*change.Set, 0, len(files))
	for _, f := range files {
		set, err := Build(f, target, log, opts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Source, err)
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func run(target kv.Store, actions []ActionDef) func(context.Context) error {
	return func(ctx context.Context) error {
		for i, a := range actions {
			if err := apply(ctx, target, a); err != nil {
				return fmt.Errorf("action %d (%s): %w", i, a.Op, err)
			}
		}
		return nil
	}
}

func apply(ctx context.Context, target kv.Store, a ActionDef) error {
	switch a.Op {
	case OpHSet:
		return target.HSet(ctx, a.Key, a.Fields)
	case OpDel:
		_, err := target.Del(ctx, a.Keys...)
		return err
	case OpIncr:
		_, err := target.Incr(ctx, a.Key)
		return err
	}
	return fmt.Errorf("unknown op %q", a.Op)
}

func precondition(target kv.Store, p PreconditionDef) change.Precondition {
	return func(ctx context.Context) error {
		key := p.SkipIfExists
		if key == "" {
			key = p.Require
		}
		fields, err := target.HGetAll(ctx, key)
		if err != nil {
			return err
		}
		exists := len(fields) > 0
		switch {
		case p.SkipIfExists != "" && exists:
			return change.ErrAbort
		case p.Require != "" && !exists:
			return fmt.Errorf("required key %s does not exist", key)
		}
		return nil
	}
}
