// Package definition loads change sets declared as data.
//
// A definition file names a change set and lists its changes. Each change is
// a sequence of store operations (hset, del, incr) with an optional
// precondition. The operations and the change's version form the payload the
// change's checksum is computed from, so editing an applied change is
// detected on the next run.
package definition

import (
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Operation names.
const (
	OpHSet = "hset"
	OpDel  = "del"
	OpIncr = "incr"
)

// File is one change set definition.
type File struct {
	ID      string      `yaml:"id" json:"id"`
	Changes []ChangeDef `yaml:"changes" json:"changes"`

	// Source is the path the definition was read from.
	Source string `yaml:"-" json:"-"`
}

// ChangeDef declares one change.
type ChangeDef struct {
	ID           string           `yaml:"id" json:"id"`
	Frequency    string           `yaml:"frequency,omitempty" json:"frequency,omitempty"`
	Version      int              `yaml:"version,omitempty" json:"version,omitempty"`
	Precondition *PreconditionDef `yaml:"precondition,omitempty" json:"precondition,omitempty"`
	Actions      []ActionDef      `yaml:"actions" json:"actions"`
}

// PreconditionDef gates a change on the state of a key. At most one field
// may be set.
type PreconditionDef struct {
	// SkipIfExists skips the change when the key already holds a hash.
	SkipIfExists string `yaml:"skip_if_exists,omitempty" json:"skip_if_exists,omitempty"`
	// Require fails the change when the key holds no hash.
	Require string `yaml:"require,omitempty" json:"require,omitempty"`
}

// ActionDef is one store operation.
type ActionDef struct {
	Op     string            `yaml:"op" json:"op"`
	Key    string            `yaml:"key,omitempty" json:"key,omitempty"`
	Keys   []string          `yaml:"keys,omitempty" json:"keys,omitempty"`
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Validate checks required fields and operation shapes.
func (f *File) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if err := checkNFC(f.ID); err != nil {
		return err
	}
	if len(f.Changes) == 0 {
		return fmt.Errorf("changes list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(f.Changes))
	for i, c := range f.Changes {
		if c.ID == "" {
			return fmt.Errorf("changes[%d]: id is required", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("changes[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
		if err := checkNFC(c.ID); err != nil {
			return fmt.Errorf("changes[%d]: %w", i, err)
		}
		if err := c.validate(); err != nil {
			return fmt.Errorf("changes[%d] (%s): %w", i, c.ID, err)
		}
	}
	return nil
}

// checkNFC rejects ids that are not in Unicode NFC. Ledger lookups compare
// ids byte for byte, so two spellings of the same visible id would be two
// different changes.
func checkNFC(id string) error {
	if !norm.NFC.IsNormalString(id) {
		return fmt.Errorf("id %q is not NFC normalised (want %q)", id, norm.NFC.String(id))
	}
	return nil
}

func (c *ChangeDef) validate() error {
	switch c.Frequency {
	case "", "once", "always":
	default:
		return fmt.Errorf("frequency must be once or always, got %q", c.Frequency)
	}
	if p := c.Precondition; p != nil {
		if (p.SkipIfExists == "") == (p.Require == "") {
			return fmt.Errorf("precondition: exactly one of skip_if_exists or require is required")
		}
	}
	if len(c.Actions) == 0 {
		return fmt.Errorf("actions list is required and must be non-empty")
	}
	for i, a := range c.Actions {
		if err := a.validate(); err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
	}
	return nil
}

func (a *ActionDef) validate() error {
	switch a.Op {
	case OpHSet:
		if a.Key == "" {
			return fmt.Errorf("hset: key is required")
		}
		if len(a.Fields) == 0 {
			return fmt.Errorf("hset: fields are required")
		}
	case OpDel:
		if len(a.Keys) == 0 {
			return fmt.Errorf("del: keys are required")
		}
	case OpIncr:
		if a.Key == "" {
			return fmt.Errorf("incr: key is required")
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", a.Op)
	}
	return nil
}

// Payload is the content the change's checksum is computed from.
func (c *ChangeDef) Payload() map[string]any {
	actions := make([]any, len(c.Actions))
	for i, a := range c.Actions {
		action := map[string]any{"op": a.Op}
		if a.Key != "" {
			action["key"] = a.Key
		}
		if len(a.Keys) > 0 {
			action["keys"] = a.Keys
		}
		if len(a.Fields) > 0 {
			action["fields"] = a.Fields
		}
		actions[i] = action
	}
	return map[string]any{
		"version": c.Version,
		"actions": actions,
	}
}
