package definition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

// LoadError reports a definition file that could not be read or parsed.
type LoadError struct {
	File    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// IsDefinitionFile reports whether name has a loadable extension.
func IsDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}

// LoadDir loads every definition file in dir (not recursively), ordered by
// file name.
func LoadDir(dir string) ([]*File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !IsDefinitionFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	files := make([]*File, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		f, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[f.ID]; dup {
			return nil, &LoadError{File: f.Source, Message: fmt.Sprintf("change set %q already defined in %s", f.ID, prev)}
		}
		seen[f.ID] = f.Source
		files = append(files, f)
	}
	return files, nil
}

// LoadFile reads one YAML or CUE definition.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: fmt.Sprintf("failed to read definition: %v", err)}
	}
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return ParseCUE(path, data)
	}
	return ParseYAML(path, data)
}

// ParseYAML decodes a YAML definition. Unknown fields are rejected.
func ParseYAML(name string, data []byte) (*File, error) {
	var f File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&f); err != nil {
		return nil, &LoadError{File: name, Message: fmt.Sprintf("failed to parse YAML: %v", err)}
	}
	return finish(name, &f)
}

// ParseCUE decodes a CUE definition whose change set is the value of the
// top-level "changeset" field.
func ParseCUE(name string, data []byte) (*File, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, cueLoadError(name, err)
	}
	cs := v.LookupPath(cue.ParsePath("changeset"))
	if !cs.Exists() {
		return nil, &LoadError{File: name, Message: "changeset field is required"}
	}
	if err := cs.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError(name, err)
	}
	var f File
	if err := cs.Decode(&f); err != nil {
		return nil, cueLoadError(name, err)
	}
	return finish(name, &f)
}

func finish(name string, f *File) (*File, error) {
	f.Source = name
	if err := f.Validate(); err != nil {
		return nil, &LoadError{File: name, Message: fmt.Sprintf("invalid definition: %v", err)}
	}
	return f, nil
}

// cueLoadError keeps the position of the first CUE error.
func cueLoadError(name string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{File: name, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{File: name, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
