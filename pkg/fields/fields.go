// Package fields holds the static table of tokenizable fields: for every logical
// field name, the vault token template, the token group and the named credential
// selectors used for each operation.
package fields

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed fields.yaml
var defaultTable []byte

var ErrUnknownField = errors.New("unknown field")

// Operation is the vault operation requested by a caller.
type Operation int

const (
	Tokenize Operation = iota
	Detokenize
)

func (o Operation) String() string {
	switch o {
	case Tokenize:
		return "tokenize"
	case Detokenize:
		return "detokenize"
	default:
		return "unknown"
	}
}

// RevealMode only matters for Detokenize.
type RevealMode int

const (
	Masked RevealMode = iota
	Clear
)

func (m RevealMode) String() string {
	if m == Clear {
		return "clear"
	}
	return "masked"
}

type Selectors struct {
	Tokenize        string `yaml:"tokenize"`
	Detokenize      string `yaml:"detokenize"`
	DetokenizeClear string `yaml:"detokenize_clear"`
}

type Spec struct {
	Name          string    `yaml:"name"`
	VaultTemplate string    `yaml:"template"`
	TokenGroup    string    `yaml:"group"`
	Selectors     Selectors `yaml:"selectors"`
}

// Registry is immutable after Load and safe for concurrent reads.
type Registry struct {
	specs map[string]Spec
}

type table struct {
	Fields []Spec `yaml:"fields"`
}

// Default returns the registry built from the embedded field table.
func Default() (*Registry, error) {
	return Load(defaultTable)
}

// Load parses a YAML field table and validates every entry.
func Load(data []byte) (*Registry, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse field table: %w", err)
	}
	if len(t.Fields) == 0 {
		return nil, errors.New("field table is empty")
	}
	specs := make(map[string]Spec, len(t.Fields))
	for i, spec := range t.Fields {
		spec.Name = strings.ToLower(strings.TrimSpace(spec.Name))
		spec.VaultTemplate = strings.TrimSpace(spec.VaultTemplate)
		spec.TokenGroup = strings.TrimSpace(spec.TokenGroup)
		spec.Selectors.Tokenize = normalizeSelector(spec.Selectors.Tokenize)
		spec.Selectors.Detokenize = normalizeSelector(spec.Selectors.Detokenize)
		spec.Selectors.DetokenizeClear = normalizeSelector(spec.Selectors.DetokenizeClear)
		if err := validate(spec); err != nil {
			return nil, fmt.Errorf("field table entry %d: %w", i, err)
		}
		if _, dup := specs[spec.Name]; dup {
			return nil, fmt.Errorf("field table entry %d: duplicate field %q", i, spec.Name)
		}
		specs[spec.Name] = spec
	}
	return &Registry{specs: specs}, nil
}

func validate(spec Spec) error {
	switch {
	case spec.Name == "":
		return errors.New("name required")
	case spec.VaultTemplate == "":
		return fmt.Errorf("field %q: template required", spec.Name)
	case spec.TokenGroup == "":
		return fmt.Errorf("field %q: group required", spec.Name)
	case spec.Selectors.Tokenize == "":
		return fmt.Errorf("field %q: tokenize selector required", spec.Name)
	case spec.Selectors.Detokenize == "":
		return fmt.Errorf("field %q: detokenize selector required", spec.Name)
	case spec.Selectors.DetokenizeClear == "":
		return fmt.Errorf("field %q: detokenize_clear selector required", spec.Name)
	}
	return nil
}

func normalizeSelector(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Lookup matches the stored lower-case name exactly; callers pass the canonical
// identifier.
func (r *Registry) Lookup(name string) (Spec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w `%s` for tokenization", ErrUnknownField, name)
	}
	return spec, nil
}

// Names returns the registered field names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Selectors returns every distinct selector referenced by the table, sorted.
func (r *Registry) Selectors() []string {
	seen := map[string]struct{}{}
	for _, spec := range r.specs {
		seen[spec.Selectors.Tokenize] = struct{}{}
		seen[spec.Selectors.Detokenize] = struct{}{}
		seen[spec.Selectors.DetokenizeClear] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sel := range seen {
		out = append(out, sel)
	}
	sort.Strings(out)
	return out
}
