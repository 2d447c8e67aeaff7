package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/knobd/pkg/types"
	"gopkg.in/yaml.v3"
)

//go:embed policies.yaml
var builtinPolicies []byte

// ErrUnknownPolicy is returned when an arm name is not registered
var ErrUnknownPolicy = errors.New("unknown policy")

// file is the on-disk layout of a policy definition file
type file struct {
	Policies []types.PolicyDefinition `yaml:"policies"`
}

// Registry is an immutable, ordered set of policy definitions
type Registry struct {
	defs  map[string]types.PolicyDefinition
	order []string
}

// Default returns the built-in arms: fast_v1, balanced_v1 and quality_v1
func Default() *Registry {
	r, err := Parse(builtinPolicies)
	if err != nil {
		panic(fmt.Sprintf("built-in policies are invalid: %v", err))
	}
	return r
}

// Load reads a policy definition file
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates YAML policy definitions. Names must be unique
// and every knob must start within its bounds.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policies: %w", err)
	}
	if len(f.Policies) == 0 {
		return nil, errors.New("no policies defined")
	}

	r := &Registry{defs: make(map[string]types.PolicyDefinition, len(f.Policies))}
	for i := range f.Policies {
		def := f.Policies[i]
		if err := types.Validate(&def); err != nil {
			return nil, err
		}
		if _, dup := r.defs[def.Name]; dup {
			return nil, fmt.Errorf("duplicate policy %q", def.Name)
		}
		r.defs[def.Name] = def
		r.order = append(r.order, def.Name)
	}
	return r, nil
}

// Get returns the named definition
func (r *Registry) Get(name string) (types.PolicyDefinition, error) {
	def, ok := r.defs[name]
	if !ok {
		return types.PolicyDefinition{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownPolicy, name, strings.Join(r.order, ", "))
	}
	return def, nil
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.defs[name]
	return ok
}

// Names returns the policy names in declaration order
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// All returns the definitions in declaration order
func (r *Registry) All() []types.PolicyDefinition {
	out := make([]types.PolicyDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}
