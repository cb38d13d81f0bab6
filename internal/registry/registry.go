package registry

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition describes one worker role.
type Definition struct {
	// Name is the display name. Empty means the role key is used.
	Name      string   `yaml:"name,omitempty" mapstructure:"name" json:"name,omitempty"`
	WhenToUse string   `yaml:"when_to_use" mapstructure:"when_to_use" json:"when_to_use"`
	Prompt    string   `yaml:"prompt" mapstructure:"prompt" json:"prompt"`
	Command   string   `yaml:"command,omitempty" mapstructure:"command" json:"command,omitempty"`
	Args      []string `yaml:"args,omitempty" mapstructure:"args" json:"args,omitempty"`
	Env       []string `yaml:"env,omitempty" mapstructure:"env" json:"env,omitempty"`
}

// DisplayName returns the configured name, falling back to key.
func (d Definition) DisplayName(key string) string {
	if strings.TrimSpace(d.Name) != "" {
		return d.Name
	}
	return key
}

// HasCommand reports whether a launch command is configured.
func (d Definition) HasCommand() bool {
	return strings.TrimSpace(d.Command) != ""
}

// Defaults is applied to roles that have no command of their own.
type Defaults struct {
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`
}

//go:embed builtin.yaml
var builtinCatalogue []byte

// Builtins returns a fresh copy of the embedded role catalogue.
func Builtins() (map[string]Definition, error) {
	defs := make(map[string]Definition)
	if err := yaml.Unmarshal(builtinCatalogue, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse built-in agents: %w", err)
	}
	return defs, nil
}

// Registry holds the role definitions known to the orchestrator. It is
// read-only once built.
type Registry struct {
	agents map[string]Definition
}

// New builds a registry from defs.
func New(defs map[string]Definition) *Registry {
	r := &Registry{agents: make(map[string]Definition, len(defs))}
	for key, def := range defs {
		r.agents[key] = def
	}
	return r
}

// WithBuiltins layers configured roles over the built-in catalogue. A
// configured role replaces the built-in one with the same key. Roles left
// without a command then inherit defaults; default args apply only to roles
// that have none.
func WithBuiltins(configured map[string]Definition, defaults Defaults) (*Registry, error) {
	defs, err := Builtins()
	if err != nil {
		return nil, err
	}
	for key, def := range configured {
		defs[key] = def
	}
	r := New(defs)
	r.applyDefaults(defaults)
	return r, nil
}

func (r *Registry) applyDefaults(defaults Defaults) {
	if strings.TrimSpace(defaults.Command) == "" {
		return
	}
	for key, def := range r.agents {
		if def.HasCommand() {
			continue
		}
		def.Command = defaults.Command
		if len(def.Args) == 0 {
			def.Args = append([]string(nil), defaults.Args...)
		}
		r.agents[key] = def
	}
}

// Get returns the definition for key.
func (r *Registry) Get(key string) (Definition, bool) {
	def, ok := r.agents[key]
	return def, ok
}

// Contains reports whether key is registered.
func (r *Registry) Contains(key string) bool {
	_, ok := r.agents[key]
	return ok
}

// DisplayName returns the display name for key, or key itself when the role
// is unknown or unnamed.
func (r *Registry) DisplayName(key string) string {
	if def, ok := r.agents[key]; ok {
		return def.DisplayName(key)
	}
	return key
}

// Names returns the registered keys in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for key := range r.agents {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered roles.
func (r *Registry) Len() int {
	return len(r.agents)
}

// AgentSelectionContext lists every role except exclude, one per line, as
// "- key: when_to_use" or "- key (display): when_to_use". Lines are sorted.
func (r *Registry) AgentSelectionContext(exclude string) string {
	lines := make([]string, 0, len(r.agents))
	for key, def := range r.agents {
		if key == exclude {
			continue
		}
		display := def.DisplayName(key)
		if display == key {
			lines = append(lines, fmt.Sprintf("- %s: %s", key, def.WhenToUse))
		} else {
			lines = append(lines, fmt.Sprintf("- %s (%s): %s", key, display, def.WhenToUse))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
