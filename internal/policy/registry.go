package policy

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// Registry holds named policies so session configs can reference them by
// name in a stable order.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry creates an empty policy registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// Register adds a policy under its name. Re-registering a name replaces the
// previous policy.
func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name()] = p
}

// Get returns the policy registered under name.
func (r *Registry) Get(name string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	return p, ok
}

// Resolve maps an ordered list of policy names to policies. Unknown names
// are a validation error since silently skipping one would change the
// chain's semantics.
func (r *Registry) Resolve(names []string) ([]Policy, error) {
	out := make([]Policy, 0, len(names))
	for _, name := range names {
		p, ok := r.Get(name)
		if !ok {
			return nil, apperrors.Validation(fmt.Sprintf("unknown policy: %s", name))
		}
		out = append(out, p)
	}
	return out, nil
}

// policyFile is the on-disk YAML shape for custom policies.
type policyFile struct {
	Policies []policySpec `yaml:"policies"`
}

type policySpec struct {
	Name            string   `yaml:"name"`
	Type            string   `yaml:"type"`
	RestrictedPaths []string `yaml:"restricted_paths"`
	AllowedPaths    []string `yaml:"allowed_paths"`
	BlockedCommands []string `yaml:"blocked_commands"`
	Mode            string   `yaml:"mode"`
}

// LoadFile reads policy definitions from a YAML file and registers them.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	return r.Load(data)
}

// Load parses YAML policy definitions and registers them.
func (r *Registry) Load(data []byte) error {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return apperrors.Validation(fmt.Sprintf("invalid policy file: %v", err))
	}
	for _, spec := range file.Policies {
		p, err := buildPolicy(spec)
		if err != nil {
			return err
		}
		r.Register(p)
	}
	return nil
}

// namedPolicy wraps a policy so file-defined rules keep their declared name.
type namedPolicy struct {
	name string
	Policy
}

func (n *namedPolicy) Name() string { return n.name }

func buildPolicy(spec policySpec) (Policy, error) {
	if spec.Name == "" {
		return nil, apperrors.Validation("policy name is required")
	}
	var inner Policy
	switch spec.Type {
	case "file_access":
		inner = &FileAccessPolicy{
			RestrictedPaths: spec.RestrictedPaths,
			AllowedPaths:    spec.AllowedPaths,
		}
	case "command":
		inner = &CommandPolicy{BlockedCommands: spec.BlockedCommands}
	case "permission_mode":
		inner = &PermissionModePolicy{Mode: spec.Mode}
	default:
		return nil, apperrors.Validation(fmt.Sprintf("unknown policy type: %s", spec.Type))
	}
	return &namedPolicy{name: spec.Name, Policy: inner}, nil
}
