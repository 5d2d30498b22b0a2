package rbac

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

const (
	policyVersion = 1
	wildcard      = "*"
)

// DefaultPolicy returns the embedded role matrix.
func DefaultPolicy() []byte {
	out := make([]byte, len(defaultPolicy))
	copy(out, defaultPolicy)
	return out
}

// PolicySource supplies the raw policy document.
type PolicySource interface {
	Load(ctx context.Context) (data []byte, origin string, err error)
}

// FileSource reads the policy from disk on every load.
type FileSource struct {
	Path string
}

// Load implements PolicySource.
func (s FileSource) Load(ctx context.Context) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, "", fmt.Errorf("rbac: read policy %s: %w", s.Path, err)
	}
	return data, s.Path, nil
}

// EmbeddedSource serves the compiled-in default policy.
type EmbeddedSource struct{}

// Load implements PolicySource.
func (EmbeddedSource) Load(ctx context.Context) ([]byte, string, error) {
	return DefaultPolicy(), "embedded", nil
}

type policyDocument struct {
	Version int                   `yaml:"version"`
	Roles   map[string]rolePolicy `yaml:"roles"`
}

type rolePolicy struct {
	Allow []grantSpec `yaml:"allow"`
	Deny  []grantSpec `yaml:"deny"`
}

type grantSpec struct {
	Module  string   `yaml:"module"`
	Actions []string `yaml:"actions"`
}

// CompilePolicy parses a YAML policy document and expands it into an
// immutable Table. Unknown names, unsupported module actions and empty grants
// are rejected; nothing is partially applied.
func CompilePolicy(data []byte) (*Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc policyDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidPolicy)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if doc.Version != policyVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPolicy, doc.Version)
	}

	allowed := make(map[ruleKey]struct{})
	roleNames := make([]string, 0, len(doc.Roles))
	for name := range doc.Roles {
		roleNames = append(roleNames, name)
	}
	sort.Strings(roleNames)

	for _, name := range roleNames {
		role, err := ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		rp := doc.Roles[name]
		for i, g := range rp.Allow {
			keys, err := expandGrant(role, g)
			if err != nil {
				return nil, fmt.Errorf("%w: role %s allow[%d]: %v", ErrInvalidPolicy, role, i, err)
			}
			for _, k := range keys {
				allowed[k] = struct{}{}
			}
		}
		for i, g := range rp.Deny {
			keys, err := expandGrant(role, g)
			if err != nil {
				return nil, fmt.Errorf("%w: role %s deny[%d]: %v", ErrInvalidPolicy, role, i, err)
			}
			for _, k := range keys {
				delete(allowed, k)
			}
		}
	}

	sum := sha256.Sum256(data)
	return &Table{allowed: allowed, checksum: hex.EncodeToString(sum[:])}, nil
}

func expandGrant(role Role, g grantSpec) ([]ruleKey, error) {
	if len(g.Actions) == 0 {
		return nil, errors.New("no actions listed")
	}
	if g.Module == wildcard {
		var keys []ruleKey
		for _, m := range Modules() {
			if !m.Gated() {
				continue
			}
			actions, err := expandActions(m, g.Actions, true)
			if err != nil {
				return nil, err
			}
			for _, a := range actions {
				keys = append(keys, ruleKey{role: role, module: m, action: a})
			}
		}
		return keys, nil
	}
	module, err := ParseModule(g.Module)
	if err != nil {
		return nil, err
	}
	if !module.Gated() {
		return nil, fmt.Errorf("module %s cannot be granted", module)
	}
	actions, err := expandActions(module, g.Actions, false)
	if err != nil {
		return nil, err
	}
	keys := make([]ruleKey, 0, len(actions))
	for _, a := range actions {
		keys = append(keys, ruleKey{role: role, module: module, action: a})
	}
	return keys, nil
}

// expandActions resolves action names for one module. With lenient set, an
// action the module does not support is skipped instead of rejected; this is
// how a module wildcard combines with an explicit action list.
func expandActions(module Module, names []string, lenient bool) ([]Action, error) {
	var out []Action
	for _, name := range names {
		if name == wildcard {
			out = append(out, module.Actions()...)
			continue
		}
		action, err := ParseAction(name)
		if err != nil {
			return nil, err
		}
		if !module.Supports(action) {
			if lenient {
				continue
			}
			return nil, fmt.Errorf("module %s does not support action %s", module, action)
		}
		out = append(out, action)
	}
	return out, nil
}
