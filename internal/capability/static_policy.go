package capability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/dealdesk/model"
)

// policyFile is the on-disk layout: role name to granted capabilities.
type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicyEvaluator grants capabilities by role from a YAML file.
type StaticPolicyEvaluator struct {
	path string

	mu    sync.RWMutex
	roles map[string]model.CapabilitySet
}

// NewStaticPolicyEvaluator reads path and fails if it cannot be parsed.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of the sets of the caller's roles.
// Unknown roles grant nothing.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	granted := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for c := range e.roles[role] {
			granted[c] = true
		}
	}
	return granted, nil
}

// Sync re-reads the policy file. A file that fails to read, parse, or
// validate leaves the current policy untouched.
func (e *StaticPolicyEvaluator) Sync() error {
	raw, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	roles := make(map[string]model.CapabilitySet, len(pf.Roles))
	for role, list := range pf.Roles {
		set := make(model.CapabilitySet, len(list))
		for _, c := range list {
			if err := checkCapability(c); err != nil {
				return fmt.Errorf("capability: policy file %s, role %q: %w", e.path, role, err)
			}
			set[c] = true
		}
		roles[role] = set
	}

	e.mu.Lock()
	e.roles = roles
	e.mu.Unlock()
	return nil
}

// checkCapability accepts "*" or colon-separated non-empty segments, where
// only the last segment may be a wildcard.
func checkCapability(c string) error {
	if c == "*" {
		return nil
	}
	parts := strings.Split(c, ":")
	for i, p := range parts {
		if p == "" {
			return fmt.Errorf("malformed capability %q", c)
		}
		if p == "*" && i != len(parts)-1 {
			return fmt.Errorf("wildcard must be the last segment in %q", c)
		}
	}
	return nil
}
