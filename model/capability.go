package model

import "strings"

// CapabilitySet is the set of capabilities granted to a caller, such as
// "deals:deal:edit". Keys may end in a wildcard ("deals:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains cap exactly or through a wildcard.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if every capability in caps is granted. An empty list
// is always granted.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// matchWildcard reports whether pattern grants cap.
//
//	"*"                 matches anything
//	"deals:*"           matches "deals:deal:edit"
//	"deals:deal"        does not match "deals:deal:edit"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the capability set for a request.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate drops any cached set for the subject in the tenant.
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator maps a caller's roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync reloads policy data from its source.
	Sync() error
}
