// Package capability implements the role-keyed capability registry: the
// immutable partition of operation names between the owner and external
// roles. Sets are built once from configuration; a configuration change is
// applied by rebuilding the registry and resetting all cached sessions,
// never by mutating a live set.
package capability

import (
	"fmt"

	"github.com/ikurchat/jobs/core"
)

// Registry maps a role to its immutable capability set. Safe for concurrent
// reads; there are no writes after construction.
type Registry struct {
	byRole map[core.Role]core.CapabilitySet
}

// New builds a registry from per-role operation lists. Both roles must be
// present; the external list may be empty but not absent, to force callers
// to make the partition explicit.
func New(lists map[core.Role][]string) (*Registry, error) {
	byRole := make(map[core.Role]core.CapabilitySet, len(lists))
	for role, ops := range lists {
		if !role.Valid() {
			return nil, fmt.Errorf("capability: unknown role %q", role)
		}
		byRole[role] = core.NewCapabilitySet(ops...)
	}
	for _, role := range []core.Role{core.RoleOwner, core.RoleExternal} {
		if _, ok := byRole[role]; !ok {
			return nil, fmt.Errorf("capability: missing list for role %q", role)
		}
	}
	return &Registry{byRole: byRole}, nil
}

// ForRole returns the capability set for the role. Unknown roles get an
// empty set rather than a nil map lookup surprise.
func (r *Registry) ForRole(role core.Role) core.CapabilitySet {
	if set, ok := r.byRole[role]; ok {
		return set
	}
	return core.NewCapabilitySet()
}

// ForIdentity returns the identity's effective set: the role set widened by
// any per-identity grants (trusted externals). Grants on an owner identity
// are redundant and ignored by Merge semantics.
func (r *Registry) ForIdentity(id core.Identity) core.CapabilitySet {
	set := r.ForRole(id.Role)
	if len(id.Grants) > 0 {
		set = set.Merge(id.Grants...)
	}
	return set
}
