package core

import "sort"

// CapabilitySet is an immutable allow-list of operation names. Sets are
// built once per role at configuration time and shared across sessions;
// they are never mutated in place. Widening a set for a trusted identity
// goes through Merge, which returns a fresh set.
type CapabilitySet struct {
	ops map[string]struct{}
}

// NewCapabilitySet builds a set from the given operation names.
func NewCapabilitySet(ops ...string) CapabilitySet {
	m := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if op == "" {
			continue
		}
		m[op] = struct{}{}
	}
	return CapabilitySet{ops: m}
}

// Allows reports whether the named operation is in the set.
func (c CapabilitySet) Allows(op string) bool {
	_, ok := c.ops[op]
	return ok
}

// Len returns the number of operations in the set.
func (c CapabilitySet) Len() int { return len(c.ops) }

// Names returns the operation names in sorted order. The returned slice is
// a copy; mutating it does not affect the set.
func (c CapabilitySet) Names() []string {
	names := make([]string, 0, len(c.ops))
	for op := range c.ops {
		names = append(names, op)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new set containing the receiver's operations plus the
// given extras. The receiver is left untouched.
func (c CapabilitySet) Merge(extra ...string) CapabilitySet {
	if len(extra) == 0 {
		return c
	}
	ops := c.Names()
	ops = append(ops, extra...)
	return NewCapabilitySet(ops...)
}
