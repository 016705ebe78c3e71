package core

import (
	"context"
	"time"
)

// Role classifies a resolved principal. Exactly two variants exist; the
// owner role is assigned to the single configured owner key, every other
// principal resolves to RoleExternal. Finer grained trust (extra grants for
// trusted externals) is data on the identity record, not a third role.
type Role string

const (
	// RoleOwner is the designated owner of the host.
	RoleOwner Role = "owner"
	// RoleExternal is any principal other than the owner.
	RoleExternal Role = "external"
)

// Valid reports whether the role is one of the two known variants.
func (r Role) Valid() bool { return r == RoleOwner || r == RoleExternal }

// Identity is a resolved principal: a stable external key plus the role
// derived once from configuration. Immutable after resolution.
type Identity struct {
	// Key is the stable external identifier (e.g. a platform user id).
	Key string
	// Role is the trust classification resolved from configuration.
	Role Role
	// DisplayName is a best-effort human readable name for logging and
	// owner notifications. May be empty.
	DisplayName string
	// Grants lists extra operation names merged into the role capability
	// set for this identity (trusted externals). Empty for most identities.
	Grants []string
}

// IsOwner reports whether the identity carries the owner role.
func (id Identity) IsOwner() bool { return id.Role == RoleOwner }

// Name returns the display name, falling back to the key.
func (id Identity) Name() string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	return id.Key
}

// IdentityRecord is the durable row backing an external identity: last-seen
// bookkeeping plus moderation state. The owner has no record; its identity
// is derived purely from configuration.
type IdentityRecord struct {
	Key         string
	DisplayName string
	Notes       string
	Banned      bool
	Grants      []string
	FirstSeen   time.Time
	LastSeen    time.Time
}

// IdentityStore persists identity records. Upsert is best effort from the
// resolver's point of view: a failed upsert must not fail resolution.
type IdentityStore interface {
	// Upsert inserts or refreshes the record keyed by rec.Key. FirstSeen is
	// preserved on update; LastSeen is always overwritten.
	Upsert(ctx context.Context, rec *IdentityRecord) error

	// Get returns the record for key, or ErrTaskNotFound-style nil+error
	// semantics: (nil, nil) when the key has never been seen.
	Get(ctx context.Context, key string) (*IdentityRecord, error)
}
