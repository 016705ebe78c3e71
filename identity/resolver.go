// Package identity implements the identity and role resolver: it classifies
// an incoming principal as owner or external, refreshes last-seen metadata
// for externals, and applies admission control (ban list, per-identity rate
// limit) before anything reaches a session.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/logging"
)

// Options holds configuration overrides passed to NewResolver.
type Options struct {
	// ExternalRate is the sustained admission rate for one external
	// identity, in events per second. Zero disables rate limiting.
	ExternalRate rate.Limit
	// ExternalBurst is the burst budget for one external identity.
	ExternalBurst int
	// Logger receives best-effort upsert failures and admission rejections.
	Logger logging.Logger
}

// Resolver classifies principals. Resolution is a pure function of the
// configured owner key plus a best-effort durable upsert of last-seen
// metadata for externals; the upsert never fails resolution.
type Resolver struct {
	ownerKey string
	store    core.IdentityStore
	logger   logging.Logger

	extRate  rate.Limit
	extBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewResolver constructs a resolver for the designated owner key.
func NewResolver(ownerKey string, store core.IdentityStore, optFns ...func(o *Options)) (*Resolver, error) {
	if strings.TrimSpace(ownerKey) == "" {
		return nil, fmt.Errorf("identity: owner key must not be empty")
	}

	opts := Options{
		ExternalRate:  rate.Limit(1),
		ExternalBurst: 5,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Resolver{
		ownerKey: ownerKey,
		store:    store,
		logger:   opts.Logger,
		extRate:  opts.ExternalRate,
		extBurst: opts.ExternalBurst,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Resolve classifies the raw principal and returns its identity.
//
// The owner is matched against configuration; every other well-formed key
// resolves to the external role. For externals the durable record supplies
// display name, ban state and extra grants; a missing record is created via
// Upsert. Store failures on the upsert path are logged and swallowed.
//
// Errors: core.ErrInvalidIdentity for malformed input,
// core.ErrIdentityBanned for banned externals, core.ErrRateLimited when the
// identity's admission budget is exhausted.
func (r *Resolver) Resolve(ctx context.Context, raw string, displayName string) (core.Identity, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return core.Identity{}, fmt.Errorf("%w: empty principal", core.ErrInvalidIdentity)
	}
	if strings.ContainsAny(key, " \t\n") {
		return core.Identity{}, fmt.Errorf("%w: principal %q contains whitespace", core.ErrInvalidIdentity, raw)
	}

	if key == r.ownerKey {
		return core.Identity{Key: key, Role: core.RoleOwner, DisplayName: displayName}, nil
	}

	id := core.Identity{Key: key, Role: core.RoleExternal, DisplayName: displayName}

	rec, err := r.store.Get(ctx, key)
	if err != nil {
		r.logger.Warn("identity record lookup failed", "key", key, "error", err)
	}
	if rec != nil {
		if rec.Banned {
			return core.Identity{}, fmt.Errorf("%w: %s", core.ErrIdentityBanned, key)
		}
		if id.DisplayName == "" {
			id.DisplayName = rec.DisplayName
		}
		id.Grants = append([]string(nil), rec.Grants...)
	}

	if !r.admit(key) {
		return core.Identity{}, fmt.Errorf("%w: %s", core.ErrRateLimited, key)
	}

	if err := r.upsertLastSeen(ctx, id, rec); err != nil {
		// Best effort only; resolution still succeeds.
		r.logger.Warn("identity last-seen upsert failed", "key", key, "error", err)
	}

	return id, nil
}

// Lookup classifies a key without charging the admission budget or touching
// last-seen bookkeeping. Used by the trigger path, where the event was
// already admitted when its task or subscription was created. Banned
// identities are still rejected.
func (r *Resolver) Lookup(ctx context.Context, key string) (core.Identity, error) {
	if key == "" {
		return core.Identity{}, fmt.Errorf("%w: empty principal", core.ErrInvalidIdentity)
	}
	if key == r.ownerKey {
		return core.Identity{Key: key, Role: core.RoleOwner}, nil
	}
	id := core.Identity{Key: key, Role: core.RoleExternal}
	rec, err := r.store.Get(ctx, key)
	if err != nil {
		return core.Identity{}, fmt.Errorf("identity: lookup %s: %w", key, err)
	}
	if rec != nil {
		if rec.Banned {
			return core.Identity{}, fmt.Errorf("%w: %s", core.ErrIdentityBanned, key)
		}
		id.DisplayName = rec.DisplayName
		id.Grants = append([]string(nil), rec.Grants...)
	}
	return id, nil
}

// admit charges one event against the identity's token bucket.
func (r *Resolver) admit(key string) bool {
	if r.extRate <= 0 {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(r.extRate, r.extBurst)
		r.limiters[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

func (r *Resolver) upsertLastSeen(ctx context.Context, id core.Identity, prev *core.IdentityRecord) error {
	rec := &core.IdentityRecord{
		Key:         id.Key,
		DisplayName: id.DisplayName,
		Grants:      id.Grants,
	}
	if prev != nil {
		rec.Notes = prev.Notes
		rec.FirstSeen = prev.FirstSeen
		rec.Grants = prev.Grants
	}
	return r.store.Upsert(ctx, rec)
}

// OwnerKey returns the configured owner key.
func (r *Resolver) OwnerKey() string { return r.ownerKey }

// Owner returns the owner identity without admission checks. Used by the
// dispatcher for owner notifications.
func (r *Resolver) Owner() core.Identity {
	return core.Identity{Key: r.ownerKey, Role: core.RoleOwner}
}
