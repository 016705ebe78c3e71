// Package session implements the session registry: the single authority for
// "is there a live handle for identity X, and is it safe to use right now".
//
// The registry caches sessions in an idle-evicting LRU and serializes
// mutations per identity through a lock table that is independent of the
// cache, so eviction can never open a window where two workers mutate the
// same identity's conversation state concurrently. Durable records are
// never touched by eviction; a rebuilt session rebinds its resumption token
// from the task store.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ikurchat/jobs/capability"
	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/logging"
)

// Options holds configuration overrides passed to NewRegistry.
type Options struct {
	// IdleTTL is the idle eviction horizon for cached sessions.
	IdleTTL time.Duration
	// MaxSessions caps the number of cached sessions.
	MaxSessions int
	// LockWait is how long Acquire waits for the identity lock before
	// giving up or escalating.
	LockWait time.Duration
	// LockCeiling is the hold duration past which a lock is treated as
	// stuck and force-released to the waiter.
	LockCeiling time.Duration
	// Logger receives lock escalations and cache lifecycle events.
	Logger logging.Logger
}

// Registry creates, caches and evicts per-identity sessions.
type Registry struct {
	caps   *capability.Registry
	tasks  core.TaskStore
	logger logging.Logger

	lockWait    time.Duration
	lockCeiling time.Duration

	cache *expirable.LRU[string, *core.Session]

	mu    sync.Mutex
	locks map[string]*identityLock
}

// identityLock serializes turns for one identity. All transitions happen
// under mu; the generation counter makes a force-released holder's late
// Release a no-op. waitCh is closed on every release to wake waiters and
// then replaced. cancel ends the current holder's context, so a stolen
// holder's in-flight turn is interrupted rather than racing the thief.
type identityLock struct {
	mu         sync.Mutex
	held       bool
	gen        uint64
	acquiredAt time.Time
	waitCh     chan struct{}
	cancel     context.CancelFunc
}

// NewRegistry constructs a registry over the given capability registry and
// task store.
func NewRegistry(caps *capability.Registry, tasks core.TaskStore, optFns ...func(o *Options)) *Registry {
	opts := Options{
		IdleTTL:     30 * time.Minute,
		MaxSessions: 1024,
		LockWait:    10 * time.Second,
		LockCeiling: 5 * time.Minute,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.LockCeiling < opts.LockWait {
		// A ceiling below the wait would make every timed-out waiter steal
		// a perfectly live lock.
		opts.LockCeiling = opts.LockWait
	}

	return &Registry{
		caps:        caps,
		tasks:       tasks,
		logger:      opts.Logger,
		lockWait:    opts.LockWait,
		lockCeiling: opts.LockCeiling,
		cache:       expirable.NewLRU[string, *core.Session](opts.MaxSessions, nil, opts.IdleTTL),
		locks:       make(map[string]*identityLock),
	}
}

// GetOrCreate returns the cached session for the identity or constructs one
// lazily: the capability set for the identity's role (plus grants) is
// attached, and if a durable task with a live resumption token exists for
// this identity the token is bound so the next agent call resumes prior
// state instead of starting cold.
func (r *Registry) GetOrCreate(ctx context.Context, id core.Identity) (*core.Session, error) {
	if sess, ok := r.cache.Get(id.Key); ok {
		sess.Touch()
		return sess, nil
	}

	caps := r.capsRegistry().ForIdentity(id)

	var token string
	if r.tasks != nil {
		task, err := r.tasks.LatestResumption(ctx, id.Key)
		if err != nil {
			// The durable store is authoritative but a failed lookup only
			// costs a cold start, not the session itself.
			r.logger.Warn("resumption lookup failed", "identity_key", id.Key, "error", err)
		} else if task != nil {
			token = task.ResumptionToken
		}
	}

	sess := core.NewSession(id, caps, token)
	r.cache.Add(id.Key, sess)
	r.logger.Debug("session created", "identity_key", id.Key, "role", string(id.Role), "resumed", token != "")
	return sess, nil
}

// Acquire takes the identity's mutation right and returns a scoped handle
// bound to the (possibly freshly built) session. Exactly one handle per
// identity is live at a time; a second concurrent Acquire waits for release
// up to the configured LockWait.
//
// Escalation: when the wait expires and the current holder has been holding
// the lock longer than LockCeiling, the lock is treated as stuck and
// force-released to the waiter; the previous holder's Release becomes a
// no-op. Otherwise Acquire fails with core.ErrSessionLockTimeout.
func (r *Registry) Acquire(ctx context.Context, id core.Identity) (*Handle, error) {
	lock := r.lockFor(id.Key)
	deadline := time.Now().Add(r.lockWait)

	for {
		lock.mu.Lock()
		if !lock.held {
			gen, holdCtx := lock.take()
			lock.mu.Unlock()
			return r.bind(ctx, id, lock, gen, holdCtx)
		}

		if !time.Now().Before(deadline) {
			held := time.Since(lock.acquiredAt)
			if held > r.lockCeiling {
				// Stuck holder: cancel its turn, invalidate its handle and
				// take over.
				prevCancel := lock.cancel
				gen, holdCtx := lock.take()
				lock.mu.Unlock()
				if prevCancel != nil {
					prevCancel()
				}
				r.logger.Warn("force-releasing stuck session lock", "identity_key", id.Key, "held", held)
				return r.bind(ctx, id, lock, gen, holdCtx)
			}
			lock.mu.Unlock()
			return nil, fmt.Errorf("%w: identity %s", core.ErrSessionLockTimeout, id.Key)
		}

		wake := lock.waitCh
		lock.mu.Unlock()

		wait := time.NewTimer(time.Until(deadline))
		select {
		case <-wake:
			wait.Stop()
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			return nil, ctx.Err()
		}
	}
}

// take marks the lock held by a new generation and arms the holder's
// context. Caller must hold lock.mu.
func (l *identityLock) take() (uint64, context.Context) {
	l.held = true
	l.gen++
	l.acquiredAt = time.Now()
	holdCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	return l.gen, holdCtx
}

// bind builds the session under the freshly taken lock.
func (r *Registry) bind(ctx context.Context, id core.Identity, lock *identityLock, gen uint64, holdCtx context.Context) (*Handle, error) {
	sess, err := r.GetOrCreate(ctx, id)
	if err != nil {
		r.release(lock, gen)
		return nil, err
	}
	return &Handle{registry: r, lock: lock, gen: gen, session: sess, ctx: holdCtx}, nil
}

func (r *Registry) release(lock *identityLock, gen uint64) {
	lock.mu.Lock()
	defer lock.mu.Unlock()
	if !lock.held || lock.gen != gen {
		// Force-released while held; the slot already belongs to someone else.
		return
	}
	lock.held = false
	if lock.cancel != nil {
		lock.cancel()
		lock.cancel = nil
	}
	close(lock.waitCh)
	lock.waitCh = make(chan struct{})
}

func (r *Registry) lockFor(key string) *identityLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &identityLock{waitCh: make(chan struct{})}
		r.locks[key] = lock
	}
	return lock
}

// Reset drops the cached handle for the identity (not the durable record)
// so the next GetOrCreate rebuilds capability bindings from current
// configuration.
func (r *Registry) Reset(key string) {
	r.cache.Remove(key)
	r.logger.Debug("session reset", "identity_key", key)
}

// ResetAll drops every cached handle. Used after any capability-affecting
// configuration change; live capability sets are never mutated in place.
func (r *Registry) ResetAll() {
	r.cache.Purge()
	r.logger.Info("all sessions reset")
}

// SwapCapabilities installs a freshly built capability registry and resets
// every cached session. This is the only supported hot-reload path: sets
// are never mutated in place, so no live session can observe a half-updated
// partition.
func (r *Registry) SwapCapabilities(caps *capability.Registry) {
	r.mu.Lock()
	r.caps = caps
	r.mu.Unlock()
	r.ResetAll()
}

// capsRegistry returns the current capability registry.
func (r *Registry) capsRegistry() *capability.Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caps
}

// Len returns the number of currently cached sessions.
func (r *Registry) Len() int { return r.cache.Len() }

// Handle is the scoped acquisition of one identity's mutation right.
// Release is safe to call on every exit path; double release and release
// after force-release are no-ops.
type Handle struct {
	registry *Registry
	lock     *identityLock
	gen      uint64
	session  *core.Session
	ctx      context.Context

	once sync.Once
}

// Session returns the session bound at acquisition time.
func (h *Handle) Session() *core.Session { return h.session }

// Context is done once this handle's hold on the lock ends, whether by
// Release or by a force-release to a waiter. Work done under the handle
// should watch it so a stolen lock interrupts the turn.
func (h *Handle) Context() context.Context { return h.ctx }

// Release returns the mutation right. Idempotent.
func (h *Handle) Release() {
	h.once.Do(func() { h.registry.release(h.lock, h.gen) })
}
