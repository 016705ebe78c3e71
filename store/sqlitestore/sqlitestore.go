// Package sqlitestore implements the core store contracts on a single
// SQLite database file. One connection pool is shared by the task,
// identity and subscription stores; each store borrows a connection per
// call and returns it when done.
//
// The task store's Update is a literal compare-and-update: the UPDATE
// statement carries the caller's version in its WHERE clause, so a lost
// race surfaces as zero affected rows rather than a silent overwrite.
package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	title            TEXT NOT NULL,
	status           TEXT NOT NULL,
	assignee         TEXT NOT NULL,
	creator          TEXT,
	payload          TEXT,
	result           TEXT,
	reason           TEXT,
	next_step        TEXT,
	resumption_token TEXT,
	due_at           INTEGER,
	repeat_interval  INTEGER NOT NULL DEFAULT 0,
	version          INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, kind, due_at);
CREATE INDEX IF NOT EXISTS idx_tasks_resumable ON tasks(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee, updated_at);

CREATE TABLE IF NOT EXISTS identities (
	key          TEXT PRIMARY KEY,
	display_name TEXT,
	notes        TEXT,
	banned       INTEGER NOT NULL DEFAULT 0,
	grants       TEXT,
	first_seen   INTEGER NOT NULL,
	last_seen    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trigger_subscriptions (
	id           TEXT PRIMARY KEY,
	identity_key TEXT NOT NULL,
	source       TEXT NOT NULL,
	topic        TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trigger_subscriptions_topic ON trigger_subscriptions(source, topic);
`

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist. ":memory:" works for tests with PoolSize 1.
	Path string

	// PoolSize is the number of pooled connections. Defaults to
	// max(NumCPU, 4) when zero or negative. Writes are serialized by
	// SQLite regardless; extra connections only help concurrent reads.
	PoolSize int

	// Logger receives open/close events.
	Logger logging.Logger
}

// Store owns the connection pool. The typed sub-stores returned by Tasks,
// Identities and Subscriptions all share it and stay valid until Close.
type Store struct {
	pool   *sqlitex.Pool
	logger logging.Logger
	path   string
}

// Open creates the pool, applies per-connection pragmas and ensures the
// schema exists. The caller must Close the store when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitestore: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite store opened", "path", cfg.Path, "pool_size", poolSize)
	return &Store{pool: pool, logger: logger, path: cfg.Path}, nil
}

// Close closes the pool, blocking until all borrowed connections return.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlitestore: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite store closed", "path", s.path)
	return nil
}

// Tasks returns the core.TaskStore view of the database.
func (s *Store) Tasks() *TaskStore { return &TaskStore{store: s} }

// Identities returns the core.IdentityStore view of the database.
func (s *Store) Identities() *IdentityStore { return &IdentityStore{store: s} }

// Subscriptions returns the core.SubscriptionStore view of the database.
func (s *Store) Subscriptions() *SubscriptionStore { return &SubscriptionStore{store: s} }

// prepareConnection applies pragmas and the schema once per connection.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlitestore: schema: %w", err)
	}
	return nil
}

// TaskStore is the SQLite implementation of core.TaskStore.
type TaskStore struct {
	store *Store
}

var _ core.TaskStore = (*TaskStore)(nil)

// Create inserts a new task record at version 1.
func (t *TaskStore) Create(ctx context.Context, task *core.Task) error {
	if task.ID == "" {
		return fmt.Errorf("sqlitestore: task id must not be empty")
	}
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: create task: %w", err)
	}
	defer t.store.pool.Put(conn)

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Version = 1

	var dueAt any
	var repeat int64
	if task.Schedule != nil {
		dueAt = task.Schedule.DueAt.UnixNano()
		repeat = int64(task.Schedule.RepeatInterval)
	}

	err = sqlitex.Execute(conn, `INSERT INTO tasks
		(id, kind, title, status, assignee, creator, payload, result, reason,
		 next_step, resumption_token, due_at, repeat_interval, version,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				task.ID, string(task.Kind), task.Title, string(task.Status),
				task.Assignee, task.Creator, task.Payload, task.Result,
				task.Reason, task.NextStep, task.ResumptionToken,
				dueAt, repeat, task.Version,
				task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("sqlitestore: insert task %s: %w", task.ID, err)
	}
	return nil
}

const taskColumns = `id, kind, title, status, assignee, creator, payload,
	result, reason, next_step, resumption_token, due_at, repeat_interval,
	version, created_at, updated_at`

// Get returns the task or core.ErrTaskNotFound.
func (t *TaskStore) Get(ctx context.Context, id string) (*core.Task, error) {
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get task: %w", err)
	}
	defer t.store.pool.Put(conn)
	return getTask(conn, id)
}

func getTask(conn *sqlite.Conn, id string) (*core.Task, error) {
	var task *core.Task
	err := sqlitex.Execute(conn, "SELECT "+taskColumns+" FROM tasks WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				task = scanTask(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: select task %s: %w", id, err)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, id)
	}
	return task, nil
}

// Update applies a compare-and-update keyed by (ID, Version). The version
// guard lives in the WHERE clause so a concurrent writer shows up as zero
// changed rows.
func (t *TaskStore) Update(ctx context.Context, task *core.Task) error {
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: update task: %w", err)
	}
	defer t.store.pool.Put(conn)

	now := time.Now().UTC()
	var dueAt any
	var repeat int64
	if task.Schedule != nil {
		dueAt = task.Schedule.DueAt.UnixNano()
		repeat = int64(task.Schedule.RepeatInterval)
	}

	err = sqlitex.Execute(conn, `UPDATE tasks SET
		kind = ?, title = ?, status = ?, assignee = ?, creator = ?,
		payload = ?, result = ?, reason = ?, next_step = ?,
		resumption_token = ?, due_at = ?, repeat_interval = ?,
		version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(task.Kind), task.Title, string(task.Status),
				task.Assignee, task.Creator, task.Payload, task.Result,
				task.Reason, task.NextStep, task.ResumptionToken,
				dueAt, repeat, now.UnixNano(),
				task.ID, task.Version,
			},
		})
	if err != nil {
		return fmt.Errorf("sqlitestore: update task %s: %w", task.ID, err)
	}
	if conn.Changes() == 0 {
		// Distinguish a lost race from a missing row.
		cur, err := getTask(conn, task.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s at version %d, caller had %d",
			core.ErrVersionConflict, task.ID, cur.Version, task.Version)
	}
	task.Version++
	task.UpdatedAt = now
	return nil
}

// ListDue returns pending scheduled tasks due at or before now, ordered by
// due time ascending.
func (t *TaskStore) ListDue(ctx context.Context, now time.Time) ([]*core.Task, error) {
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list due: %w", err)
	}
	defer t.store.pool.Put(conn)

	var tasks []*core.Task
	err = sqlitex.Execute(conn, "SELECT "+taskColumns+` FROM tasks
		WHERE status = ? AND kind = ? AND due_at IS NOT NULL AND due_at <= ?
		ORDER BY due_at ASC`,
		&sqlitex.ExecOptions{
			Args: []any{string(core.TaskPending), string(core.TaskScheduled), now.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tasks = append(tasks, scanTask(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list due: %w", err)
	}
	return tasks, nil
}

// ListResumable returns active tasks carrying a next-step marker, oldest
// updated first.
func (t *TaskStore) ListResumable(ctx context.Context) ([]*core.Task, error) {
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list resumable: %w", err)
	}
	defer t.store.pool.Put(conn)

	var tasks []*core.Task
	err = sqlitex.Execute(conn, "SELECT "+taskColumns+` FROM tasks
		WHERE status = ? AND next_step != ''
		ORDER BY updated_at ASC`,
		&sqlitex.ExecOptions{
			Args: []any{string(core.TaskActive)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tasks = append(tasks, scanTask(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list resumable: %w", err)
	}
	return tasks, nil
}

// ListUnstarted returns pending non-scheduled tasks oldest created first.
func (t *TaskStore) ListUnstarted(ctx context.Context) ([]*core.Task, error) {
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list unstarted: %w", err)
	}
	defer t.store.pool.Put(conn)

	var tasks []*core.Task
	err = sqlitex.Execute(conn, "SELECT "+taskColumns+` FROM tasks
		WHERE status = ? AND kind != ?
		ORDER BY created_at ASC`,
		&sqlitex.ExecOptions{
			Args: []any{string(core.TaskPending), string(core.TaskScheduled)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tasks = append(tasks, scanTask(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list unstarted: %w", err)
	}
	return tasks, nil
}

// ListByAssignee returns every task assigned to the key, most recently
// updated first.
func (t *TaskStore) ListByAssignee(ctx context.Context, assignee string) ([]*core.Task, error) {
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list by assignee: %w", err)
	}
	defer t.store.pool.Put(conn)

	var tasks []*core.Task
	err = sqlitex.Execute(conn, "SELECT "+taskColumns+` FROM tasks
		WHERE assignee = ?
		ORDER BY updated_at DESC`,
		&sqlitex.ExecOptions{
			Args: []any{assignee},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tasks = append(tasks, scanTask(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list by assignee %s: %w", assignee, err)
	}
	return tasks, nil
}

// LatestResumption returns the most recently updated non-terminal task for
// the assignee that carries a resumption token, or (nil, nil).
func (t *TaskStore) LatestResumption(ctx context.Context, assignee string) (*core.Task, error) {
	conn, err := t.store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: latest resumption: %w", err)
	}
	defer t.store.pool.Put(conn)

	var task *core.Task
	err = sqlitex.Execute(conn, "SELECT "+taskColumns+` FROM tasks
		WHERE assignee = ? AND resumption_token != '' AND status IN (?, ?)
		ORDER BY updated_at DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{assignee, string(core.TaskPending), string(core.TaskActive)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				task = scanTask(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: latest resumption for %s: %w", assignee, err)
	}
	return task, nil
}

// scanTask reads one row in taskColumns order.
func scanTask(stmt *sqlite.Stmt) *core.Task {
	task := &core.Task{
		ID:              stmt.ColumnText(0),
		Kind:            core.TaskKind(stmt.ColumnText(1)),
		Title:           stmt.ColumnText(2),
		Status:          core.TaskStatus(stmt.ColumnText(3)),
		Assignee:        stmt.ColumnText(4),
		Creator:         stmt.ColumnText(5),
		Payload:         stmt.ColumnText(6),
		Result:          stmt.ColumnText(7),
		Reason:          stmt.ColumnText(8),
		NextStep:        stmt.ColumnText(9),
		ResumptionToken: stmt.ColumnText(10),
		Version:         stmt.ColumnInt64(13),
		CreatedAt:       time.Unix(0, stmt.ColumnInt64(14)).UTC(),
		UpdatedAt:       time.Unix(0, stmt.ColumnInt64(15)).UTC(),
	}
	if !stmt.ColumnIsNull(11) {
		task.Schedule = &core.Schedule{
			DueAt:          time.Unix(0, stmt.ColumnInt64(11)).UTC(),
			RepeatInterval: time.Duration(stmt.ColumnInt64(12)),
		}
	}
	return task
}

// IdentityStore is the SQLite implementation of core.IdentityStore.
type IdentityStore struct {
	store *Store
}

var _ core.IdentityStore = (*IdentityStore)(nil)

// Upsert inserts or refreshes the record. FirstSeen and ban state are
// preserved on update; LastSeen is always overwritten.
func (i *IdentityStore) Upsert(ctx context.Context, rec *core.IdentityRecord) error {
	conn, err := i.store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert identity: %w", err)
	}
	defer i.store.pool.Put(conn)

	now := time.Now().UTC()
	firstSeen := rec.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = now
	}

	var grantsJSON any
	if len(rec.Grants) > 0 {
		data, err := json.Marshal(rec.Grants)
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal grants: %w", err)
		}
		grantsJSON = string(data)
	}

	err = sqlitex.Execute(conn, `INSERT INTO identities
		(key, display_name, notes, banned, grants, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			display_name = excluded.display_name,
			notes = excluded.notes,
			grants = excluded.grants,
			last_seen = excluded.last_seen`,
		&sqlitex.ExecOptions{
			Args: []any{
				rec.Key, rec.DisplayName, rec.Notes, boolToInt(rec.Banned),
				grantsJSON, firstSeen.UnixNano(), now.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert identity %s: %w", rec.Key, err)
	}
	return nil
}

// Get returns the record or (nil, nil) for unseen keys.
func (i *IdentityStore) Get(ctx context.Context, key string) (*core.IdentityRecord, error) {
	conn, err := i.store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get identity: %w", err)
	}
	defer i.store.pool.Put(conn)

	var rec *core.IdentityRecord
	var scanErr error
	err = sqlitex.Execute(conn, `SELECT key, display_name, notes, banned,
		grants, first_seen, last_seen FROM identities WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec = &core.IdentityRecord{
					Key:         stmt.ColumnText(0),
					DisplayName: stmt.ColumnText(1),
					Notes:       stmt.ColumnText(2),
					Banned:      stmt.ColumnInt(3) != 0,
					FirstSeen:   time.Unix(0, stmt.ColumnInt64(5)).UTC(),
					LastSeen:    time.Unix(0, stmt.ColumnInt64(6)).UTC(),
				}
				if !stmt.ColumnIsNull(4) {
					scanErr = json.Unmarshal([]byte(stmt.ColumnText(4)), &rec.Grants)
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: select identity %s: %w", key, err)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal grants for %s: %w", key, scanErr)
	}
	return rec, nil
}

// SetBanned flips the ban flag on an existing record.
func (i *IdentityStore) SetBanned(ctx context.Context, key string, banned bool) error {
	conn, err := i.store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: set banned: %w", err)
	}
	defer i.store.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE identities SET banned = ? WHERE key = ?",
		&sqlitex.ExecOptions{Args: []any{boolToInt(banned), key}})
	if err != nil {
		return fmt.Errorf("sqlitestore: set banned %s: %w", key, err)
	}
	return nil
}

// SubscriptionStore is the SQLite implementation of core.SubscriptionStore.
type SubscriptionStore struct {
	store *Store
}

var _ core.SubscriptionStore = (*SubscriptionStore)(nil)

// Put inserts or replaces the subscription.
func (s *SubscriptionStore) Put(ctx context.Context, sub *core.Subscription) error {
	if sub.ID == "" {
		return fmt.Errorf("sqlitestore: subscription id must not be empty")
	}
	conn, err := s.store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: put subscription: %w", err)
	}
	defer s.store.pool.Put(conn)

	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO trigger_subscriptions
		(id, identity_key, source, topic, created_at) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{sub.ID, sub.IdentityKey, sub.Source, sub.Topic, createdAt.UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("sqlitestore: put subscription %s: %w", sub.ID, err)
	}
	return nil
}

// Delete removes the subscription. Unknown ids are a no-op.
func (s *SubscriptionStore) Delete(ctx context.Context, id string) error {
	conn, err := s.store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete subscription: %w", err)
	}
	defer s.store.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM trigger_subscriptions WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("sqlitestore: delete subscription %s: %w", id, err)
	}
	return nil
}

// List returns all subscriptions ordered by creation time.
func (s *SubscriptionStore) List(ctx context.Context) ([]*core.Subscription, error) {
	return s.list(ctx, "SELECT id, identity_key, source, topic, created_at FROM trigger_subscriptions ORDER BY created_at ASC", nil)
}

// ListByTopic returns subscriptions matching source and topic.
func (s *SubscriptionStore) ListByTopic(ctx context.Context, source, topic string) ([]*core.Subscription, error) {
	return s.list(ctx, `SELECT id, identity_key, source, topic, created_at
		FROM trigger_subscriptions WHERE source = ? AND topic = ? ORDER BY created_at ASC`,
		[]any{source, topic})
}

func (s *SubscriptionStore) list(ctx context.Context, query string, args []any) ([]*core.Subscription, error) {
	conn, err := s.store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list subscriptions: %w", err)
	}
	defer s.store.pool.Put(conn)

	var subs []*core.Subscription
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			subs = append(subs, &core.Subscription{
				ID:          stmt.ColumnText(0),
				IdentityKey: stmt.ColumnText(1),
				Source:      stmt.ColumnText(2),
				Topic:       stmt.ColumnText(3),
				CreatedAt:   time.Unix(0, stmt.ColumnInt64(4)).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list subscriptions: %w", err)
	}
	return subs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
