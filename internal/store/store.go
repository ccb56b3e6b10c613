package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit bounds the WAL file to 64 MiB.
const walJournalSizeLimit = 67108864

// SQLiteStore is the durable store backed by an embedded SQLite database in
// WAL mode. All engine state (cache entries, queue records, manual
// conflicts, drain leases) is persisted here.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	cacheStmts    cacheStatements
	queueStmts    queueStatements
	conflictStmts conflictStatements
	leaseStmts    leaseStatements
}

type cacheStatements struct {
	get, put, delete, deletePrefix, setState, deleteExpired, evictSynced *sql.Stmt
}

type queueStatements struct {
	get, getActiveByKey, put, setStatus, scheduleRetry *sql.Stmt
	listDue, listByStatus, delete, countByStatus       *sql.Stmt
	resetInFlight                                      *sql.Stmt
}

type conflictStatements struct {
	put, get, getByKey, list, delete *sql.Stmt
}

type leaseStatements struct {
	get, upsert, release *sql.Stmt
}

// Open creates a SQLiteStore at dbPath, applying migrations and preparing
// all repeated statements. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening durable store", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer: queue mutations are serialized through one connection,
	// and in-memory databases vanish per-connection otherwise.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAllStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("durable store ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// --- SQL query constants, grouped by domain ---

const (
	sqlCacheColumns = `key, entity_type, value, written_at, ttl_ns, sync_state`

	sqlGetCache = `SELECT ` + sqlCacheColumns +
		` FROM cache_entries WHERE key = ?`

	sqlPutCache = `INSERT INTO cache_entries (` + sqlCacheColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			entity_type = excluded.entity_type,
			value       = excluded.value,
			written_at  = excluded.written_at,
			ttl_ns      = excluded.ttl_ns,
			sync_state  = excluded.sync_state`

	sqlDeleteCache = `DELETE FROM cache_entries WHERE key = ?`

	sqlDeleteCachePrefix = `DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\'`

	sqlSetCacheState = `UPDATE cache_entries SET sync_state = ? WHERE key = ?`

	sqlDeleteExpiredCache = `DELETE FROM cache_entries
		WHERE ttl_ns > 0 AND written_at + ttl_ns <= ?`

	// Quota pressure relief: oldest already-synced entries go first.
	// Queue records are never touched to free space.
	sqlEvictSyncedCache = `DELETE FROM cache_entries WHERE key IN (
		SELECT key FROM cache_entries
		WHERE sync_state = 'synced'
		ORDER BY written_at ASC LIMIT ?)`
)

const (
	sqlQueueColumns = `id, entity_type, payload, priority, correlation_key,
		scope_key, attempts, max_attempts, next_attempt_at,
		enqueued_at, superseded_at, status, conflict_policy, last_error`

	sqlGetQueue = `SELECT ` + sqlQueueColumns +
		` FROM queue_records WHERE id = ?`

	sqlGetActiveByKey = `SELECT ` + sqlQueueColumns +
		` FROM queue_records
		WHERE correlation_key = ? AND status IN ('pending', 'in_flight')`

	sqlPutQueue = `INSERT INTO queue_records (` + sqlQueueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_type     = excluded.entity_type,
			payload         = excluded.payload,
			priority        = excluded.priority,
			correlation_key = excluded.correlation_key,
			scope_key       = excluded.scope_key,
			attempts        = excluded.attempts,
			max_attempts    = excluded.max_attempts,
			next_attempt_at = excluded.next_attempt_at,
			enqueued_at     = excluded.enqueued_at,
			superseded_at   = excluded.superseded_at,
			status          = excluded.status,
			conflict_policy = excluded.conflict_policy,
			last_error      = excluded.last_error`

	sqlSetQueueStatus = `UPDATE queue_records
		SET status = ?, last_error = ? WHERE id = ?`

	sqlScheduleRetry = `UPDATE queue_records
		SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`

	sqlListDue = `SELECT ` + sqlQueueColumns +
		` FROM queue_records
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY priority ASC, enqueued_at ASC
		LIMIT ?`

	sqlListByStatus = `SELECT ` + sqlQueueColumns +
		` FROM queue_records WHERE status = ?
		ORDER BY priority ASC, enqueued_at ASC`

	sqlDeleteQueue = `DELETE FROM queue_records WHERE id = ?`

	sqlCountByStatus = `SELECT COUNT(*) FROM queue_records WHERE status IN (?, ?)`

	// Crash recovery: anything left in flight was never confirmed.
	sqlResetInFlight = `UPDATE queue_records
		SET status = 'pending' WHERE status = 'in_flight'`
)

const (
	sqlConflictColumns = `id, correlation_key, scope_key, entity_type,
		local_payload, remote_payload, remote_modified_at, detected_at`

	sqlPutConflict = `INSERT INTO manual_conflicts (` + sqlConflictColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetConflict = `SELECT ` + sqlConflictColumns +
		` FROM manual_conflicts WHERE id = ?`

	sqlGetConflictByKey = `SELECT ` + sqlConflictColumns +
		` FROM manual_conflicts WHERE correlation_key = ?`

	sqlListConflicts = `SELECT ` + sqlConflictColumns +
		` FROM manual_conflicts ORDER BY detected_at ASC`

	sqlDeleteConflict = `DELETE FROM manual_conflicts WHERE id = ?`
)

const (
	sqlGetLease = `SELECT owner, expires_at FROM drain_leases WHERE name = ?`

	sqlUpsertLease = `INSERT INTO drain_leases (name, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner      = excluded.owner,
			expires_at = excluded.expires_at`

	sqlReleaseLease = `DELETE FROM drain_leases WHERE name = ? AND owner = ?`
)

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate. Used by the generic prepare helper to eliminate repetitive
// error handling.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// prepareAllStatements creates all prepared statements grouped by domain.
func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	if err := s.prepareCacheStmts(ctx); err != nil {
		return err
	}

	if err := s.prepareQueueStmts(ctx); err != nil {
		return err
	}

	if err := s.prepareConflictStmts(ctx); err != nil {
		return err
	}

	return s.prepareLeaseStmts(ctx)
}

func (s *SQLiteStore) prepareCacheStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.cacheStmts.get, sqlGetCache, "getCache"},
		{&s.cacheStmts.put, sqlPutCache, "putCache"},
		{&s.cacheStmts.delete, sqlDeleteCache, "deleteCache"},
		{&s.cacheStmts.deletePrefix, sqlDeleteCachePrefix, "deleteCachePrefix"},
		{&s.cacheStmts.setState, sqlSetCacheState, "setCacheState"},
		{&s.cacheStmts.deleteExpired, sqlDeleteExpiredCache, "deleteExpiredCache"},
		{&s.cacheStmts.evictSynced, sqlEvictSyncedCache, "evictSyncedCache"},
	})
}

func (s *SQLiteStore) prepareQueueStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.queueStmts.get, sqlGetQueue, "getQueue"},
		{&s.queueStmts.getActiveByKey, sqlGetActiveByKey, "getActiveByKey"},
		{&s.queueStmts.put, sqlPutQueue, "putQueue"},
		{&s.queueStmts.setStatus, sqlSetQueueStatus, "setQueueStatus"},
		{&s.queueStmts.scheduleRetry, sqlScheduleRetry, "scheduleRetry"},
		{&s.queueStmts.listDue, sqlListDue, "listDue"},
		{&s.queueStmts.listByStatus, sqlListByStatus, "listByStatus"},
		{&s.queueStmts.delete, sqlDeleteQueue, "deleteQueue"},
		{&s.queueStmts.countByStatus, sqlCountByStatus, "countByStatus"},
		{&s.queueStmts.resetInFlight, sqlResetInFlight, "resetInFlight"},
	})
}

func (s *SQLiteStore) prepareConflictStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.conflictStmts.put, sqlPutConflict, "putConflict"},
		{&s.conflictStmts.get, sqlGetConflict, "getConflict"},
		{&s.conflictStmts.getByKey, sqlGetConflictByKey, "getConflictByKey"},
		{&s.conflictStmts.list, sqlListConflicts, "listConflicts"},
		{&s.conflictStmts.delete, sqlDeleteConflict, "deleteConflict"},
	})
}

func (s *SQLiteStore) prepareLeaseStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.leaseStmts.get, sqlGetLease, "getLease"},
		{&s.leaseStmts.upsert, sqlUpsertLease, "upsertLease"},
		{&s.leaseStmts.release, sqlReleaseLease, "releaseLease"},
	})
}

// Checkpoint forces a WAL checkpoint to consolidate the WAL file into the
// main database.
func (s *SQLiteStore) Checkpoint() error {
	s.logger.Debug("running WAL checkpoint")

	_, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing durable store")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// closeStatements closes all prepared statements, collecting errors.
func (s *SQLiteStore) closeStatements() error {
	stmts := []*sql.Stmt{
		s.cacheStmts.get, s.cacheStmts.put, s.cacheStmts.delete,
		s.cacheStmts.deletePrefix, s.cacheStmts.setState,
		s.cacheStmts.deleteExpired, s.cacheStmts.evictSynced,
		s.queueStmts.get, s.queueStmts.getActiveByKey, s.queueStmts.put,
		s.queueStmts.setStatus, s.queueStmts.scheduleRetry,
		s.queueStmts.listDue, s.queueStmts.listByStatus,
		s.queueStmts.delete, s.queueStmts.countByStatus,
		s.queueStmts.resetInFlight,
		s.conflictStmts.put, s.conflictStmts.get, s.conflictStmts.getByKey,
		s.conflictStmts.list, s.conflictStmts.delete,
		s.leaseStmts.get, s.leaseStmts.upsert, s.leaseStmts.release,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}
