// Package outbox is the durable local queue of mood entries. Every entry is
// written here before any network activity and stays until it has been
// uploaded (or rejected by the service). Backed by SQLite in WAL mode.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// dataDirPerms keeps the outbox directory private to the user.
const dataDirPerms = 0o700

// ErrNotFound is returned when a mark operation targets an unknown id.
var ErrNotFound = errors.New("outbox: record not found")

const recordColumns = `id, client_id, score, note, created_at, synced, synced_at, dropped, last_status`

const (
	sqlInsert = `INSERT INTO mood_entries (client_id, score, note, created_at)
		VALUES (?, ?, ?, ?)`

	sqlListUnsynced = `SELECT ` + recordColumns + `
		FROM mood_entries WHERE synced = 0 ORDER BY id ASC`

	sqlListRecent = `SELECT ` + recordColumns + `
		FROM mood_entries ORDER BY id DESC LIMIT ?`

	sqlListDropped = `SELECT ` + recordColumns + `
		FROM mood_entries WHERE dropped = 1 ORDER BY id ASC`

	sqlGet = `SELECT ` + recordColumns + ` FROM mood_entries WHERE id = ?`

	// synced_at is set only on the first transition so repeated marks are
	// no-ops.
	sqlMarkSynced = `UPDATE mood_entries
		SET synced = 1, synced_at = COALESCE(synced_at, ?)
		WHERE id = ?`

	sqlMarkDropped = `UPDATE mood_entries
		SET synced = 1, synced_at = COALESCE(synced_at, ?), dropped = 1, last_status = ?
		WHERE id = ? AND synced = 0`

	sqlExists = `SELECT 1 FROM mood_entries WHERE id = ?`

	sqlCountUnsynced = `SELECT COUNT(*) FROM mood_entries WHERE synced = 0`

	sqlPurgeSynced = `DELETE FROM mood_entries WHERE synced = 1 AND dropped = 0 AND synced_at < ?`
)

// Record is one mood entry awaiting (or done with) upload.
type Record struct {
	ID         int64
	ClientID   string // idempotency key, fixed at insert
	Score      int
	Note       string
	CreatedAt  time.Time
	Synced     bool
	SyncedAt   time.Time // zero until synced
	Dropped    bool      // synced because the service rejected it
	LastStatus int       // HTTP status that caused the drop
}

// Store is the SQLite-backed outbox. Safe for concurrent use; inserts and
// marks are serialized by the single database connection.
type Store struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open opens (creating if needed) the outbox database at dbPath and applies
// migrations. synchronous=FULL makes each committed insert durable before
// Insert returns.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), dataDirPerms); err != nil {
		return nil, fmt.Errorf("outbox: creating directory for %s: %w", dbPath, err)
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("outbox opened", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		path:    dbPath,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("outbox: closing database: %w", err)
	}

	return nil
}

// Insert appends a record and returns its id. A missing ClientID gets a
// fresh UUID and a zero CreatedAt is stamped with the current time. The
// record is committed when Insert returns.
func (s *Store) Insert(ctx context.Context, rec Record) (int64, error) {
	if rec.ClientID == "" {
		rec.ClientID = uuid.NewString()
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFunc()
	}

	res, err := s.db.ExecContext(ctx, sqlInsert, rec.ClientID, rec.Score, rec.Note, rec.CreatedAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("outbox: inserting record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("outbox: reading inserted id: %w", err)
	}

	s.logger.Debug("record queued", slog.Int64("id", id), slog.Int("score", rec.Score))

	return id, nil
}

// ListUnsynced returns every unsynced record, oldest first.
func (s *Store) ListUnsynced(ctx context.Context) ([]Record, error) {
	return s.query(ctx, sqlListUnsynced)
}

// List returns up to limit records, newest first, synced or not.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	return s.query(ctx, sqlListRecent, limit)
}

// ListDropped returns records the service rejected, oldest first.
func (s *Store) ListDropped(ctx context.Context) ([]Record, error) {
	return s.query(ctx, sqlListDropped)
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	recs, err := s.query(ctx, sqlGet, id)
	if err != nil {
		return Record{}, err
	}

	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	return recs[0], nil
}

// MarkSynced flags a record as uploaded. Marking an already-synced record
// again is a no-op.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, sqlMarkSynced, s.nowFunc().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("outbox: marking %d synced: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	return nil
}

// MarkDropped flags a record as synced because the service rejected it with
// status. The record will never be sent again. Dropping a record that is
// already synced leaves it untouched.
func (s *Store) MarkDropped(ctx context.Context, id int64, status int) error {
	res, err := s.db.ExecContext(ctx, sqlMarkDropped, s.nowFunc().UnixNano(), status, id)
	if err != nil {
		return fmt.Errorf("outbox: marking %d dropped: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var one int
	if err := s.db.QueryRowContext(ctx, sqlExists, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}

		return fmt.Errorf("outbox: checking %d: %w", id, err)
	}

	return nil
}

// CountUnsynced returns the number of records waiting for upload.
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, sqlCountUnsynced).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox: counting unsynced: %w", err)
	}

	return n, nil
}

// PurgeSynced deletes synced records whose upload is older than olderThan.
// Unsynced and dropped records are never purged.
func (s *Store) PurgeSynced(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.nowFunc().Add(-olderThan).UnixNano()

	res, err := s.db.ExecContext(ctx, sqlPurgeSynced, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox: purging synced records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox: purging synced records: %w", err)
	}

	if n > 0 {
		s.logger.Info("purged synced records", slog.Int64("count", n))
	}

	return n, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: querying records: %w", err)
	}
	defer rows.Close()

	var recs []Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterating records: %w", err)
	}

	return recs, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		r         Record
		createdAt int64
		syncedAt  sql.NullInt64
	)

	if err := rows.Scan(&r.ID, &r.ClientID, &r.Score, &r.Note, &createdAt,
		&r.Synced, &syncedAt, &r.Dropped, &r.LastStatus); err != nil {
		return Record{}, fmt.Errorf("outbox: scanning record: %w", err)
	}

	r.CreatedAt = time.Unix(0, createdAt)

	if syncedAt.Valid {
		r.SyncedAt = time.Unix(0, syncedAt.Int64)
	}

	return r, nil
}
