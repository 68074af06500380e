package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/docqa/internal/models"
	"github.com/hyperjump/docqa/internal/vector"
)

// SQLiteStore keeps all sessions in one SQLite database. A Save replaces a session's
// chunk rows and marks it processed in a single transaction.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	o := buildOptions(opts)
	return &SQLiteStore{db: db, path: dbPath, logger: o.logger}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		dimensions INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS session_raw (
		session_id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_chunks (
		session_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		PRIMARY KEY (session_id, chunk_index)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Save replaces the session's chunks in one transaction. The transaction is rolled
// back if ctx is cancelled before commit.
func (s *SQLiteStore) Save(ctx context.Context, sid string, chunks []string, idx *vector.Index) error {
	if err := models.ValidateSessionID(sid); err != nil {
		return err
	}
	if err := checkPair(chunks, idx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, processed_at, dimensions, chunk_count)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET processed_at = excluded.processed_at,
		   dimensions = excluded.dimensions, chunk_count = excluded.chunk_count`,
		sid, now, now, idx.Dimensions(), len(chunks),
	); err != nil {
		return persistenceError("upsert session", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_chunks WHERE session_id = ?`, sid); err != nil {
		return persistenceError("clear chunks", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO session_chunks (session_id, chunk_index, content, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return persistenceError("prepare chunk insert", err)
	}
	defer stmt.Close()
	for i, text := range chunks {
		if _, err := stmt.ExecContext(ctx, sid, i, text, vector.EncodeVector(idx.Vector(i))); err != nil {
			return persistenceError("insert chunk", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistenceError("commit", err)
	}
	s.logger.Debug("index published", zap.String("session_id", sid), zap.Int("chunks", len(chunks)))
	return nil
}

// Load reads the chunk rows in order and rebuilds the index.
func (s *SQLiteStore) Load(ctx context.Context, sid string) ([]string, *vector.Index, error) {
	if err := models.ValidateSessionID(sid); err != nil {
		return nil, nil, err
	}
	var (
		processed  sql.NullTime
		dimensions int
		count      int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT processed_at, dimensions, chunk_count FROM sessions WHERE id = ?`, sid,
	).Scan(&processed, &dimensions, &count)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !processed.Valid) {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sid)
	}
	if err != nil {
		return nil, nil, persistenceError("read session", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index, content, embedding FROM session_chunks
		 WHERE session_id = ? ORDER BY chunk_index`, sid)
	if err != nil {
		return nil, nil, persistenceError("query chunks", err)
	}
	defer rows.Close()

	chunks := make([]string, 0, count)
	vectors := make([][]float32, 0, count)
	for rows.Next() {
		var (
			i    int
			text string
			blob []byte
		)
		if err := rows.Scan(&i, &text, &blob); err != nil {
			return nil, nil, persistenceError("scan chunk", err)
		}
		if i != len(chunks) {
			return nil, nil, fmt.Errorf("%w: session %s is missing chunk %d", models.ErrPersistence, sid, len(chunks))
		}
		v, err := vector.DecodeVector(blob)
		if err != nil {
			return nil, nil, persistenceError("decode embedding", err)
		}
		chunks = append(chunks, text)
		vectors = append(vectors, v)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, persistenceError("iterate chunks", err)
	}
	if len(chunks) != count {
		return nil, nil, fmt.Errorf("%w: session %s has %d chunks, expected %d", models.ErrPersistence, sid, len(chunks), count)
	}
	idx, err := vector.Build(dimensions, vectors)
	if err != nil {
		return nil, nil, persistenceError("rebuild index", err)
	}
	return chunks, idx, nil
}

// Exists reports whether the session has been processed.
func (s *SQLiteStore) Exists(ctx context.Context, sid string) (bool, error) {
	if err := models.ValidateSessionID(sid); err != nil {
		return false, err
	}
	var processed sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT processed_at FROM sessions WHERE id = ?`, sid).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, persistenceError("read session", err)
	}
	return processed.Valid, nil
}

// Delete removes the session's rows from every table.
func (s *SQLiteStore) Delete(ctx context.Context, sid string) error {
	if err := models.ValidateSessionID(sid); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range []string{
		`DELETE FROM session_chunks WHERE session_id = ?`,
		`DELETE FROM session_raw WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, sid); err != nil {
			return persistenceError("delete session", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return persistenceError("commit", err)
	}
	return nil
}

// StoreRaw records the upload and creates the session row if needed.
func (s *SQLiteStore) StoreRaw(ctx context.Context, sid, filename string, data []byte) error {
	if err := models.ValidateSessionID(sid); err != nil {
		return err
	}
	name, err := cleanFilename(filename)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, filename, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET filename = excluded.filename`,
		sid, name, time.Now().UTC(),
	); err != nil {
		return persistenceError("upsert session", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_raw (session_id, filename, data) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET filename = excluded.filename, data = excluded.data`,
		sid, name, data,
	); err != nil {
		return persistenceError("store raw upload", err)
	}
	if err := tx.Commit(); err != nil {
		return persistenceError("commit", err)
	}
	return nil
}

// ReadRaw returns the stored upload.
func (s *SQLiteStore) ReadRaw(ctx context.Context, sid string) (*models.RawDocument, error) {
	if err := models.ValidateSessionID(sid); err != nil {
		return nil, err
	}
	var doc models.RawDocument
	err := s.db.QueryRowContext(ctx,
		`SELECT filename, data FROM session_raw WHERE session_id = ?`, sid,
	).Scan(&doc.Filename, &doc.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no upload for session %s", models.ErrNotFound, sid)
	}
	if err != nil {
		return nil, persistenceError("read raw upload", err)
	}
	return &doc, nil
}

// Info returns the session row.
func (s *SQLiteStore) Info(ctx context.Context, sid string) (*models.Session, error) {
	if err := models.ValidateSessionID(sid); err != nil {
		return nil, err
	}
	info := &models.Session{ID: sid}
	var processed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT filename, created_at, processed_at, dimensions, chunk_count FROM sessions WHERE id = ?`, sid,
	).Scan(&info.Filename, &info.CreatedAt, &processed, &info.Dimensions, &info.Chunks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sid)
	}
	if err != nil {
		return nil, persistenceError("read session", err)
	}
	if processed.Valid {
		t := processed.Time
		info.ProcessedAt = &t
	}
	return info, nil
}

// Usage sums the stored bytes of the session's raw upload, chunk text and embeddings.
func (s *SQLiteStore) Usage(ctx context.Context, sid string) (int64, error) {
	if err := models.ValidateSessionID(sid); err != nil {
		return 0, err
	}
	var raw, chunks sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT SUM(length(data)) FROM session_raw WHERE session_id = ?),
		   (SELECT SUM(length(CAST(content AS BLOB)) + length(embedding)) FROM session_chunks WHERE session_id = ?)`,
		sid, sid,
	).Scan(&raw, &chunks)
	if err != nil {
		return 0, persistenceError("measure session", err)
	}
	return raw.Int64 + chunks.Int64, nil
}

// List returns all session ids.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, persistenceError("list sessions", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistenceError("scan session", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
