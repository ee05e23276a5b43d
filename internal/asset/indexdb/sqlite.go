// Package indexdb keeps a sqlite index of the blobs in a save
// directory. The index is advisory: the .rog and .rvox files remain
// the source of truth, and a stale index only slows down admin
// queries.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type BlobKind string

const (
	KindRegion BlobKind = "region"
	KindChunk  BlobKind = "chunk"
)

type Index struct {
	db *sql.DB

	ch   chan blobRow
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type blobRow struct {
	Key     string
	Kind    BlobKind
	Path    string
	Bytes   int64
	SavedAt string
}

func Open(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Index{
		db: db,
		// Saves arrive in io batches; the buffer absorbs a burst of
		// chunk writes without stalling the tick loop.
		ch: make(chan blobRow, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			saved_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_blobs_kind ON blobs(kind);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Index) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Index) record(key string, kind BlobKind, path string, bytes int64) {
	if s == nil || s.closed.Load() {
		return
	}
	row := blobRow{
		Key:     key,
		Kind:    kind,
		Path:    path,
		Bytes:   bytes,
		SavedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- row:
	default:
		// Drop if the indexer falls behind; the blob files remain the
		// source of truth.
	}
}

// RecordChunk notes a saved chunk model blob.
func (s *Index) RecordChunk(id uuid.UUID, path string, bytes int64) {
	s.record(id.String(), KindChunk, path, bytes)
}

// RecordRegion notes a saved region tree blob, keyed by file name.
func (s *Index) RecordRegion(path string, bytes int64) {
	s.record(filepath.Base(path), KindRegion, path, bytes)
}

// BlobEntry is a row from the blobs table.
type BlobEntry struct {
	Key     string
	Kind    BlobKind
	Path    string
	Bytes   int64
	SavedAt string
}

// LookupChunk returns the indexed path of a chunk blob.
func (s *Index) LookupChunk(id uuid.UUID) (string, bool, error) {
	var path string
	err := s.db.QueryRow(`SELECT path FROM blobs WHERE key=? AND kind=?`, id.String(), KindChunk).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

// List returns all indexed blobs of a kind, newest first.
func (s *Index) List(kind BlobKind) ([]BlobEntry, error) {
	rows, err := s.db.Query(`SELECT key,kind,path,bytes,saved_at FROM blobs WHERE kind=? ORDER BY saved_at DESC`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BlobEntry
	for rows.Next() {
		var e BlobEntry
		if err := rows.Scan(&e.Key, &e.Kind, &e.Path, &e.Bytes, &e.SavedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats returns per-kind blob counts and total bytes.
func (s *Index) Stats() (map[BlobKind]int64, map[BlobKind]int64, error) {
	rows, err := s.db.Query(`SELECT kind, COUNT(*), SUM(bytes) FROM blobs GROUP BY kind`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	counts := map[BlobKind]int64{}
	bytes := map[BlobKind]int64{}
	for rows.Next() {
		var kind BlobKind
		var n, b int64
		if err := rows.Scan(&kind, &n, &b); err != nil {
			return nil, nil, err
		}
		counts[kind] = n
		bytes[kind] = b
	}
	return counts, bytes, rows.Err()
}

func (s *Index) loop() {
	ctx := context.Background()

	insert, _ := s.db.Prepare(`INSERT OR REPLACE INTO blobs(key,kind,path,bytes,saved_at) VALUES(?,?,?,?,?)`)
	defer func() {
		if insert != nil {
			_ = insert.Close()
		}
	}()

	const (
		flushEvery   = 256
		flushMaxWait = 500 * time.Millisecond
	)

	// Rows are staged here and written in one short transaction per
	// flush. The pool has a single connection, so an open transaction
	// blocks every reader; holding one across an idle channel wait would
	// starve LookupChunk and the admin queries.
	pending := make([]blobRow, 0, flushEvery)
	flush := func() {
		if len(pending) == 0 || insert == nil {
			return
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return
		}
		stmt := tx.Stmt(insert)
		for _, r := range pending {
			if _, err := stmt.Exec(r.Key, string(r.Kind), r.Path, r.Bytes, r.SavedAt); err != nil {
				_ = tx.Rollback()
				pending = pending[:0]
				return
			}
		}
		if err := tx.Commit(); err == nil {
			pending = pending[:0]
		}
	}

	ticker := time.NewTicker(flushMaxWait)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			pending = append(pending, r)
			if len(pending) >= flushEvery {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
