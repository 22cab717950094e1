// Package meta is the persistent metadata store: files, nodes, tags, and
// raw links, backed by an embedded SQLite database. It is written only by
// the reconciler, one transaction per file commit, and read at startup to
// rebuild the in-memory graph.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// ErrStore is the sentinel for metadata persistence failures. Callers match
// with errors.Is.
var ErrStore = errors.New("meta: store error")

// FileRecord mirrors one row of the file table.
type FileRecord struct {
	Path        string
	MTime       time.Time
	ContentHash string

	// Warning carries the latest non-fatal parse diagnostic for the file,
	// empty when the last parse was clean.
	Warning string
}

// NodeRecord mirrors one node row plus its tag and link relations.
type NodeRecord struct {
	ID        string
	Title     string
	File      string
	ParentID  string
	ByteStart int
	ByteEnd   int
	BodyHash  string
	Tags      []string

	// Links are the raw outgoing target keys in document order. Targets
	// may be unresolved.
	Links []string
}

// Commit is the full effect of reconciling one file, applied atomically.
type Commit struct {
	File FileRecord

	// DeleteFile removes the file row entirely (the file disappeared from
	// disk). Upserts must be empty in that case.
	DeleteFile bool

	// Removed lists node ids no longer present in the file.
	Removed []string

	// Upserts lists nodes to insert or replace. Unchanged nodes need not
	// appear: only added and updated nodes are rewritten.
	Upserts []NodeRecord
}

const schema = `
CREATE TABLE IF NOT EXISTS file (
	path         TEXT PRIMARY KEY,
	mtime        INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	warning      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS node (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	file       TEXT NOT NULL,
	parent_id  TEXT NOT NULL DEFAULT '',
	byte_start INTEGER NOT NULL,
	byte_end   INTEGER NOT NULL,
	body_hash  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS node_file_idx ON node(file);

CREATE TABLE IF NOT EXISTS node_tag (
	id  TEXT NOT NULL,
	tag TEXT NOT NULL,
	PRIMARY KEY (id, tag)
);

CREATE TABLE IF NOT EXISTS link (
	from_id TEXT NOT NULL,
	to_key  TEXT NOT NULL,
	pos     INTEGER NOT NULL,
	PRIMARY KEY (from_id, to_key)
);
`

// Store wraps the SQLite handle. A single process owns the database file;
// concurrent processes over the same state directory are not supported.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the metadata database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		url.PathEscape(path),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStore, path, err)
	}
	// The reconciler is the only writer; a single connection sidesteps
	// SQLITE_BUSY between the pool's connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: create schema: %v", ErrStore, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetFile looks up one file row.
func (s *Store) GetFile(ctx context.Context, path string) (FileRecord, bool, error) {
	var rec FileRecord
	var mtime int64
	err := s.db.QueryRowContext(ctx,
		`SELECT path, mtime, content_hash, warning FROM file WHERE path = ?`, path,
	).Scan(&rec.Path, &mtime, &rec.ContentHash, &rec.Warning)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, fmt.Errorf("%w: get file: %v", ErrStore, err)
	}
	rec.MTime = time.Unix(0, mtime)
	return rec, true, nil
}

// NodeOwner reports which file currently contributes the node id. Used by
// the reconciler's cross-file duplicate-id policy.
func (s *Store) NodeOwner(ctx context.Context, id string) (string, bool, error) {
	var file string
	err := s.db.QueryRowContext(ctx, `SELECT file FROM node WHERE id = ?`, id).Scan(&file)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: node owner: %v", ErrStore, err)
	}
	return file, true, nil
}

// FileNodes loads the node records contributed by one file, tags and links
// included, ordered by byte_start.
func (s *Store) FileNodes(ctx context.Context, path string) ([]NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, file, parent_id, byte_start, byte_end, body_hash
		 FROM node WHERE file = ? ORDER BY byte_start`, path)
	if err != nil {
		return nil, fmt.Errorf("%w: file nodes: %v", ErrStore, err)
	}
	nodes, err := s.scanNodes(ctx, rows)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// LoadAll loads every file and node record. Used once at startup to rebuild
// the in-memory graph store.
func (s *Store) LoadAll(ctx context.Context) ([]FileRecord, []NodeRecord, error) {
	frows, err := s.db.QueryContext(ctx, `SELECT path, mtime, content_hash, warning FROM file ORDER BY path`)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load files: %v", ErrStore, err)
	}
	var files []FileRecord
	for frows.Next() {
		var rec FileRecord
		var mtime int64
		if err := frows.Scan(&rec.Path, &mtime, &rec.ContentHash, &rec.Warning); err != nil {
			frows.Close() //nolint:errcheck
			return nil, nil, fmt.Errorf("%w: scan file: %v", ErrStore, err)
		}
		rec.MTime = time.Unix(0, mtime)
		files = append(files, rec)
	}
	if err := frows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: load files: %v", ErrStore, err)
	}
	frows.Close() //nolint:errcheck

	nrows, err := s.db.QueryContext(ctx,
		`SELECT id, title, file, parent_id, byte_start, byte_end, body_hash FROM node ORDER BY file, byte_start`)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load nodes: %v", ErrStore, err)
	}
	nodes, err := s.scanNodes(ctx, nrows)
	if err != nil {
		return nil, nil, err
	}
	return files, nodes, nil
}

func (s *Store) scanNodes(ctx context.Context, rows *sql.Rows) ([]NodeRecord, error) {
	defer rows.Close() //nolint:errcheck
	var nodes []NodeRecord
	for rows.Next() {
		var n NodeRecord
		if err := rows.Scan(&n.ID, &n.Title, &n.File, &n.ParentID, &n.ByteStart, &n.ByteEnd, &n.BodyHash); err != nil {
			return nil, fmt.Errorf("%w: scan node: %v", ErrStore, err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan nodes: %v", ErrStore, err)
	}
	rows.Close() //nolint:errcheck

	for i := range nodes {
		tags, err := s.nodeTags(ctx, nodes[i].ID)
		if err != nil {
			return nil, err
		}
		links, err := s.nodeLinks(ctx, nodes[i].ID)
		if err != nil {
			return nil, err
		}
		nodes[i].Tags = tags
		nodes[i].Links = links
	}
	return nodes, nil
}

func (s *Store) nodeTags(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM node_tag WHERE id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: node tags: %v", ErrStore, err)
	}
	defer rows.Close() //nolint:errcheck
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("%w: scan tag: %v", ErrStore, err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *Store) nodeLinks(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT to_key FROM link WHERE from_id = ? ORDER BY pos`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: node links: %v", ErrStore, err)
	}
	defer rows.Close() //nolint:errcheck
	var links []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("%w: scan link: %v", ErrStore, err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ApplyCommit applies one file's reconciliation inside a single transaction.
// On error the transaction is rolled back and nothing is visible.
func (s *Store) ApplyCommit(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStore, err)
	}
	if err := applyCommitTx(ctx, tx, c); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStore, err)
	}
	return nil
}

func applyCommitTx(ctx context.Context, tx *sql.Tx, c Commit) error {
	for _, id := range c.Removed {
		if err := deleteNode(ctx, tx, id); err != nil {
			return err
		}
	}

	if c.DeleteFile {
		// Removed normally lists every node of the file; sweep stragglers
		// anyway so a file row never outlives its nodes.
		for _, q := range []string{
			`DELETE FROM node_tag WHERE id IN (SELECT id FROM node WHERE file = ?)`,
			`DELETE FROM link WHERE from_id IN (SELECT id FROM node WHERE file = ?)`,
			`DELETE FROM node WHERE file = ?`,
			`DELETE FROM file WHERE path = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, c.File.Path); err != nil {
				return fmt.Errorf("%w: delete file: %v", ErrStore, err)
			}
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO file (path, mtime, content_hash, warning) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET mtime=excluded.mtime,
			content_hash=excluded.content_hash, warning=excluded.warning`,
		c.File.Path, c.File.MTime.UnixNano(), c.File.ContentHash, c.File.Warning,
	); err != nil {
		return fmt.Errorf("%w: upsert file: %v", ErrStore, err)
	}

	for _, n := range c.Upserts {
		if err := deleteNode(ctx, tx, n.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node (id, title, file, parent_id, byte_start, byte_end, body_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.Title, n.File, n.ParentID, n.ByteStart, n.ByteEnd, n.BodyHash,
		); err != nil {
			return fmt.Errorf("%w: insert node %s: %v", ErrStore, n.ID, err)
		}
		for _, t := range n.Tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO node_tag (id, tag) VALUES (?, ?)`, n.ID, t); err != nil {
				return fmt.Errorf("%w: insert tag: %v", ErrStore, err)
			}
		}
		for i, l := range n.Links {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO link (from_id, to_key, pos) VALUES (?, ?, ?)`, n.ID, l, i); err != nil {
				return fmt.Errorf("%w: insert link: %v", ErrStore, err)
			}
		}
	}
	return nil
}

func deleteNode(ctx context.Context, tx *sql.Tx, id string) error {
	for _, q := range []string{
		`DELETE FROM node_tag WHERE id = ?`,
		`DELETE FROM link WHERE from_id = ?`,
		`DELETE FROM node WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("%w: delete node %s: %v", ErrStore, id, err)
		}
	}
	return nil
}
