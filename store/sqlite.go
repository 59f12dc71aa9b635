package store

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TryExceptElse/zen/internal/fingerprint"
)

// schemaVersion is bumped whenever the record layout changes. A mismatched
// database is wiped rather than migrated; the cost is one full rebuild.
const schemaVersion = "1"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS meta (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
  kind                 TEXT NOT NULL,
  key                  TEXT NOT NULL,
  fingerprint          TEXT NOT NULL,
  raw_fingerprint      TEXT NOT NULL,
  residual_fingerprint TEXT NOT NULL,
  use_edges            BLOB,
  needs_rebuild        BOOLEAN NOT NULL DEFAULT FALSE,
  PRIMARY KEY (kind, key)
);

CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
`

// SQLiteStore persists records in a single SQLite database with WAL mode
// enabled, committing snapshots in one transaction.
type SQLiteStore struct {
	db      *sql.DB
	pending map[stagedKey]Record
}

// Open opens (or creates) the database at dbPath. An unreadable database or
// schema-version mismatch is not fatal: the store is reset to empty, which
// degrades the next analysis to everything-changed.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLiteStore{db: db, pending: make(map[stagedKey]Record)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	var version string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion)
		if err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != schemaVersion:
		if _, err := s.db.Exec("DELETE FROM entities"); err != nil {
			return fmt.Errorf("reset outdated store: %w", err)
		}
		if _, err := s.db.Exec("UPDATE meta SET value = ? WHERE key = 'schema_version'", schemaVersion); err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(kind Kind, key string) (Record, bool, error) {
	var (
		fp, raw, residual string
		edgesBlob         []byte
		needsRebuild      bool
	)
	err := s.db.QueryRow(
		`SELECT fingerprint, raw_fingerprint, residual_fingerprint, use_edges, needs_rebuild
		 FROM entities WHERE kind = ? AND key = ?`,
		string(kind), key,
	).Scan(&fp, &raw, &residual, &edgesBlob, &needsRebuild)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get %s %q: %w", kind, key, err)
	}
	rec, err := decodeRecord(fp, raw, residual, edgesBlob, needsRebuild)
	if err != nil {
		return Record{}, false, fmt.Errorf("get %s %q: %w: %v", kind, key, ErrCorrupt, err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) Put(kind Kind, key string, rec Record) {
	s.pending[stagedKey{kind: kind, key: key}] = rec
}

// Commit upserts the staged records in one transaction. WAL mode keeps the
// swap atomic for concurrent readers.
func (s *SQLiteStore) Commit() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO entities (kind, key, fingerprint, raw_fingerprint, residual_fingerprint, use_edges, needs_rebuild)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for sk, rec := range s.pending {
		edges, err := encodeEdges(rec.UseEdges)
		if err != nil {
			return fmt.Errorf("encode edges for %s %q: %w", sk.kind, sk.key, err)
		}
		_, err = stmt.Exec(
			string(sk.kind), sk.key,
			rec.Fingerprint.Hex(), rec.Raw.Hex(), rec.Residual.Hex(),
			edges, rec.NeedsRebuild,
		)
		if err != nil {
			return fmt.Errorf("insert %s %q: %w", sk.kind, sk.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	s.pending = make(map[stagedKey]Record)
	return nil
}

func decodeRecord(fp, raw, residual string, edgesBlob []byte, needsRebuild bool) (Record, error) {
	var (
		rec Record
		err error
	)
	if rec.Fingerprint, err = fingerprint.FromHex(fp); err != nil {
		return Record{}, err
	}
	if rec.Raw, err = fingerprint.FromHex(raw); err != nil {
		return Record{}, err
	}
	if rec.Residual, err = fingerprint.FromHex(residual); err != nil {
		return Record{}, err
	}
	if rec.UseEdges, err = decodeEdges(edgesBlob); err != nil {
		return Record{}, err
	}
	rec.NeedsRebuild = needsRebuild
	return rec, nil
}

func encodeEdges(edges []string) ([]byte, error) {
	if len(edges) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(edges); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEdges(blob []byte) ([]string, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var edges []string
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&edges); err != nil {
		return nil, err
	}
	return edges, nil
}
