package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TryExceptElse/zen/internal/fingerprint"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "zen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := Record{
		Fingerprint:  fingerprint.Of([]byte("canonical")),
		Raw:          fingerprint.Of([]byte("raw")),
		Residual:     fingerprint.Of([]byte("residual")),
		UseEdges:     []string{"a()", "b()", "ns::C"},
		NeedsRebuild: true,
	}
	s.Put(KindTU, "src/main.cc", rec)
	s.Put(KindUnit, "ns::C", Record{Fingerprint: fingerprint.Of([]byte("unit"))})
	require.NoError(t, s.Commit())

	got, ok, err := s.Get(KindTU, "src/main.cc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	_, ok, err = s.Get(KindTU, "src/other.cc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitUpserts(t *testing.T) {
	s := newTestStore(t)

	s.Put(KindHeader, "a.h", Record{Fingerprint: fingerprint.Of([]byte("v1"))})
	require.NoError(t, s.Commit())

	s.Put(KindHeader, "a.h", Record{Fingerprint: fingerprint.Of([]byte("v2"))})
	s.Put(KindHeader, "b.h", Record{Fingerprint: fingerprint.Of([]byte("v3"))})
	require.NoError(t, s.Commit())

	got, ok, err := s.Get(KindHeader, "a.h")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fingerprint.Of([]byte("v2")), got.Fingerprint)
	_, ok, err = s.Get(KindHeader, "b.h")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCorruptRecord(t *testing.T) {
	s := newTestStore(t)

	_, err := s.db.Exec(
		`INSERT INTO entities (kind, key, fingerprint, raw_fingerprint, residual_fingerprint, use_edges, needs_rebuild)
		 VALUES ('tu', 'bad.cc', 'not-hex', '', '', NULL, 0)`)
	require.NoError(t, err)

	_, _, err = s.Get(KindTU, "bad.cc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSchemaVersionMismatchResets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zen.db")

	s, err := Open(path)
	require.NoError(t, err)
	s.Put(KindTU, "main.cc", Record{Fingerprint: fingerprint.Of([]byte("x"))})
	require.NoError(t, s.Commit())
	_, err = s.db.Exec("UPDATE meta SET value = '0' WHERE key = 'schema_version'")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, ok, err := s.Get(KindTU, "main.cc")
	require.NoError(t, err)
	assert.False(t, ok, "outdated snapshots are discarded, not migrated")
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	s.Put(KindUnit, "f()", Record{Fingerprint: fingerprint.Of([]byte("f"))})

	_, ok, err := s.Get(KindUnit, "f()")
	require.NoError(t, err)
	assert.False(t, ok, "staged records are invisible before Commit")

	require.NoError(t, s.Commit())
	_, ok, err = s.Get(KindUnit, "f()")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Len())
}
