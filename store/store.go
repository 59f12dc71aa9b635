// Package store persists entity fingerprints between analysis runs. The
// engine reads the previous run's records, computes new ones against the
// current sources, and commits the full new snapshot in one atomic step, so
// an interrupted run can never leave a half-updated state behind.
package store

import (
	"errors"

	"github.com/TryExceptElse/zen/internal/fingerprint"
)

// Kind partitions the record keyspace by entity type.
type Kind string

const (
	// KindTU records translation units, keyed by project-relative path.
	KindTU Kind = "tu"
	// KindHeader records headers, keyed by project-relative path.
	KindHeader Kind = "header"
	// KindUnit records declaration units, keyed by identity key.
	KindUnit Kind = "unit"
)

// Record is the persisted state of one entity.
type Record struct {
	// Fingerprint is the canonical (comment/whitespace-invariant) content
	// fingerprint. For unit records it covers the unit's own tokens.
	Fingerprint fingerprint.Fingerprint
	// Raw fingerprints the unprocessed bytes; disabled-level regions
	// compare this instead of the canonical value.
	Raw fingerprint.Fingerprint
	// Residual fingerprints file content owned by no declaration unit.
	// Meaningful for tu and header records only.
	Residual fingerprint.Fingerprint
	// UseEdges lists the unit identity keys a translation unit depends on,
	// per the last deep-mode analysis. Meaningful for tu records only.
	UseEdges []string
	// NeedsRebuild carries a sticky dirty verdict forward so that a crash
	// between analysis and the actual rebuild cannot lose the signal.
	NeedsRebuild bool
}

// ErrCorrupt reports that persisted state cannot be decoded. Callers treat
// it as "no previous state": every entity reports changed and a fresh
// snapshot replaces the bad one on commit.
var ErrCorrupt = errors.New("store: corrupt record")

// Store is the persistence boundary. Put stages records in memory; Commit
// upserts every staged record in one atomic transaction. Records for
// entities that no longer exist are left behind; they are never consulted
// again, since comparisons only read keys present in the current snapshot.
// Implementations are not safe for concurrent use; the engine confines
// store access to its single-threaded merge phase.
type Store interface {
	// Get returns the record for (kind, key). The second result is false
	// when no record exists. A failed decode returns an error wrapping
	// ErrCorrupt.
	Get(kind Kind, key string) (Record, bool, error)
	// Put stages a record for the next Commit.
	Put(kind Kind, key string, rec Record)
	// Commit atomically applies every record staged since the last Commit.
	// On error the previous state is left intact.
	Commit() error
	Close() error
}

type stagedKey struct {
	kind Kind
	key  string
}
