// Package store persists checkpoints. The schema is three logical tables:
// state rows keyed (worker, epoch, operator, partition key), source resume
// positions keyed (worker, epoch, source), and a single checkpoint marker
// row naming the last fully committed epoch. A worker only ever touches its
// own (worker, *) rows; the marker is the one shared cell, and its update
// is a storage-level transaction that only ever advances.
package store

import (
	"errors"
	"fmt"

	"github.com/weir-run/weir/internal/models"
)

var (
	// ErrNotFound is returned when the requested snapshot or marker does
	// not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrCorruptState is returned when a state row fails its integrity
	// check. It is fatal; corruption must never be masked by a zeroed
	// state.
	ErrCorruptState = errors.New("store: corrupt state blob")
	// ErrCorruptMarker is returned when the checkpoint marker cannot be
	// decoded. Recovery must fail rather than guess.
	ErrCorruptMarker = errors.New("store: corrupt checkpoint marker")
)

// StateEntry is one operator partition's serialized state cell.
type StateEntry struct {
	OperatorID string
	Key        string
	Blob       []byte
}

// SourcePosition is one source's resume token as of a snapshot epoch.
type SourcePosition struct {
	SourceID string
	Pos      []byte
}

// Snapshot is everything one worker persists for one epoch. It is written
// atomically: either all rows plus the completion record land, or nothing.
type Snapshot struct {
	Worker    int
	Epoch     models.Epoch
	Entries   []StateEntry
	Positions []SourcePosition
}

// Marker is the single durable commit point read at restart.
type Marker struct {
	Epoch   models.Epoch `json:"epoch"`
	Workers int          `json:"workers"`
	RunID   string       `json:"run_id"`
}

// Store is the durable backend contract. Implementations must make
// WriteSnapshot atomic per (worker, epoch) and AdvanceMarker monotone.
type Store interface {
	WriteSnapshot(snap *Snapshot) error
	// LoadSnapshot returns ErrNotFound when no complete snapshot exists
	// for (worker, epoch) and ErrCorruptState when rows fail validation.
	LoadSnapshot(worker int, epoch models.Epoch) (*Snapshot, error)
	// SnapshotWorkers lists the workers with a complete snapshot at epoch.
	SnapshotWorkers(epoch models.Epoch) ([]int, error)
	// AdvanceMarker commits m unless a marker at the same or a later epoch
	// already exists, in which case it is a no-op. Redundant concurrent
	// attempts are therefore harmless.
	AdvanceMarker(m Marker) error
	// Marker returns ErrNotFound when no checkpoint was ever committed.
	Marker() (Marker, error)
	Close() error
}

// New opens a store of the given backend at dir.
func New(backend, dir string) (Store, error) {
	switch backend {
	case "badger", "":
		return OpenBadger(dir)
	case "bolt":
		return OpenBolt(dir)
	default:
		return nil, fmt.Errorf("store: unsupported backend %q", backend)
	}
}
