// Package snapshot coordinates barrier-aligned checkpoints and recovery.
//
// The protocol has two phases. Phase one: when a worker's frontier passes a
// target epoch T, it writes its (worker, T) snapshot as one durable
// transaction. Phase two: whichever worker discovers that all snapshots for
// T are present advances the global marker to T. The marker update is
// idempotent and monotone, so any number of workers may attempt it
// concurrently; the store is the single arbiter and no inter-worker
// agreement is needed.
package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/weir-run/weir/internal/logger"
	"github.com/weir-run/weir/internal/models"
	"github.com/weir-run/weir/internal/store"
)

// ErrWorkerCountChanged is returned by Recover when the configured worker
// count differs from the one recorded in the checkpoint marker.
// Repartitioning persisted state is unsupported; restart with the original
// worker count.
var ErrWorkerCountChanged = errors.New("snapshot: worker count changed since last checkpoint")

// Interval selects how often checkpoints are taken: every Epochs epochs, or
// every Every of wall time (resolved against the epoch pacing duration).
type Interval struct {
	Epochs uint64
	Every  time.Duration
}

// Resolve reduces the interval to a whole number of epochs. A wall-clock
// interval divides by the epoch pacing duration; with no pacing configured
// it degrades to one epoch.
func (i Interval) Resolve(epochPace time.Duration) uint64 {
	if i.Epochs > 0 {
		return i.Epochs
	}
	if i.Every > 0 && epochPace > 0 {
		if n := uint64(i.Every / epochPace); n > 0 {
			return n
		}
	}
	return 1
}

// Resume is the recovery result: the committed epoch and each worker's
// snapshot at it.
type Resume struct {
	Epoch    models.Epoch
	ByWorker map[int]*store.Snapshot
}

// Manager drives the checkpoint protocol against one durable store. It is
// shared by every worker of an engine; all methods are safe for concurrent
// use because the store serializes them.
type Manager struct {
	store   store.Store
	workers int
	every   uint64
	runID   string
	log     zerolog.Logger
}

// NewManager returns a manager checkpointing every `every` epochs.
func NewManager(st store.Store, workers int, every uint64) *Manager {
	if every == 0 {
		every = 1
	}
	return &Manager{
		store:   st,
		workers: workers,
		every:   every,
		runID:   uuid.NewString(),
		log:     logger.GetLogger("snapshot"),
	}
}

// NextTarget returns the first snapshot epoch strictly above `after`.
// Targets sit at multiples of the interval.
func (m *Manager) NextTarget(after models.Epoch) models.Epoch {
	n := uint64(after)/m.every + 1
	return models.Epoch(n * m.every)
}

// WriteWorker persists one worker's phase-one snapshot. Failure leaves the
// previous marker intact; the caller retries and must not advance its
// frontier past the target until the write lands.
func (m *Manager) WriteWorker(snap *store.Snapshot) error {
	if err := m.store.WriteSnapshot(snap); err != nil {
		return fmt.Errorf("snapshot: phase one (worker %d, epoch %d): %w", snap.Worker, snap.Epoch, err)
	}
	return nil
}

// TryCommit runs phase two for epoch e: if every worker's snapshot is
// present, the marker advances. Reports whether the marker is now at or
// beyond e.
func (m *Manager) TryCommit(e models.Epoch) (bool, error) {
	present, err := m.store.SnapshotWorkers(e)
	if err != nil {
		return false, fmt.Errorf("snapshot: phase two scan: %w", err)
	}
	if len(present) < m.workers {
		return false, nil
	}
	marker := store.Marker{Epoch: e, Workers: m.workers, RunID: m.runID}
	if err := m.store.AdvanceMarker(marker); err != nil {
		return false, fmt.Errorf("snapshot: advance marker to %d: %w", e, err)
	}
	m.log.Info().Uint64("epoch", uint64(e)).Msg("checkpoint committed")
	return true, nil
}

// Recover reads the committed marker and loads every worker's snapshot at
// it. A missing marker means a fresh start and returns (nil, nil). A
// marker recorded under a different worker count, a missing per-worker
// snapshot, or a corrupt row are all fatal: the caller must not start with
// partial state.
func (m *Manager) Recover() (*Resume, error) {
	marker, err := m.store.Marker()
	if errors.Is(err, store.ErrNotFound) {
		m.log.Info().Msg("no checkpoint marker, starting fresh")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read marker: %w", err)
	}
	if marker.Workers != m.workers {
		return nil, fmt.Errorf("%w: checkpoint has %d workers, configured %d",
			ErrWorkerCountChanged, marker.Workers, m.workers)
	}

	resume := &Resume{
		Epoch:    marker.Epoch,
		ByWorker: make(map[int]*store.Snapshot, m.workers),
	}
	for w := 0; w < m.workers; w++ {
		snap, err := m.store.LoadSnapshot(w, marker.Epoch)
		if err != nil {
			return nil, fmt.Errorf("snapshot: load (worker %d, epoch %d): %w", w, marker.Epoch, err)
		}
		resume.ByWorker[w] = snap
	}
	m.log.Info().Uint64("epoch", uint64(marker.Epoch)).Str("run_id", marker.RunID).
		Msg("recovered from checkpoint")
	return resume, nil
}
