package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weir-run/weir/internal/models"
	"github.com/weir-run/weir/internal/store"
)

func openStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.New("badger", "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func workerSnap(worker int, epoch models.Epoch) *store.Snapshot {
	return &store.Snapshot{
		Worker:    worker,
		Epoch:     epoch,
		Entries:   []store.StateEntry{{OperatorID: "count", Key: "k", Blob: []byte{byte(worker)}}},
		Positions: []store.SourcePosition{{SourceID: "in", Pos: []byte{0, 0, 0, 0, 0, 0, 0, byte(epoch)}}},
	}
}

func TestNextTarget(t *testing.T) {
	m := NewManager(openStore(t), 1, 5)
	assert.Equal(t, models.Epoch(5), m.NextTarget(0))
	assert.Equal(t, models.Epoch(5), m.NextTarget(4))
	assert.Equal(t, models.Epoch(10), m.NextTarget(5))
	assert.Equal(t, models.Epoch(15), m.NextTarget(12))
}

func TestInterval_Resolve(t *testing.T) {
	assert.Equal(t, uint64(7), Interval{Epochs: 7}.Resolve(0))
	assert.Equal(t, uint64(10), Interval{Every: 10e9}.Resolve(1e9))
	assert.Equal(t, uint64(1), Interval{Every: 10e9}.Resolve(0), "no pacing degrades to one epoch")
	assert.Equal(t, uint64(1), Interval{}.Resolve(0))
}

func TestTryCommit_GatedOnAllWorkers(t *testing.T) {
	st := openStore(t)
	m := NewManager(st, 2, 5)

	require.NoError(t, m.WriteWorker(workerSnap(0, 5)))
	ok, err := m.TryCommit(5)
	require.NoError(t, err)
	assert.False(t, ok, "one of two workers present")
	_, err = st.Marker()
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, m.WriteWorker(workerSnap(1, 5)))
	ok, err = m.TryCommit(5)
	require.NoError(t, err)
	assert.True(t, ok)

	marker, err := st.Marker()
	require.NoError(t, err)
	assert.Equal(t, models.Epoch(5), marker.Epoch)
	assert.Equal(t, 2, marker.Workers)

	// redundant attempts are harmless
	ok, err = m.TryCommit(5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecover_FreshStart(t *testing.T) {
	m := NewManager(openStore(t), 3, 5)
	resume, err := m.Recover()
	require.NoError(t, err)
	assert.Nil(t, resume)
}

func TestRecover_WorkerCountChanged(t *testing.T) {
	st := openStore(t)
	m := NewManager(st, 2, 5)
	require.NoError(t, m.WriteWorker(workerSnap(0, 5)))
	require.NoError(t, m.WriteWorker(workerSnap(1, 5)))
	ok, err := m.TryCommit(5)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = NewManager(st, 3, 5).Recover()
	assert.ErrorIs(t, err, ErrWorkerCountChanged)
}

// Three workers checkpointing every 5 epochs: all of them wrote epoch 10
// and it committed, then only one reached epoch 15 before the crash.
// Recovery must land on 10 and ignore the tentative 15.
func TestRecover_TentativeSnapshotIgnored(t *testing.T) {
	st := openStore(t)
	m := NewManager(st, 3, 5)

	for w := 0; w < 3; w++ {
		require.NoError(t, m.WriteWorker(workerSnap(w, 10)))
	}
	ok, err := m.TryCommit(10)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.WriteWorker(workerSnap(0, 15)))
	ok, err = m.TryCommit(15)
	require.NoError(t, err)
	require.False(t, ok)

	resume, err := NewManager(st, 3, 5).Recover()
	require.NoError(t, err)
	require.NotNil(t, resume)
	assert.Equal(t, models.Epoch(10), resume.Epoch)
	require.Len(t, resume.ByWorker, 3)
	for w := 0; w < 3; w++ {
		require.NotNil(t, resume.ByWorker[w])
		assert.Equal(t, models.Epoch(10), resume.ByWorker[w].Epoch)
		assert.Equal(t, []byte{byte(w)}, resume.ByWorker[w].Entries[0].Blob)
	}
}

func TestRecover_MissingWorkerSnapshotIsFatal(t *testing.T) {
	st := openStore(t)
	m := NewManager(st, 2, 5)
	require.NoError(t, m.WriteWorker(workerSnap(0, 5)))
	// marker forced without worker 1's snapshot, as if the store were
	// tampered with
	require.NoError(t, st.AdvanceMarker(store.Marker{Epoch: 5, Workers: 2, RunID: "x"}))

	_, err := m.Recover()
	assert.ErrorIs(t, err, store.ErrNotFound)
}
