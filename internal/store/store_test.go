package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weir-run/weir/internal/models"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	out := make(map[string]Store)
	for _, backend := range []string{"badger", "bolt"} {
		st, err := New(backend, t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		out[backend] = st
	}
	return out
}

func sampleSnapshot(worker int, epoch models.Epoch) *Snapshot {
	return &Snapshot{
		Worker: worker,
		Epoch:  epoch,
		Entries: []StateEntry{
			{OperatorID: "count", Key: "user-1", Blob: []byte("41")},
			{OperatorID: "count", Key: "user-2", Blob: []byte("7")},
			{OperatorID: "window", Key: "0000000000000001|user-1", Blob: []byte("sum")},
		},
		Positions: []SourcePosition{
			{SourceID: "kafka-in", Pos: []byte{0, 0, 0, 0, 0, 0, 0, 42}},
		},
	}
}

func TestStore_SnapshotRoundtrip(t *testing.T) {
	for backend, st := range openBackends(t) {
		t.Run(backend, func(t *testing.T) {
			want := sampleSnapshot(1, 5)
			require.NoError(t, st.WriteSnapshot(want))

			got, err := st.LoadSnapshot(1, 5)
			require.NoError(t, err)
			assert.Equal(t, 1, got.Worker)
			assert.Equal(t, models.Epoch(5), got.Epoch)
			assert.ElementsMatch(t, want.Entries, got.Entries)
			assert.ElementsMatch(t, want.Positions, got.Positions)
		})
	}
}

func TestStore_LoadMissingSnapshot(t *testing.T) {
	for backend, st := range openBackends(t) {
		t.Run(backend, func(t *testing.T) {
			_, err := st.LoadSnapshot(0, 99)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_SnapshotsAreIsolatedByWorkerAndEpoch(t *testing.T) {
	for backend, st := range openBackends(t) {
		t.Run(backend, func(t *testing.T) {
			require.NoError(t, st.WriteSnapshot(sampleSnapshot(0, 5)))
			require.NoError(t, st.WriteSnapshot(&Snapshot{Worker: 1, Epoch: 5}))
			require.NoError(t, st.WriteSnapshot(sampleSnapshot(0, 10)))

			got, err := st.LoadSnapshot(1, 5)
			require.NoError(t, err)
			assert.Empty(t, got.Entries)
			assert.Empty(t, got.Positions)

			_, err = st.LoadSnapshot(1, 10)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_SnapshotWorkers(t *testing.T) {
	for backend, st := range openBackends(t) {
		t.Run(backend, func(t *testing.T) {
			require.NoError(t, st.WriteSnapshot(sampleSnapshot(0, 5)))
			require.NoError(t, st.WriteSnapshot(sampleSnapshot(2, 5)))
			require.NoError(t, st.WriteSnapshot(sampleSnapshot(1, 10)))

			workers, err := st.SnapshotWorkers(5)
			require.NoError(t, err)
			assert.ElementsMatch(t, []int{0, 2}, workers)

			workers, err = st.SnapshotWorkers(7)
			require.NoError(t, err)
			assert.Empty(t, workers)
		})
	}
}

func TestStore_MarkerNeverRegresses(t *testing.T) {
	for backend, st := range openBackends(t) {
		t.Run(backend, func(t *testing.T) {
			_, err := st.Marker()
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.AdvanceMarker(Marker{Epoch: 10, Workers: 3, RunID: "a"}))
			m, err := st.Marker()
			require.NoError(t, err)
			assert.Equal(t, models.Epoch(10), m.Epoch)
			assert.Equal(t, 3, m.Workers)

			// advancing to the same or a lower epoch is a no-op
			require.NoError(t, st.AdvanceMarker(Marker{Epoch: 5, Workers: 3, RunID: "b"}))
			require.NoError(t, st.AdvanceMarker(Marker{Epoch: 10, Workers: 3, RunID: "b"}))
			m, err = st.Marker()
			require.NoError(t, err)
			assert.Equal(t, models.Epoch(10), m.Epoch)
			assert.Equal(t, "a", m.RunID)

			require.NoError(t, st.AdvanceMarker(Marker{Epoch: 15, Workers: 3, RunID: "a"}))
			m, err = st.Marker()
			require.NoError(t, err)
			assert.Equal(t, models.Epoch(15), m.Epoch)
		})
	}
}

func TestStore_UnsupportedBackend(t *testing.T) {
	_, err := New("etcd", t.TempDir())
	assert.Error(t, err)
}

func TestSealBlob_DetectsCorruption(t *testing.T) {
	sealed := sealBlob([]byte("state"))
	got, err := unsealBlob(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), got)

	sealed[len(sealed)-1] ^= 0xff
	_, err = unsealBlob(sealed)
	assert.ErrorIs(t, err, ErrCorruptState)

	_, err = unsealBlob([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestStateKey_Roundtrip(t *testing.T) {
	k := stateKey(2, 7, "count", "user|with|pipes")
	prefix := snapPrefix(prefixState, 2, 7)
	opID, key, err := splitStateKey(k[len(prefix):])
	require.NoError(t, err)
	assert.Equal(t, "count", opID)
	assert.Equal(t, "user|with|pipes", key)
}
