package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weir-run/weir/internal/connector"
	"github.com/weir-run/weir/internal/fabric"
	"github.com/weir-run/weir/internal/graph"
	"github.com/weir-run/weir/internal/metrics"
	"github.com/weir-run/weir/internal/models"
	"github.com/weir-run/weir/internal/snapshot"
	"github.com/weir-run/weir/internal/stage"
	"github.com/weir-run/weir/internal/store"
)

// newTestWorker wires a single worker over a two-node graph (source 0 into
// sink 1) with a capacity-1 channel, so tests can drive the internals of
// one cycle directly.
func newTestWorker(t *testing.T) (*Worker, *connector.MemorySink, *fabric.Mesh) {
	t.Helper()
	ops := []graph.OpSpec{
		{ID: "src", Kind: graph.KindSource},
		{ID: "snk", Kind: graph.KindSink},
	}
	edges := []graph.EdgeSpec{{From: "src", To: "snk", Buffer: 1}}
	g, err := graph.Compile(ops, edges)
	require.NoError(t, err)

	st, err := store.New("badger", "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mesh := fabric.NewMesh(g, 1, 1)
	snk := &connector.MemorySink{}
	stages := map[int]*stage.Stage{
		0: stage.NewSource(0, "src", 0, connector.NewMemorySource(nil)),
		1: stage.NewSink(1, "snk", 0, snk),
	}
	w := New(Config{Index: 0, Workers: 1}, g, mesh, snapshot.NewManager(st, 1, 5), metrics.New(), stages, nil)
	return w, snk, mesh
}

func msg(epoch models.Epoch, seq uint64, data string) fabric.Message {
	return fabric.Message{Edge: 0, From: 0, Epoch: epoch, Seq: seq, Rec: models.Record{Key: "k", Data: []byte(data)}}
}

func TestFlushDeferredKeepsChannelFIFO(t *testing.T) {
	w, _, mesh := newTestWorker(t)
	ch := mesh.Channel(0, 0, 0)
	require.NotNil(t, ch)

	ok, err := ch.TrySend(msg(0, 0, "0"))
	require.NoError(t, err)
	require.True(t, ok)

	w.tracker.Incr(0, 1, 1)
	w.tracker.Incr(0, 2, 1)
	w.deferred = []deferredSend{
		{node: 0, to: 0, msg: msg(1, 1, "1")},
		{node: 0, to: 0, msg: msg(2, 2, "2")},
	}
	w.deferredByNode[0] = 2
	w.deferredByChan[outKey{0, 0}] = 2

	// buffer full: nothing moves
	w.flushDeferred()
	assert.Len(t, w.deferred, 2)

	// one slot frees; only the older deferred message may take it
	got, ok := ch.Recv()
	require.True(t, ok)
	assert.Equal(t, "0", string(got.Rec.Data))
	w.flushDeferred()
	require.Len(t, w.deferred, 1)
	assert.Equal(t, "2", string(w.deferred[0].msg.Rec.Data))
	assert.Equal(t, 1, w.deferredByChan[outKey{0, 0}])

	got, ok = ch.Recv()
	require.True(t, ok)
	assert.Equal(t, "1", string(got.Rec.Data))
	w.flushDeferred()
	assert.Empty(t, w.deferred)
	assert.Equal(t, 0, w.deferredByNode[0])

	got, ok = ch.Recv()
	require.True(t, ok)
	assert.Equal(t, "2", string(got.Rec.Data))
}

func TestProcessStashHonorsBarrier(t *testing.T) {
	w, snk, _ := newTestWorker(t)
	w.snapTarget = 10
	w.tracker.Incr(1, 8, 1)
	w.tracker.Incr(1, 12, 1)
	w.stash = []fabric.Message{
		msg(8, 0, "lo"),
		msg(12, 1, "hi"),
	}

	require.NoError(t, w.processStash(context.Background()))

	// the epoch under the target replays; the one beyond it stays stashed
	require.Len(t, w.stash, 1)
	assert.Equal(t, models.Epoch(12), w.stash[0].Epoch)
	got := snk.Records()
	require.Len(t, got, 1)
	assert.Equal(t, models.Epoch(8), got[0].Epoch)
	assert.Equal(t, "lo", string(got[0].Rec.Data))

	min, ok := w.tracker.OutstandingMin(1)
	require.True(t, ok)
	assert.Equal(t, models.Epoch(12), min)
}

func TestMaybeSnapshotWritesTargetsPeersReached(t *testing.T) {
	w, _, _ := newTestWorker(t)
	w.frontier = models.CloseEpoch
	w.maxEpochSeen = 3
	w.snapTarget = 5
	w.peerMax[0] = 12

	// a peer saw epoch 12, so target 5 is live even though this worker
	// never got past epoch 3
	require.NoError(t, w.maybeSnapshot(context.Background()))
	assert.Equal(t, []models.Epoch{5}, w.uncommitted)
	assert.Equal(t, models.Epoch(10), w.snapTarget)
}

func TestMaybeSnapshotRetiresDeadTargetAtGlobalClose(t *testing.T) {
	w, _, _ := newTestWorker(t)
	w.frontier = models.CloseEpoch
	w.maxEpochSeen = 3
	w.snapTarget = 5

	// a peer below the target could still reach it; the target must wait
	w.global.Update(0, 4)
	require.NoError(t, w.maybeSnapshot(context.Background()))
	assert.Equal(t, models.Epoch(5), w.snapTarget)
	assert.Empty(t, w.uncommitted)

	// every frontier closed with no data at the target anywhere: retire it
	w.global.Update(0, models.CloseEpoch)
	require.NoError(t, w.maybeSnapshot(context.Background()))
	assert.Equal(t, models.CloseEpoch, w.snapTarget)
	assert.Empty(t, w.uncommitted)
}
