package stage

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weir-run/weir/internal/graph"
	"github.com/weir-run/weir/internal/models"
	"github.com/weir-run/weir/internal/store"
)

func rec(key, data string) models.Record {
	return models.Record{Key: key, Data: []byte(data)}
}

// countFn keeps a per-key running count and emits it with every record.
func countFn(ctx Context, key string, state []byte, r models.Record) ([]byte, []models.Record, error) {
	n := 0
	if state != nil {
		n, _ = strconv.Atoi(string(state))
	}
	n++
	out := []byte(strconv.Itoa(n))
	return out, []models.Record{{Key: key, Data: out}}, nil
}

// concatFn appends record data into the window accumulator.
func concatFn(ctx Context, key string, acc []byte, r models.Record) ([]byte, error) {
	return append(acc, r.Data...), nil
}

func TestWindowSpec(t *testing.T) {
	w := WindowSpec{Size: 4}
	assert.Equal(t, uint64(0), w.IndexOf(0))
	assert.Equal(t, uint64(0), w.IndexOf(3))
	assert.Equal(t, uint64(1), w.IndexOf(4))
	assert.Equal(t, models.Epoch(3), w.End(0))
	assert.Equal(t, models.Epoch(7), w.End(1))
}

func TestStateless_FlatMap(t *testing.T) {
	st := NewStateless(0, "split", 0, func(ctx Context, r models.Record) ([]models.Record, error) {
		if len(r.Data) == 0 {
			return nil, nil
		}
		return []models.Record{r, r}, nil
	})
	out, err := st.Process(Context{}, rec("a", "x"))
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = st.Process(Context{}, rec("a", ""))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.False(t, st.Stateful())
}

func TestStateful_CountAndDelete(t *testing.T) {
	st := NewStateful(0, "count", 0, countFn)
	for i := 1; i <= 3; i++ {
		out, err := st.Process(Context{Epoch: models.Epoch(i)}, rec("a", "x"))
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, strconv.Itoa(i), string(out[0].Data))
	}
	_, err := st.Process(Context{}, rec("b", "x"))
	require.NoError(t, err)

	entries := st.Snapshot()
	assert.Len(t, entries, 2)

	// returning nil state removes the key
	del := NewStateful(0, "del", 0, func(ctx Context, key string, state []byte, r models.Record) ([]byte, []models.Record, error) {
		return nil, nil, nil
	})
	_, err = del.Process(Context{}, rec("a", "x"))
	require.NoError(t, err)
	assert.Empty(t, del.Snapshot())
}

func TestStateful_ErrorNamesOperator(t *testing.T) {
	st := NewStateful(0, "boom", 0, func(ctx Context, key string, state []byte, r models.Record) ([]byte, []models.Record, error) {
		return nil, nil, fmt.Errorf("bad record")
	})
	_, err := st.Process(Context{}, rec("a", "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"boom"`)
}

func TestWindow_FiresOnlyRipeWindows(t *testing.T) {
	st := NewWindow(0, "agg", 0, WindowSpec{Size: 3}, concatFn)

	// epochs 0..2 fall in window 0, epochs 3..5 in window 1
	for e := 0; e <= 5; e++ {
		_, err := st.Process(Context{Epoch: models.Epoch(e)}, rec("k", strconv.Itoa(e)))
		require.NoError(t, err)
	}
	assert.True(t, st.HasBucket(0))
	assert.True(t, st.HasBucket(1))
	assert.Equal(t, []uint64{0, 1}, st.Buckets())

	assert.Empty(t, st.FireRipe(2), "window 0 open until the frontier passes epoch 2")

	fired := st.FireRipe(3)
	require.Len(t, fired, 1)
	assert.Equal(t, uint64(0), fired[0].Idx)
	require.Len(t, fired[0].Records, 1)
	assert.Equal(t, "012", string(fired[0].Records[0].Data))
	assert.False(t, st.HasBucket(0), "fired bucket is gone")

	fired = st.FireRipe(models.CloseEpoch)
	require.Len(t, fired, 1)
	assert.Equal(t, uint64(1), fired[0].Idx)
	assert.Equal(t, "345", string(fired[0].Records[0].Data))
	assert.Empty(t, st.FireRipe(models.CloseEpoch))
}

func TestWindow_DeterministicKeyOrder(t *testing.T) {
	st := NewWindow(0, "agg", 0, WindowSpec{Size: 1}, concatFn)
	for _, k := range []string{"zebra", "ant", "mole"} {
		_, err := st.Process(Context{Epoch: 0}, rec(k, k))
		require.NoError(t, err)
	}
	fired := st.FireRipe(1)
	require.Len(t, fired, 1)
	var keys []string
	for _, r := range fired[0].Records {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"ant", "mole", "zebra"}, keys)
}

func TestWindow_SnapshotRestoreRoundtrip(t *testing.T) {
	st := NewWindow(0, "agg", 0, WindowSpec{Size: 3}, concatFn)
	for e := 0; e <= 4; e++ {
		_, err := st.Process(Context{Epoch: models.Epoch(e)}, rec("k", strconv.Itoa(e)))
		require.NoError(t, err)
	}
	entries := st.Snapshot()
	require.Len(t, entries, 2)

	restored := NewWindow(0, "agg", 0, WindowSpec{Size: 3}, concatFn)
	require.NoError(t, restored.Restore(entries))
	assert.Equal(t, []uint64{0, 1}, restored.Buckets())

	fired := restored.FireRipe(models.CloseEpoch)
	require.Len(t, fired, 2)
	assert.Equal(t, "012", string(fired[0].Records[0].Data))
	assert.Equal(t, "34", string(fired[1].Records[0].Data))
}

func TestStateful_SnapshotRestoreRoundtrip(t *testing.T) {
	st := NewStateful(0, "count", 0, countFn)
	for i := 0; i < 5; i++ {
		_, err := st.Process(Context{}, rec("a", "x"))
		require.NoError(t, err)
	}
	_, err := st.Process(Context{}, rec("b", "x"))
	require.NoError(t, err)

	restored := NewStateful(0, "count", 0, countFn)
	require.NoError(t, restored.Restore(st.Snapshot()))

	out, err := restored.Process(Context{}, rec("a", "x"))
	require.NoError(t, err)
	assert.Equal(t, "6", string(out[0].Data), "count resumes from restored state")
}

func TestRestore_MalformedWindowKey(t *testing.T) {
	st := NewWindow(0, "agg", 0, WindowSpec{Size: 3}, concatFn)
	err := st.Restore([]store.StateEntry{{OperatorID: "agg", Key: "not-a-window-key", Blob: []byte("x")}})
	assert.ErrorIs(t, err, store.ErrCorruptState)
}

func TestRestore_StateRowsForStatelessAreFatal(t *testing.T) {
	st := NewStateless(0, "map", 0, func(ctx Context, r models.Record) ([]models.Record, error) {
		return nil, nil
	})
	err := st.Restore([]store.StateEntry{{OperatorID: "map", Key: "k", Blob: []byte("x")}})
	assert.ErrorIs(t, err, store.ErrCorruptState)
}

func TestSink_Writes(t *testing.T) {
	snk := &captureSink{}
	st := NewSink(3, "out", 1, snk)
	_, err := st.Process(Context{Epoch: 9}, rec("a", "x"))
	require.NoError(t, err)
	require.Len(t, snk.got, 1)
	assert.Equal(t, models.Epoch(9), snk.epochs[0])
	assert.Equal(t, graph.KindSink, st.Kind())
	assert.Equal(t, 3, st.Node())
	assert.Equal(t, "out", st.ID())
}

type captureSink struct {
	got    []models.Record
	epochs []models.Epoch
}

func (s *captureSink) Open(ctx context.Context) error { return nil }
func (s *captureSink) Write(ctx context.Context, r models.Record, e models.Epoch) error {
	s.got = append(s.got, r)
	s.epochs = append(s.epochs, e)
	return nil
}
func (s *captureSink) Close() error { return nil }
