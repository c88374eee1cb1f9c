package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weir-run/weir/internal/models"
)

func batches(n int) [][]models.Record {
	out := make([][]models.Record, n)
	for i := range out {
		out[i] = []models.Record{{Key: fmt.Sprintf("k%d", i), Data: []byte{byte(i)}}}
	}
	return out
}

func TestMemorySource_PollAndExhaust(t *testing.T) {
	src := NewMemorySource(batches(3))
	require.NoError(t, src.Open(context.Background()))

	for i := 0; i < 3; i++ {
		batch, err := src.Poll(context.Background(), 64)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, fmt.Sprintf("k%d", i), batch[0].Key)
	}
	_, err := src.Poll(context.Background(), 64)
	assert.ErrorIs(t, err, ErrEndOfInput)
}

func TestMemorySource_ResumeReplaysFromPosition(t *testing.T) {
	src := NewMemorySource(batches(4))
	_, err := src.Poll(context.Background(), 64)
	require.NoError(t, err)
	_, err = src.Poll(context.Background(), 64)
	require.NoError(t, err)
	pos := src.Position()

	resumed := NewMemorySource(batches(4))
	require.NoError(t, resumed.ResumeFrom(pos))
	batch, err := resumed.Poll(context.Background(), 64)
	require.NoError(t, err)
	assert.Equal(t, "k2", batch[0].Key)

	assert.Error(t, resumed.ResumeFrom([]byte{1, 2, 3}))
}

type flakySource struct {
	*MemorySource
	failures int
}

func (f *flakySource) Poll(ctx context.Context, max int) ([]models.Record, error) {
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("transient fault")
	}
	return f.MemorySource.Poll(ctx, max)
}

func TestRetrySource_TransientFaultRecovered(t *testing.T) {
	src := &RetrySource{
		Source:     &flakySource{MemorySource: NewMemorySource(batches(1)), failures: 1},
		MaxRetries: 3,
	}
	batch, err := src.Poll(context.Background(), 64)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestRetrySource_EndOfInputIsTerminal(t *testing.T) {
	src := &RetrySource{Source: NewMemorySource(nil), MaxRetries: 3}
	_, err := src.Poll(context.Background(), 64)
	assert.ErrorIs(t, err, ErrEndOfInput)
}

func TestRetrySource_ExhaustionIsFatal(t *testing.T) {
	src := &RetrySource{
		Source:     &flakySource{MemorySource: NewMemorySource(batches(1)), failures: 100},
		MaxRetries: 1,
	}
	_, err := src.Poll(context.Background(), 64)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestRetrySink_TransientFaultRecovered(t *testing.T) {
	snk := &MemorySink{FailFirst: 1}
	retry := &RetrySink{Sink: snk, MaxRetries: 3}
	err := retry.Write(context.Background(), models.Record{Key: "a"}, 2)
	require.NoError(t, err)
	got := snk.Records()
	require.Len(t, got, 1)
	assert.Equal(t, models.Epoch(2), got[0].Epoch)
}

func TestFileSinkSource_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "records.jsonl")
	snk := NewFileSink(path)
	require.NoError(t, snk.Open(context.Background()))
	for i := 0; i < 5; i++ {
		rec := models.Record{Key: fmt.Sprintf("k%d", i), Data: []byte{byte(i)}}
		require.NoError(t, snk.Write(context.Background(), rec, models.Epoch(i)))
	}
	require.NoError(t, snk.Close())

	src := NewFileSource(path)
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	batch, err := src.Poll(context.Background(), 64)
	require.NoError(t, err)
	require.Len(t, batch, 5)
	for i, rec := range batch {
		assert.Equal(t, fmt.Sprintf("k%d", i), rec.Key)
		assert.Equal(t, []byte{byte(i)}, rec.Data)
	}
	_, err = src.Poll(context.Background(), 64)
	assert.ErrorIs(t, err, ErrEndOfInput)
}

func TestFileSource_ResumeSkipsCoveredLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jsonl")
	var lines []byte
	for i := 0; i < 4; i++ {
		lines = append(lines, []byte(fmt.Sprintf("{\"key\":\"k%d\",\"data\":null}\n", i))...)
	}
	require.NoError(t, os.WriteFile(path, lines, 0o644))

	src := NewFileSource(path)
	require.NoError(t, src.Open(context.Background()))
	batch, err := src.Poll(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	pos := src.Position()
	require.NoError(t, src.Close())

	resumed := NewFileSource(path)
	require.NoError(t, resumed.ResumeFrom(pos))
	require.NoError(t, resumed.Open(context.Background()))
	defer resumed.Close()
	batch, err = resumed.Poll(context.Background(), 64)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "k2", batch[0].Key)
	assert.Equal(t, "k3", batch[1].Key)
}

func TestFileSource_PlainLinesPassThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello\nworld\n"), 0o644))

	src := NewFileSource(path)
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	batch, err := src.Poll(context.Background(), 64)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "", batch[0].Key)
	assert.Equal(t, "hello", string(batch[0].Data))
	assert.Equal(t, "world", string(batch[1].Data))
}
