// Package stage models operator partitions as a small closed variant set:
// source, stateless transform, keyed stateful transform, windowed
// aggregate, and sink. The scheduler dispatches by variant; user logic is
// an opaque function value conforming to the variant's call contract. A
// scheduling Context is threaded into every invocation instead of any
// process-wide state, so several dataflows can coexist in one process.
package stage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/weir-run/weir/internal/connector"
	"github.com/weir-run/weir/internal/graph"
	"github.com/weir-run/weir/internal/models"
	"github.com/weir-run/weir/internal/store"
)

// Context is the scheduling context for one invocation.
type Context struct {
	Ctx      context.Context
	Worker   int
	Epoch    models.Epoch
	Frontier models.Epoch
	Log      zerolog.Logger
}

// MapFunc is the stateless transform contract. Returning zero records
// filters the input out; returning several flat-maps it.
type MapFunc func(ctx Context, rec models.Record) ([]models.Record, error)

// StatefulFunc is the keyed stateful transform contract. state is the
// serialized value for rec's key (nil on first sight); the returned state
// replaces it, with nil deleting the key. The function must be pure in
// (state, input): replay after recovery re-runs it over the same inputs and
// must reproduce the same state.
type StatefulFunc func(ctx Context, key string, state []byte, rec models.Record) ([]byte, []models.Record, error)

// WindowFunc folds one record into a window accumulator for its key.
type WindowFunc func(ctx Context, key string, acc []byte, rec models.Record) ([]byte, error)

// WindowSpec assigns epochs to tumbling windows of Size epochs each:
// window i covers epochs [i*Size, (i+1)*Size-1].
type WindowSpec struct {
	Size uint64
}

// IndexOf returns the window an epoch belongs to.
func (w WindowSpec) IndexOf(e models.Epoch) uint64 {
	return uint64(e) / w.Size
}

// End returns the last epoch covered by window idx.
func (w WindowSpec) End(idx uint64) models.Epoch {
	return models.Epoch(idx*w.Size + w.Size - 1)
}

// Stage is one operator partition with its exclusive state container. A
// Stage is owned by exactly one worker and is never shared; its processing
// step runs with an exclusive, non-reentrant borrow of the state.
type Stage struct {
	node      int
	id        string
	kind      graph.Kind
	partition int

	mapFn      MapFunc
	statefulFn StatefulFunc
	windowFn   WindowFunc
	windowSpec WindowSpec

	state   map[string][]byte
	windows map[uint64]map[string][]byte

	src connector.Source
	snk connector.Sink
}

// NewStateless builds a transform stage.
func NewStateless(node int, id string, partition int, fn MapFunc) *Stage {
	return &Stage{node: node, id: id, kind: graph.KindStateless, partition: partition, mapFn: fn}
}

// NewStateful builds a keyed stateful stage.
func NewStateful(node int, id string, partition int, fn StatefulFunc) *Stage {
	return &Stage{
		node: node, id: id, kind: graph.KindStateful, partition: partition,
		statefulFn: fn,
		state:      make(map[string][]byte),
	}
}

// NewWindow builds a windowed aggregate stage.
func NewWindow(node int, id string, partition int, spec WindowSpec, fn WindowFunc) *Stage {
	return &Stage{
		node: node, id: id, kind: graph.KindWindow, partition: partition,
		windowFn:   fn,
		windowSpec: spec,
		windows:    make(map[uint64]map[string][]byte),
	}
}

// NewSource wraps a connector source partition.
func NewSource(node int, id string, partition int, src connector.Source) *Stage {
	return &Stage{node: node, id: id, kind: graph.KindSource, partition: partition, src: src}
}

// NewSink wraps a connector sink partition.
func NewSink(node int, id string, partition int, snk connector.Sink) *Stage {
	return &Stage{node: node, id: id, kind: graph.KindSink, partition: partition, snk: snk}
}

// ID returns the operator id.
func (s *Stage) ID() string { return s.id }

// Node returns the graph arena index of the operator.
func (s *Stage) Node() int { return s.node }

// Kind returns the operator variant.
func (s *Stage) Kind() graph.Kind { return s.kind }

// Source returns the wrapped source, or nil for other variants.
func (s *Stage) Source() connector.Source { return s.src }

// Sink returns the wrapped sink, or nil for other variants.
func (s *Stage) Sink() connector.Sink { return s.snk }

// Stateful reports whether this stage carries snapshot-relevant state.
func (s *Stage) Stateful() bool {
	return s.kind == graph.KindStateful || s.kind == graph.KindWindow
}

// WindowSpec returns the window assignment of a window stage.
func (s *Stage) WindowSpec() WindowSpec { return s.windowSpec }

// HasBucket reports whether a window stage already holds an accumulator
// bucket for window idx.
func (s *Stage) HasBucket(idx uint64) bool {
	_, ok := s.windows[idx]
	return ok
}

// Buckets lists the open window indices of a window stage.
func (s *Stage) Buckets() []uint64 {
	out := make([]uint64, 0, len(s.windows))
	for idx := range s.windows {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Process runs the stage's step for one record. Window stages absorb the
// record and emit nothing until the window fires; sink stages write out and
// emit nothing.
func (s *Stage) Process(ctx Context, rec models.Record) ([]models.Record, error) {
	switch s.kind {
	case graph.KindStateless:
		return s.mapFn(ctx, rec)
	case graph.KindStateful:
		newState, out, err := s.statefulFn(ctx, rec.Key, s.state[rec.Key], rec)
		if err != nil {
			return nil, fmt.Errorf("operator %q: %w", s.id, err)
		}
		if newState == nil {
			delete(s.state, rec.Key)
		} else {
			s.state[rec.Key] = newState
		}
		return out, nil
	case graph.KindWindow:
		idx := s.windowSpec.IndexOf(ctx.Epoch)
		perKey := s.windows[idx]
		if perKey == nil {
			perKey = make(map[string][]byte)
			s.windows[idx] = perKey
		}
		acc, err := s.windowFn(ctx, rec.Key, perKey[rec.Key], rec)
		if err != nil {
			return nil, fmt.Errorf("operator %q: %w", s.id, err)
		}
		perKey[rec.Key] = acc
		return nil, nil
	case graph.KindSink:
		if err := s.snk.Write(ctx.Ctx, rec, ctx.Epoch); err != nil {
			return nil, fmt.Errorf("operator %q: %w", s.id, err)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("operator %q: variant %v has no processing step", s.id, s.kind)
}

// Fired is one finalized window: its index and the per-key results in
// sorted key order.
type Fired struct {
	Idx     uint64
	Records []models.Record
}

// FireRipe finalizes every window whose range is fully below the global
// frontier and returns the window results, one record per key carrying the
// final accumulator. A window covering [a,b] fires exactly when frontier
// exceeds b; the epoch-ordering invariant then guarantees no late data for
// it can arrive. Windows and keys come out in sorted order so replay is
// deterministic.
func (s *Stage) FireRipe(frontier models.Epoch) []Fired {
	if s.kind != graph.KindWindow {
		return nil
	}
	var ripe []uint64
	for idx := range s.windows {
		if s.windowSpec.End(idx) < frontier {
			ripe = append(ripe, idx)
		}
	}
	sort.Slice(ripe, func(i, j int) bool { return ripe[i] < ripe[j] })

	var out []Fired
	for _, idx := range ripe {
		perKey := s.windows[idx]
		keys := make([]string, 0, len(perKey))
		for k := range perKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		f := Fired{Idx: idx}
		for _, k := range keys {
			f.Records = append(f.Records, models.Record{Key: k, Data: perKey[k]})
		}
		out = append(out, f)
		delete(s.windows, idx)
	}
	return out
}

// Snapshot serializes the stage's state container into store rows. Window
// accumulators use a composite partition key of window index and record
// key.
func (s *Stage) Snapshot() []store.StateEntry {
	var entries []store.StateEntry
	switch s.kind {
	case graph.KindStateful:
		for k, v := range s.state {
			entries = append(entries, store.StateEntry{OperatorID: s.id, Key: k, Blob: v})
		}
	case graph.KindWindow:
		for idx, perKey := range s.windows {
			for k, v := range perKey {
				entries = append(entries, store.StateEntry{
					OperatorID: s.id,
					Key:        windowKey(idx, k),
					Blob:       v,
				})
			}
		}
	}
	return entries
}

// Restore rebuilds the state container from store rows. A row that cannot
// be decoded is a fatal state error, never a silently dropped key.
func (s *Stage) Restore(entries []store.StateEntry) error {
	switch s.kind {
	case graph.KindStateful:
		s.state = make(map[string][]byte, len(entries))
		for _, e := range entries {
			s.state[e.Key] = e.Blob
		}
	case graph.KindWindow:
		s.windows = make(map[uint64]map[string][]byte)
		for _, e := range entries {
			idx, key, err := splitWindowKey(e.Key)
			if err != nil {
				return fmt.Errorf("operator %q: %w", s.id, err)
			}
			perKey := s.windows[idx]
			if perKey == nil {
				perKey = make(map[string][]byte)
				s.windows[idx] = perKey
			}
			perKey[key] = e.Blob
		}
	default:
		if len(entries) > 0 {
			return fmt.Errorf("%w: %d state rows for stateless operator %q", store.ErrCorruptState, len(entries), s.id)
		}
	}
	return nil
}

func windowKey(idx uint64, key string) string {
	return fmt.Sprintf("%016x|%s", idx, key)
}

func splitWindowKey(composite string) (uint64, string, error) {
	i := strings.IndexByte(composite, '|')
	if i != 16 {
		return 0, "", fmt.Errorf("%w: malformed window state key %q", store.ErrCorruptState, composite)
	}
	idx, err := strconv.ParseUint(composite[:i], 16, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed window state key %q", store.ErrCorruptState, composite)
	}
	return idx, composite[i+1:], nil
}
