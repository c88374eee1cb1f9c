// Package weir is an embeddable dataflow execution engine. A program
// declares its operators and edges on a Dataflow, hands it to an Engine,
// and the engine runs it across a set of worker goroutines with epoch-based
// progress tracking and coordinated checkpoints.
package weir

import (
	"fmt"

	"github.com/weir-run/weir/internal/connector"
	"github.com/weir-run/weir/internal/graph"
	"github.com/weir-run/weir/internal/models"
	"github.com/weir-run/weir/internal/stage"
)

// CloseEpoch marks an exhausted stream; no later epoch will carry data.
const CloseEpoch = models.CloseEpoch

// Re-exported operator contracts, so embedding programs only import weir.
type (
	// Record is one keyed payload flowing through the dataflow.
	Record = models.Record
	// Epoch is the logical batch timestamp.
	Epoch = models.Epoch
	// Context is the scheduling context passed to every operator call.
	Context = stage.Context
	// MapFunc is the stateless transform contract.
	MapFunc = stage.MapFunc
	// StatefulFunc is the keyed stateful transform contract.
	StatefulFunc = stage.StatefulFunc
	// WindowFunc folds one record into a window accumulator.
	WindowFunc = stage.WindowFunc
	// WindowSpec assigns epochs to tumbling windows.
	WindowSpec = stage.WindowSpec
	// Source is one partition of an input operator.
	Source = connector.Source
	// Sink is one partition of an output operator.
	Sink = connector.Sink
	// SourceFactory builds the source instance for one partition.
	SourceFactory = connector.SourceFactory
	// SinkFactory builds the sink instance for one partition.
	SinkFactory = connector.SinkFactory
)

type windowOp struct {
	spec stage.WindowSpec
	fn   stage.WindowFunc
}

// Dataflow accumulates operator and edge declarations. Methods record a
// sticky error instead of failing fast, so declarations chain; the first
// error surfaces from NewEngine.
type Dataflow struct {
	ops       []graph.OpSpec
	edges     []graph.EdgeSpec
	sources   map[string]connector.SourceFactory
	sinks     map[string]connector.SinkFactory
	maps      map[string]stage.MapFunc
	statefuls map[string]stage.StatefulFunc
	windows   map[string]windowOp
	err       error
}

// NewDataflow returns an empty dataflow.
func NewDataflow() *Dataflow {
	return &Dataflow{
		sources:   make(map[string]connector.SourceFactory),
		sinks:     make(map[string]connector.SinkFactory),
		maps:      make(map[string]stage.MapFunc),
		statefuls: make(map[string]stage.StatefulFunc),
		windows:   make(map[string]windowOp),
	}
}

// OpOption tweaks one operator declaration.
type OpOption func(*graph.OpSpec)

// SinglePartition pins the operator to one deterministically chosen worker
// instead of running a partition on every worker.
func SinglePartition() OpOption {
	return func(s *graph.OpSpec) { s.SinglePartition = true }
}

// EdgeOption tweaks one edge declaration.
type EdgeOption func(*graph.EdgeSpec)

// ByKey routes records by hash of their key, so a given key always lands on
// the same downstream partition.
func ByKey() EdgeOption {
	return func(e *graph.EdgeSpec) { e.Partition = graph.KeyHash }
}

// ToAll delivers a copy of every record to every downstream partition.
func ToAll() EdgeOption {
	return func(e *graph.EdgeSpec) { e.Partition = graph.Broadcast }
}

// AsFeedback marks an intentionally cyclic edge. Records sent over it are
// delivered one epoch later, which is what keeps progress well founded.
func AsFeedback() EdgeOption {
	return func(e *graph.EdgeSpec) { e.Feedback = true }
}

// WithBuffer overrides the edge's channel capacity.
func WithBuffer(n int) EdgeOption {
	return func(e *graph.EdgeSpec) { e.Buffer = n }
}

func (d *Dataflow) addOp(id string, kind graph.Kind, opts []OpOption) {
	if d.err != nil {
		return
	}
	if id == "" {
		d.err = fmt.Errorf("weir: operator with empty id")
		return
	}
	spec := graph.OpSpec{ID: id, Kind: kind}
	for _, o := range opts {
		o(&spec)
	}
	d.ops = append(d.ops, spec)
}

// Source declares an input operator. The factory is invoked once per
// hosting worker with the partition index.
func (d *Dataflow) Source(id string, f connector.SourceFactory, opts ...OpOption) *Dataflow {
	d.addOp(id, graph.KindSource, opts)
	d.sources[id] = f
	return d
}

// Map declares a stateless transform.
func (d *Dataflow) Map(id string, fn stage.MapFunc, opts ...OpOption) *Dataflow {
	d.addOp(id, graph.KindStateless, opts)
	d.maps[id] = fn
	return d
}

// FilterFunc is the predicate contract used by Filter.
type FilterFunc func(ctx Context, rec Record) (bool, error)

// Filter declares a stateless operator that keeps only the records the
// predicate accepts.
func (d *Dataflow) Filter(id string, pred FilterFunc, opts ...OpOption) *Dataflow {
	return d.Map(id, func(ctx Context, rec Record) ([]Record, error) {
		ok, err := pred(ctx, rec)
		if err != nil || !ok {
			return nil, err
		}
		return []Record{rec}, nil
	}, opts...)
}

// Stateful declares a keyed stateful transform. Its state is captured by
// checkpoints and restored on recovery, so fn must be deterministic in
// (state, input).
func (d *Dataflow) Stateful(id string, fn stage.StatefulFunc, opts ...OpOption) *Dataflow {
	d.addOp(id, graph.KindStateful, opts)
	d.statefuls[id] = fn
	return d
}

// Window declares a tumbling-window aggregate. Each window finalizes once
// the global frontier passes its last epoch and emits one record per key.
func (d *Dataflow) Window(id string, spec stage.WindowSpec, fn stage.WindowFunc, opts ...OpOption) *Dataflow {
	if spec.Size == 0 {
		if d.err == nil {
			d.err = fmt.Errorf("weir: window %q has zero size", id)
		}
		return d
	}
	d.addOp(id, graph.KindWindow, opts)
	d.windows[id] = windowOp{spec: spec, fn: fn}
	return d
}

// Sink declares an output operator.
func (d *Dataflow) Sink(id string, f connector.SinkFactory, opts ...OpOption) *Dataflow {
	d.addOp(id, graph.KindSink, opts)
	d.sinks[id] = f
	return d
}

// Connect declares an edge from one operator to another. The default
// routing is round-robin over the downstream partitions.
func (d *Dataflow) Connect(from, to string, opts ...EdgeOption) *Dataflow {
	if d.err != nil {
		return d
	}
	spec := graph.EdgeSpec{From: from, To: to}
	for _, o := range opts {
		o(&spec)
	}
	d.edges = append(d.edges, spec)
	return d
}

// compile resolves the declarations into an immutable graph.
func (d *Dataflow) compile() (*graph.Graph, error) {
	if d.err != nil {
		return nil, d.err
	}
	if len(d.ops) == 0 {
		return nil, fmt.Errorf("weir: empty dataflow")
	}
	g, err := graph.Compile(d.ops, d.edges)
	if err != nil {
		return nil, err
	}
	return g, nil
}
