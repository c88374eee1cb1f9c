// Package graph holds the immutable description of a dataflow: the
// operators, the edges connecting them, and the deterministic placement of
// operator partitions onto workers. A Graph is compiled once at startup and
// is read-only afterwards.
package graph

import (
	"errors"
	"fmt"
	"hash/fnv"
)

var (
	// ErrCycle is returned when the operator graph contains a cycle none of
	// whose edges is marked as a feedback edge.
	ErrCycle = errors.New("graph: cycle without a feedback edge")
	// ErrDanglingEdge is returned when an edge references an operator that
	// was never declared.
	ErrDanglingEdge = errors.New("graph: edge references unknown operator")
	// ErrDuplicateOp is returned when two operators share an ID.
	ErrDuplicateOp = errors.New("graph: duplicate operator id")
)

// Kind is the closed set of operator variants the scheduler dispatches on.
type Kind int

const (
	KindSource Kind = iota
	KindStateless
	KindStateful
	KindWindow
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindStateless:
		return "stateless"
	case KindStateful:
		return "stateful"
	case KindWindow:
		return "window"
	case KindSink:
		return "sink"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Partitioning selects how records are routed across the partitions of the
// downstream operator.
type Partitioning int

const (
	// RoundRobin cycles over the downstream partitions per sender.
	RoundRobin Partitioning = iota
	// KeyHash routes by fnv32a of the record key, so a given key always
	// lands on the same partition.
	KeyHash
	// Broadcast delivers a copy to every downstream partition.
	Broadcast
)

// OpSpec declares one operator before compilation.
type OpSpec struct {
	ID   string
	Kind Kind
	// SinglePartition pins the operator to one worker chosen by Assign
	// instead of running a partition on every worker.
	SinglePartition bool
}

// EdgeSpec declares a directed connection between two operators.
type EdgeSpec struct {
	From, To  string
	Partition Partitioning
	// Feedback marks an intentionally cyclic edge. Deliveries over a
	// feedback edge happen one epoch later than the send, which is what
	// breaks the cycle for progress tracking.
	Feedback bool
	// Buffer overrides the per-edge channel capacity; 0 means the engine
	// default.
	Buffer int
}

// Node is a compiled operator.
type Node struct {
	Index int
	Spec  OpSpec
}

// Edge is a compiled connection, referencing nodes by arena index.
type Edge struct {
	Index     int
	From, To  int
	Partition Partitioning
	Feedback  bool
	Buffer    int
}

// Graph is the compiled, immutable dataflow description.
type Graph struct {
	nodes []Node
	edges []Edge
	byID  map[string]int
	in    [][]int // node index -> in edge indices
	out   [][]int // node index -> out edge indices
}

// Compile resolves operator specs and edges into an arena-indexed graph.
// Cycles are permitted only when at least one edge on the cycle is marked
// Feedback; anything else fails with ErrCycle. Edges naming an unknown
// operator fail with ErrDanglingEdge.
func Compile(ops []OpSpec, edges []EdgeSpec) (*Graph, error) {
	g := &Graph{
		byID: make(map[string]int, len(ops)),
	}
	for i, op := range ops {
		if op.ID == "" {
			return nil, fmt.Errorf("graph: operator %d has empty id", i)
		}
		if _, ok := g.byID[op.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateOp, op.ID)
		}
		g.byID[op.ID] = i
		g.nodes = append(g.nodes, Node{Index: i, Spec: op})
	}

	g.in = make([][]int, len(g.nodes))
	g.out = make([][]int, len(g.nodes))
	for i, e := range edges {
		from, ok := g.byID[e.From]
		if !ok {
			return nil, fmt.Errorf("%w: %q -> %q (from)", ErrDanglingEdge, e.From, e.To)
		}
		to, ok := g.byID[e.To]
		if !ok {
			return nil, fmt.Errorf("%w: %q -> %q (to)", ErrDanglingEdge, e.From, e.To)
		}
		ce := Edge{
			Index:     i,
			From:      from,
			To:        to,
			Partition: e.Partition,
			Feedback:  e.Feedback,
			Buffer:    e.Buffer,
		}
		g.edges = append(g.edges, ce)
		g.out[from] = append(g.out[from], i)
		g.in[to] = append(g.in[to], i)
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm over the non-feedback edges. Feedback
// edges are excluded because the scheduler breaks those cycles by delaying
// epoch advancement across them.
func (g *Graph) checkAcyclic() error {
	indeg := make([]int, len(g.nodes))
	for _, e := range g.edges {
		if e.Feedback {
			continue
		}
		indeg[e.To]++
	}
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	seen := 0
	for len(ready) > 0 {
		n := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		seen++
		for _, ei := range g.out[n] {
			e := g.edges[ei]
			if e.Feedback {
				continue
			}
			indeg[e.To]--
			if indeg[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
	}
	if seen != len(g.nodes) {
		return ErrCycle
	}
	return nil
}

// Nodes returns the compiled operators in arena order.
func (g *Graph) Nodes() []Node { return g.nodes }

// Edges returns the compiled edges in declaration order.
func (g *Graph) Edges() []Edge { return g.edges }

// Node looks an operator up by ID.
func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.byID[id]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

// InEdges returns the indices of edges delivering into node n.
func (g *Graph) InEdges(n int) []int { return g.in[n] }

// OutEdges returns the indices of edges leaving node n.
func (g *Graph) OutEdges(n int) []int { return g.out[n] }

// Assign places a single-partition operator on a worker. The same
// (operator id, worker count) pair always maps to the same worker, so every
// process in the cluster derives the same placement independently.
func Assign(opID string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(opID))
	return int(h.Sum32() % uint32(workers))
}

// PartitionFor routes a key to a worker under KeyHash partitioning.
func PartitionFor(key string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(workers))
}

// HostedBy reports whether worker hosts a partition of node n in a cluster
// of the given size.
func (g *Graph) HostedBy(n, worker, workers int) bool {
	spec := g.nodes[n].Spec
	if !spec.SinglePartition {
		return true
	}
	return Assign(spec.ID, workers) == worker
}

// Hosts returns the workers hosting a partition of node n.
func (g *Graph) Hosts(n, workers int) []int {
	spec := g.nodes[n].Spec
	if spec.SinglePartition {
		return []int{Assign(spec.ID, workers)}
	}
	all := make([]int, workers)
	for i := range all {
		all[i] = i
	}
	return all
}
