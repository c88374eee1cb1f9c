// Package fabric moves data and progress between operator partitions. Every
// (edge, sender worker, receiver worker) triple owns one Channel carrying a
// bounded FIFO data lane and an unbounded control lane. Data sends observe
// backpressure through TrySend; progress never does, so a stalled data path
// cannot stall frontier computation.
package fabric

import (
	"errors"
	"sync"

	"github.com/weir-run/weir/internal/graph"
	"github.com/weir-run/weir/internal/models"
)

// ErrClosed is returned on use of a channel after the mesh shut down.
var ErrClosed = errors.New("fabric: channel closed")

// Message is one data record in flight on an edge. Seq increases by one per
// message per channel, which is what duplicate suppression keys on.
type Message struct {
	Edge  int
	From  int
	Epoch models.Epoch
	Seq   uint64
	Rec   models.Record
}

// Progress is the control statement "I will send no more data below
// Frontier on this edge". It is never dropped and never blocked.
type Progress struct {
	Edge     int
	From     int
	Frontier models.Epoch
}

// FrontierUpdate carries one worker's locally closed frontier to its peers,
// along with the highest epoch it has ever seen data at. The maximum decides
// which checkpoint targets are live for the whole dataflow, so a worker that
// went idle early still writes snapshots for targets its peers reached.
type FrontierUpdate struct {
	Worker   int
	Frontier models.Epoch
	MaxSeen  models.Epoch
}

// Channel is a single sender-receiver lane for one edge. Delivery is FIFO;
// redelivered messages (at-least-once senders may retry) are discarded by
// sequence number, and anything stamped at or below an already-delivered
// epoch-and-sequence pair is treated as a duplicate.
type Channel struct {
	mu       sync.Mutex
	capacity int
	data     []Message
	control  []Progress
	closed   bool

	// receiver-side duplicate suppression state
	delivered bool
	lastSeq   uint64
}

// NewChannel returns a channel with the given data capacity. Capacity must
// be at least 1.
func NewChannel(capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{capacity: capacity}
}

// TrySend appends m to the data lane. It reports false without queuing when
// the buffer is full; the caller defers the operator and retries on a later
// cycle, which is how backpressure propagates upstream.
func (c *Channel) TrySend(m Message) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	if len(c.data) >= c.capacity {
		return false, nil
	}
	c.data = append(c.data, m)
	return true, nil
}

// SendProgress appends to the control lane. Control is unbounded so that
// progress always makes forward progress even when data is backpressured.
func (c *Channel) SendProgress(p Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.control = append(c.control, p)
	return nil
}

// Recv pops the next non-duplicate data message.
func (c *Channel) Recv() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.data) > 0 {
		m := c.data[0]
		c.data = c.data[1:]
		if c.delivered && m.Seq <= c.lastSeq {
			continue // duplicate redelivery
		}
		c.delivered = true
		c.lastSeq = m.Seq
		return m, true
	}
	return Message{}, false
}

// RecvProgress pops the next control message.
func (c *Channel) RecvProgress() (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.control) == 0 {
		return Progress{}, false
	}
	p := c.control[0]
	c.control = c.control[1:]
	return p, true
}

// MinBufferedEpoch returns the lowest epoch among buffered data messages.
// Receivers fold this into their frontier so an epoch is never closed while
// one of its messages is still sitting in a buffer.
func (c *Channel) MinBufferedEpoch() (models.Epoch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) == 0 {
		return 0, false
	}
	min := c.data[0].Epoch
	for _, m := range c.data[1:] {
		if m.Epoch < min {
			min = m.Epoch
		}
	}
	return min, true
}

// Len returns the number of buffered data messages.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Inbox is an unbounded mailbox for frontier updates addressed to one
// worker. Like the control lane, posting never blocks.
type Inbox struct {
	mu      sync.Mutex
	updates []FrontierUpdate
}

// Post appends an update.
func (b *Inbox) Post(u FrontierUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, u)
}

// Drain removes and returns all pending updates.
func (b *Inbox) Drain() []FrontierUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.updates
	b.updates = nil
	return out
}

// Mesh owns every channel and inbox for one dataflow run. Channels exist
// only for (edge, sender, receiver) triples where the sender hosts the
// edge's source operator and the receiver hosts its target.
type Mesh struct {
	workers int
	chans   map[chanKey]*Channel
	inboxes []*Inbox
}

type chanKey struct {
	edge, from, to int
}

// NewMesh builds the channel fabric for a compiled graph. Edges without an
// explicit buffer use defaultBuffer.
func NewMesh(g *graph.Graph, workers, defaultBuffer int) *Mesh {
	m := &Mesh{
		workers: workers,
		chans:   make(map[chanKey]*Channel),
		inboxes: make([]*Inbox, workers),
	}
	for i := range m.inboxes {
		m.inboxes[i] = &Inbox{}
	}
	for _, e := range g.Edges() {
		capacity := e.Buffer
		if capacity <= 0 {
			capacity = defaultBuffer
		}
		for _, from := range g.Hosts(e.From, workers) {
			for _, to := range g.Hosts(e.To, workers) {
				m.chans[chanKey{e.Index, from, to}] = NewChannel(capacity)
			}
		}
	}
	return m
}

// Channel returns the lane for (edge, from, to), or nil when that pair does
// not exist under the graph's placement.
func (m *Mesh) Channel(edge, from, to int) *Channel {
	return m.chans[chanKey{edge, from, to}]
}

// Inbox returns the frontier mailbox of a worker.
func (m *Mesh) Inbox(worker int) *Inbox { return m.inboxes[worker] }

// Broadcast posts a frontier update to every worker, the sender included.
// Repeated or reordered delivery is harmless: consumers reduce updates with
// a pointwise maximum per worker, then take the minimum across workers.
func (m *Mesh) Broadcast(u FrontierUpdate) {
	for _, b := range m.inboxes {
		b.Post(u)
	}
}

// Close shuts every channel down. Subsequent sends fail with ErrClosed.
func (m *Mesh) Close() {
	for _, c := range m.chans {
		c.close()
	}
}
