// Package worker runs the per-worker scheduling loop. Each worker is one
// goroutine owning its partitions outright; all interaction with the rest
// of the cluster goes through the channel fabric and the durable store.
//
// The loop cycles through Polling (admit source batches), Dispatching (run
// ready operators over delivered messages), and Draining (flush deferred
// sends and progress, fold frontier broadcasts, take snapshots). Nothing in
// the cycle blocks indefinitely: a full channel defers the operator to a
// later cycle, and the shutdown signal is checked once per cycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/weir-run/weir/internal/connector"
	"github.com/weir-run/weir/internal/fabric"
	"github.com/weir-run/weir/internal/graph"
	"github.com/weir-run/weir/internal/logger"
	"github.com/weir-run/weir/internal/metrics"
	"github.com/weir-run/weir/internal/models"
	"github.com/weir-run/weir/internal/progress"
	"github.com/weir-run/weir/internal/snapshot"
	"github.com/weir-run/weir/internal/stage"
)

// ErrSnapshotFailed is returned when a worker exhausts its snapshot write
// attempts. The last committed marker is untouched.
var ErrSnapshotFailed = errors.New("worker: snapshot write failed")

// Config tunes one worker.
type Config struct {
	Index   int
	Workers int
	// MaxInFlight bounds how many epochs a source may run ahead of the
	// worker's frontier.
	MaxInFlight uint64
	// BatchSize caps records per source poll and per channel per cycle.
	BatchSize int
	// EpochPace, when set, advances source epochs on wall-clock expiry so
	// several batches share an epoch. Zero means one batch per epoch.
	EpochPace time.Duration
	// SnapshotRetries bounds consecutive failed snapshot writes before the
	// worker gives up.
	SnapshotRetries int
	// IdlePause is slept when a full cycle moved nothing.
	IdlePause time.Duration
}

func (c *Config) fill() {
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.SnapshotRetries <= 0 {
		c.SnapshotRetries = 10
	}
	if c.IdlePause <= 0 {
		c.IdlePause = time.Millisecond
	}
}

type outKey struct {
	edge, to int
}

// deferredSend is a message that hit a full buffer, kept until the buffer
// drains. The owning node keeps its outstanding charge until then.
type deferredSend struct {
	node int
	to   int
	msg  fabric.Message
}

// Worker owns one partition of the dataflow.
type Worker struct {
	cfg     Config
	g       *graph.Graph
	mesh    *fabric.Mesh
	tracker *progress.Tracker
	global  *progress.GlobalView
	snapman *snapshot.Manager
	met     *metrics.Metrics
	log     zerolog.Logger

	stages   map[int]*stage.Stage
	srcEpoch map[int]models.Epoch
	srcDone  map[int]bool
	srcTick  map[int]time.Time

	rr  map[int]int
	seq map[outKey]uint64

	deferred       []deferredSend
	deferredByNode map[int]int
	deferredByChan map[outKey]int
	stash          []fabric.Message

	lastPromise      map[outKey]models.Epoch
	promised         map[outKey]bool
	lastBroadcast    models.Epoch
	lastBroadcastMax models.Epoch
	broadcasted      bool

	// peerMax folds every worker's broadcast MaxSeen; its maximum decides
	// which checkpoint targets the whole dataflow must snapshot.
	peerMax []models.Epoch

	frontier     models.Epoch
	maxEpochSeen models.Epoch
	snapTarget   models.Epoch
	snapAttempts int
	uncommitted  []models.Epoch

	pubLocal  atomic.Uint64
	pubGlobal atomic.Uint64

	moved bool
}

// New wires a worker over its hosted stages. Stages must already be
// restored (state and source positions) when recovering; resume names the
// recovered epoch, or nil for a fresh start.
func New(cfg Config, g *graph.Graph, mesh *fabric.Mesh, snapman *snapshot.Manager, met *metrics.Metrics, stages map[int]*stage.Stage, resume *snapshot.Resume) *Worker {
	cfg.fill()
	w := &Worker{
		cfg:            cfg,
		g:              g,
		mesh:           mesh,
		tracker:        progress.NewTracker(),
		global:         progress.NewGlobalView(cfg.Workers),
		snapman:        snapman,
		met:            met,
		log:            logger.GetLogger("worker").With().Int("worker", cfg.Index).Logger(),
		stages:         stages,
		srcEpoch:       make(map[int]models.Epoch),
		srcDone:        make(map[int]bool),
		srcTick:        make(map[int]time.Time),
		rr:             make(map[int]int),
		seq:            make(map[outKey]uint64),
		deferredByNode: make(map[int]int),
		deferredByChan: make(map[outKey]int),
		lastPromise:    make(map[outKey]models.Epoch),
		promised:       make(map[outKey]bool),
		peerMax:        make([]models.Epoch, cfg.Workers),
	}

	start := models.Epoch(0)
	if resume != nil {
		start = resume.Epoch + 1
	}

	for node, st := range stages {
		if st.Kind() == graph.KindSource {
			w.tracker.RegisterSource(node)
			w.tracker.SourceAt(node, start)
			w.srcEpoch[node] = start
		}
		for _, ei := range g.InEdges(node) {
			e := g.Edges()[ei]
			for _, from := range g.Hosts(e.From, cfg.Workers) {
				w.tracker.RegisterChannel(progress.ChanKey{Edge: ei, From: from})
				if resume != nil {
					w.tracker.Promise(progress.ChanKey{Edge: ei, From: from}, start)
				}
			}
		}
		// restored window buckets are pending work until they fire
		if st.Kind() == graph.KindWindow {
			for _, idx := range st.Buckets() {
				w.tracker.Incr(node, st.WindowSpec().End(idx)+1, 1)
			}
		}
	}

	w.frontier = start
	if resume != nil {
		w.maxEpochSeen = resume.Epoch
		for wi := 0; wi < cfg.Workers; wi++ {
			w.global.Update(wi, start)
		}
	}
	w.snapTarget = snapman.NextTarget(w.frontier)
	w.pubLocal.Store(uint64(w.frontier))
	return w
}

// LocalFrontier returns the last published local frontier.
func (w *Worker) LocalFrontier() models.Epoch {
	return models.Epoch(w.pubLocal.Load())
}

// GlobalFrontier returns this worker's view of the global frontier.
func (w *Worker) GlobalFrontier() models.Epoch {
	return models.Epoch(w.pubGlobal.Load())
}

// Run drives the scheduling loop until the dataflow completes, the context
// is cancelled, or a fatal error occurs. On cancellation the current cycle
// finishes first, including any snapshot already due, so no snapshot is
// ever left half-written.
func (w *Worker) Run(ctx context.Context) error {
	ioCtx := context.WithoutCancel(ctx)
	for {
		cancelled := ctx.Err() != nil
		w.moved = false

		if !cancelled {
			if err := w.poll(ctx); err != nil {
				return err
			}
		}
		if err := w.dispatch(ioCtx); err != nil {
			return err
		}
		if err := w.drain(ioCtx); err != nil {
			return err
		}

		if cancelled {
			w.log.Info().Msg("shutdown signal honored, cycle drained")
			return nil
		}
		if w.done() {
			w.log.Info().Msg("dataflow complete")
			return nil
		}
		if !w.moved {
			time.Sleep(w.cfg.IdlePause)
		}
	}
}

// done reports whether every source is exhausted and all work everywhere is
// finished.
func (w *Worker) done() bool {
	return w.frontier == models.CloseEpoch &&
		w.global.Frontier() == models.CloseEpoch &&
		len(w.deferred) == 0 && len(w.stash) == 0 && len(w.uncommitted) == 0
}

// poll admits at most one batch per hosted source, stamped with the
// source's current epoch. Admission is held back by the in-flight limit and
// by a pending snapshot barrier.
func (w *Worker) poll(ctx context.Context) error {
	for node, st := range w.stages {
		if st.Kind() != graph.KindSource || w.srcDone[node] {
			continue
		}
		e := w.srcEpoch[node]
		if e > w.snapTarget {
			continue // admitting past the barrier would contaminate the snapshot
		}
		if w.frontier != models.CloseEpoch && uint64(e) >= uint64(w.frontier)+w.cfg.MaxInFlight {
			continue
		}
		if w.cfg.EpochPace > 0 {
			now := time.Now()
			if w.srcTick[node].IsZero() {
				w.srcTick[node] = now
			} else if now.Sub(w.srcTick[node]) >= w.cfg.EpochPace {
				e++
				w.srcEpoch[node] = e
				w.tracker.SourceAt(node, e)
				w.srcTick[node] = now
				w.moved = true
				if e > w.snapTarget ||
					(w.frontier != models.CloseEpoch && uint64(e) >= uint64(w.frontier)+w.cfg.MaxInFlight) {
					continue
				}
			}
		}

		batch, err := st.Source().Poll(ctx, w.cfg.BatchSize)
		if errors.Is(err, connector.ErrEndOfInput) {
			w.srcDone[node] = true
			w.tracker.SourceAt(node, models.CloseEpoch)
			w.moved = true
			w.log.Debug().Str("op", st.ID()).Msg("source exhausted")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: source %q: %w", w.cfg.Index, st.ID(), err)
		}
		if len(batch) == 0 {
			continue
		}

		w.moved = true
		w.met.AddBatchesAdmitted(1)
		if e > w.maxEpochSeen {
			w.maxEpochSeen = e
		}
		for _, rec := range batch {
			if err := w.route(node, e, rec); err != nil {
				return err
			}
		}
		if w.cfg.EpochPace <= 0 {
			w.srcEpoch[node] = e + 1
			w.tracker.SourceAt(node, e+1)
		}
	}
	return nil
}

// dispatch applies progress promises, then runs hosted operators over
// delivered messages. Operators with deferred output are skipped so the
// full downstream buffer backpressures them instead of growing an unbounded
// queue.
func (w *Worker) dispatch(ioCtx context.Context) error {
	for node, st := range w.stages {
		for _, ei := range w.g.InEdges(node) {
			e := w.g.Edges()[ei]
			for _, from := range w.g.Hosts(e.From, w.cfg.Workers) {
				ch := w.mesh.Channel(ei, from, w.cfg.Index)
				if ch == nil {
					continue
				}
				for {
					p, ok := ch.RecvProgress()
					if !ok {
						break
					}
					w.tracker.Promise(progress.ChanKey{Edge: ei, From: from}, p.Frontier)
				}
				if w.deferredByNode[node] > 0 {
					continue
				}
				for i := 0; i < w.cfg.BatchSize; i++ {
					m, ok := ch.Recv()
					if !ok {
						break
					}
					w.moved = true
					if m.Epoch < w.frontier {
						w.met.AddDuplicatesDropped(1)
						w.log.Warn().Uint64("epoch", uint64(m.Epoch)).Uint64("frontier", uint64(w.frontier)).
							Str("op", st.ID()).Msg("dropped message below frontier")
						continue
					}
					if m.Epoch > w.snapTarget {
						w.tracker.Incr(node, m.Epoch, 1)
						w.stash = append(w.stash, m)
						continue
					}
					if err := w.process(ioCtx, node, st, m); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// process runs one message through a stage and routes its outputs.
func (w *Worker) process(ioCtx context.Context, node int, st *stage.Stage, m fabric.Message) error {
	if m.Epoch > w.maxEpochSeen {
		w.maxEpochSeen = m.Epoch
	}
	if st.Kind() == graph.KindWindow {
		idx := st.WindowSpec().IndexOf(m.Epoch)
		if !st.HasBucket(idx) {
			w.tracker.Incr(node, st.WindowSpec().End(idx)+1, 1)
		}
	}
	sctx := stage.Context{
		Ctx:      ioCtx,
		Worker:   w.cfg.Index,
		Epoch:    m.Epoch,
		Frontier: w.global.Frontier(),
		Log:      w.log,
	}
	out, err := st.Process(sctx, m.Rec)
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.cfg.Index, err)
	}
	w.met.AddRecordsProcessed(1)
	for _, rec := range out {
		if err := w.route(node, m.Epoch, rec); err != nil {
			return err
		}
	}
	return nil
}

// route fans one output record out over every out edge of node. A full
// buffer defers the message, charging it as outstanding work so the
// frontier cannot pass it.
func (w *Worker) route(node int, e models.Epoch, rec models.Record) error {
	for _, ei := range w.g.OutEdges(node) {
		edge := w.g.Edges()[ei]
		sendEpoch := e
		if edge.Feedback {
			sendEpoch = e + 1
		}
		for _, to := range w.destinations(edge, rec) {
			k := outKey{ei, to}
			w.seq[k]++
			m := fabric.Message{
				Edge:  ei,
				From:  w.cfg.Index,
				Epoch: sendEpoch,
				Seq:   w.seq[k],
				Rec:   rec,
			}
			if err := w.send(node, m, to); err != nil {
				return err
			}
		}
	}
	w.met.AddRecordsEmitted(1)
	return nil
}

func (w *Worker) send(node int, m fabric.Message, to int) error {
	ch := w.mesh.Channel(m.Edge, w.cfg.Index, to)
	if ch == nil {
		return fmt.Errorf("worker %d: no channel for edge %d to worker %d", w.cfg.Index, m.Edge, to)
	}
	k := outKey{m.Edge, to}
	ok := false
	if w.deferredByChan[k] == 0 { // preserve FIFO behind earlier deferred sends
		var err error
		ok, err = ch.TrySend(m)
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.cfg.Index, err)
		}
	}
	if !ok {
		w.tracker.Incr(node, m.Epoch, 1)
		w.deferred = append(w.deferred, deferredSend{node: node, to: to, msg: m})
		w.deferredByNode[node]++
		w.deferredByChan[k]++
		w.met.AddMessagesDeferred(1)
	}
	return nil
}

// destinations resolves the partitioning strategy of an edge for one
// record.
func (w *Worker) destinations(edge graph.Edge, rec models.Record) []int {
	hosts := w.g.Hosts(edge.To, w.cfg.Workers)
	if len(hosts) == 1 {
		return hosts
	}
	switch edge.Partition {
	case graph.Broadcast:
		return hosts
	case graph.KeyHash:
		return []int{graph.PartitionFor(rec.Key, w.cfg.Workers)}
	default: // RoundRobin
		w.rr[edge.Index]++
		return []int{hosts[w.rr[edge.Index]%len(hosts)]}
	}
}
