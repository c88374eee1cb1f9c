package worker

import (
	"context"
	"fmt"

	"github.com/weir-run/weir/internal/fabric"
	"github.com/weir-run/weir/internal/graph"
	"github.com/weir-run/weir/internal/models"
	"github.com/weir-run/weir/internal/progress"
	"github.com/weir-run/weir/internal/store"
)

// drain is the third phase of the cycle: retry deferred sends, fold peer
// frontiers, fire ripe windows, advance and publish the local frontier,
// and participate in the snapshot protocol.
func (w *Worker) drain(ioCtx context.Context) error {
	w.flushDeferred()

	for _, u := range w.mesh.Inbox(w.cfg.Index).Drain() {
		w.global.Update(u.Worker, u.Frontier)
		if u.MaxSeen > w.peerMax[u.Worker] {
			w.peerMax[u.Worker] = u.MaxSeen
		}
	}

	if err := w.fireWindows(); err != nil {
		return err
	}

	w.advanceFrontier()
	w.publishProgress()

	if err := w.maybeSnapshot(ioCtx); err != nil {
		return err
	}
	w.tryCommits()

	w.pubLocal.Store(uint64(w.frontier))
	w.pubGlobal.Store(uint64(w.global.Frontier()))
	return nil
}

// flushDeferred retries sends that previously hit a full buffer, in order.
// Per-channel FIFO is preserved by keeping later messages deferred whenever
// an earlier one for the same channel still is.
func (w *Worker) flushDeferred() {
	if len(w.deferred) == 0 {
		return
	}
	var keep []deferredSend
	blocked := make(map[outKey]bool)
	for _, d := range w.deferred {
		k := outKey{d.msg.Edge, d.to}
		if blocked[k] {
			keep = append(keep, d)
			continue
		}
		ch := w.mesh.Channel(d.msg.Edge, w.cfg.Index, d.to)
		ok, err := ch.TrySend(d.msg)
		if err != nil || !ok {
			blocked[k] = true
			keep = append(keep, d)
			continue
		}
		w.moved = true
		w.tracker.Decr(d.node, d.msg.Epoch)
		w.deferredByNode[d.node]--
		w.deferredByChan[k]--
	}
	w.deferred = keep
}

// fireWindows finalizes every hosted window whose epoch range sits fully
// below the global frontier. Results are emitted at the epoch right after
// the window's end, which the pending-work charge taken at bucket creation
// has kept open.
func (w *Worker) fireWindows() error {
	gf := w.global.Frontier()
	for node, st := range w.stages {
		if st.Kind() != graph.KindWindow {
			continue
		}
		for _, fired := range st.FireRipe(gf) {
			emitAt := st.WindowSpec().End(fired.Idx) + 1
			for _, rec := range fired.Records {
				if err := w.route(node, emitAt, rec); err != nil {
					return err
				}
			}
			w.tracker.Decr(node, emitAt)
			w.met.AddWindowsFired(1)
			w.moved = true
		}
	}
	return nil
}

// advanceFrontier recomputes the local frontier: the tracker's view plus
// anything still buffered on inbound channels. It never decreases.
func (w *Worker) advanceFrontier() {
	f := w.tracker.Frontier()
	for node := range w.stages {
		for _, ei := range w.g.InEdges(node) {
			e := w.g.Edges()[ei]
			for _, from := range w.g.Hosts(e.From, w.cfg.Workers) {
				ch := w.mesh.Channel(ei, from, w.cfg.Index)
				if ch == nil {
					continue
				}
				if min, ok := ch.MinBufferedEpoch(); ok && min < f {
					f = min
				}
			}
		}
	}
	if f < w.frontier {
		f = w.frontier
	}
	if f > w.frontier {
		w.met.AddEpochsClosed(uint64(minEpoch(f, w.maxEpochSeen+1) - minEpoch(w.frontier, w.maxEpochSeen+1)))
		w.frontier = f
		w.moved = true
	}
	w.global.Update(w.cfg.Index, w.frontier)
}

// nodeFrontier is the lowest epoch one hosted operator might still emit:
// its source epoch if it is a source, the promises and buffered epochs of
// its inbound lanes, and any outstanding work charged to it. Promises
// derive from source epochs and propagate downstream one hop per cycle, so
// they are never defined in terms of themselves.
func (w *Worker) nodeFrontier(node int) models.Epoch {
	f := models.CloseEpoch
	if w.stages[node].Kind() == graph.KindSource {
		f = w.tracker.SourceEpoch(node)
	}
	for _, ei := range w.g.InEdges(node) {
		e := w.g.Edges()[ei]
		for _, from := range w.g.Hosts(e.From, w.cfg.Workers) {
			p := w.tracker.ChannelPromise(progress.ChanKey{Edge: ei, From: from})
			if ch := w.mesh.Channel(ei, from, w.cfg.Index); ch != nil {
				if min, ok := ch.MinBufferedEpoch(); ok && min < p {
					p = min
				}
			}
			if p < f {
				f = p
			}
		}
	}
	if min, ok := w.tracker.OutstandingMin(node); ok && min < f {
		f = min
	}
	return f
}

// loopQuiescent reports whether nothing on this worker can ever produce
// another message: all sources exhausted, no outstanding work, nothing
// deferred, stashed, or buffered. With a single worker this is a complete
// view of the dataflow, so feedback promises may close outright instead of
// advancing one epoch per cycle. A multi-worker feedback loop cannot
// observe emptiness locally and is expected to stop via the shutdown
// signal.
func (w *Worker) loopQuiescent() bool {
	if len(w.deferred) > 0 || len(w.stash) > 0 {
		return false
	}
	for node := range w.srcEpoch {
		if !w.srcDone[node] {
			return false
		}
	}
	if !w.tracker.Idle() {
		return false
	}
	for node := range w.stages {
		for _, ei := range w.g.InEdges(node) {
			e := w.g.Edges()[ei]
			for _, from := range w.g.Hosts(e.From, w.cfg.Workers) {
				if ch := w.mesh.Channel(ei, from, w.cfg.Index); ch != nil && ch.Len() > 0 {
					return false
				}
			}
		}
	}
	return true
}

// publishProgress sends each operator's frontier as a promise on its
// outbound channels and broadcasts the worker frontier to every peer, when
// they changed.
func (w *Worker) publishProgress() {
	for node := range w.stages {
		nf := w.nodeFrontier(node)
		for _, ei := range w.g.OutEdges(node) {
			e := w.g.Edges()[ei]
			promise := nf
			if e.Feedback && promise != models.CloseEpoch {
				if w.cfg.Workers == 1 && w.loopQuiescent() {
					promise = models.CloseEpoch
				} else {
					promise++
				}
			}
			for _, to := range w.g.Hosts(e.To, w.cfg.Workers) {
				k := outKey{ei, to}
				if w.lastPromise[k] == promise && w.promised[k] {
					continue
				}
				ch := w.mesh.Channel(ei, w.cfg.Index, to)
				if ch == nil {
					continue
				}
				if err := ch.SendProgress(fabric.Progress{Edge: ei, From: w.cfg.Index, Frontier: promise}); err == nil {
					w.lastPromise[k] = promise
					w.promised[k] = true
				}
			}
		}
	}
	if !w.broadcasted || w.lastBroadcast != w.frontier || w.lastBroadcastMax != w.maxEpochSeen {
		w.mesh.Broadcast(fabric.FrontierUpdate{
			Worker:   w.cfg.Index,
			Frontier: w.frontier,
			MaxSeen:  w.maxEpochSeen,
		})
		w.lastBroadcast = w.frontier
		w.lastBroadcastMax = w.maxEpochSeen
		w.broadcasted = true
	}
}

// maybeSnapshot runs phase one of the checkpoint protocol when the
// frontier has passed the current target, then reopens the barrier for the
// next one.
func (w *Worker) maybeSnapshot(ioCtx context.Context) error {
	if w.snapTarget == models.CloseEpoch || w.frontier <= w.snapTarget {
		return nil
	}
	if w.frontier == models.CloseEpoch && w.snapTarget > w.maxSeenEverywhere() {
		// No data anywhere at or beyond this target. A peer could still
		// raise the dataflow-wide maximum until every frontier is closed,
		// so the target is only retired once the global frontier is too.
		if w.global.Frontier() == models.CloseEpoch {
			w.snapTarget = models.CloseEpoch
		}
		return nil
	}

	target := w.snapTarget
	snap := w.collectSnapshot(target)
	if err := w.snapman.WriteWorker(snap); err != nil {
		w.snapAttempts++
		w.log.Warn().Err(err).Int("attempt", w.snapAttempts).Uint64("epoch", uint64(target)).
			Msg("snapshot write failed, will retry")
		if w.snapAttempts >= w.cfg.SnapshotRetries {
			return fmt.Errorf("%w: epoch %d after %d attempts: %v", ErrSnapshotFailed, target, w.snapAttempts, err)
		}
		return nil
	}
	w.snapAttempts = 0
	w.met.AddSnapshotsWritten(1)
	w.uncommitted = append(w.uncommitted, target)
	w.snapTarget = w.snapman.NextTarget(target)
	w.moved = true
	return w.processStash(ioCtx)
}

// collectSnapshot serializes every hosted stateful operator and every
// hosted source position as of the target epoch. The barrier guarantees no
// effect of a later epoch has touched this state.
func (w *Worker) collectSnapshot(target models.Epoch) *store.Snapshot {
	snap := &store.Snapshot{Worker: w.cfg.Index, Epoch: target}
	for _, st := range w.stages {
		if st.Stateful() {
			snap.Entries = append(snap.Entries, st.Snapshot()...)
		}
		if st.Kind() == graph.KindSource {
			snap.Positions = append(snap.Positions, store.SourcePosition{
				SourceID: st.ID(),
				Pos:      st.Source().Position(),
			})
		}
	}
	return snap
}

// processStash replays messages that were held back by the barrier, up to
// the new target. Later ones stay stashed for the next barrier.
func (w *Worker) processStash(ioCtx context.Context) error {
	if len(w.stash) == 0 {
		return nil
	}
	var keep []fabric.Message
	for _, m := range w.stash {
		if m.Epoch > w.snapTarget {
			keep = append(keep, m)
			continue
		}
		node := w.g.Edges()[m.Edge].To
		if err := w.process(ioCtx, node, w.stages[node], m); err != nil {
			return err
		}
		w.tracker.Decr(node, m.Epoch)
	}
	w.stash = keep
	return nil
}

// tryCommits runs phase two for every snapshot this worker wrote but has
// not yet seen committed. Any worker may commit; the attempt is idempotent.
func (w *Worker) tryCommits() {
	for len(w.uncommitted) > 0 {
		e := w.uncommitted[0]
		ok, err := w.snapman.TryCommit(e)
		if err != nil {
			w.log.Warn().Err(err).Uint64("epoch", uint64(e)).Msg("marker commit attempt failed, will retry")
			return
		}
		if !ok {
			return // peers not done yet; retry next cycle
		}
		w.met.AddMarkersCommitted(1)
		w.uncommitted = w.uncommitted[1:]
		w.moved = true
	}
}

// maxSeenEverywhere is the highest epoch any worker has reported data at.
// A checkpoint target at or below it must be snapshotted by every worker,
// even one whose own partitions never saw a record.
func (w *Worker) maxSeenEverywhere() models.Epoch {
	max := w.maxEpochSeen
	for _, m := range w.peerMax {
		if m > max {
			max = m
		}
	}
	return max
}

func minEpoch(a, b models.Epoch) models.Epoch {
	if a < b {
		return a
	}
	return b
}
