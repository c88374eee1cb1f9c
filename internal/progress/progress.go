// Package progress computes frontiers. Each worker runs one Tracker that
// accounts outstanding work per hosted operator per epoch; the worker's
// frontier is the lowest epoch it might still produce work for. Workers
// broadcast their frontiers and every worker folds the broadcasts into a
// GlobalView whose minimum is the global frontier. The reduction is a
// pointwise min over per-worker maxima, so repeated or reordered broadcasts
// converge to the same value without any coordinator.
package progress

import (
	"github.com/weir-run/weir/internal/models"
)

// ChanKey identifies an inbound lane: edge index plus sending worker.
type ChanKey struct {
	Edge, From int
}

// Tracker is one worker's view of its own pending work. All methods are
// called from the worker's scheduling loop only; the Tracker is not shared.
type Tracker struct {
	sources     map[int]models.Epoch
	outstanding map[int]map[models.Epoch]int
	channels    map[ChanKey]models.Epoch
	frontier    models.Epoch
}

// NewTracker returns an empty tracker. Sources and inbound channels must be
// registered before the first Frontier call; an unregistered channel would
// otherwise be invisible and allow the frontier to advance past epochs the
// channel may still deliver.
func NewTracker() *Tracker {
	return &Tracker{
		sources:     make(map[int]models.Epoch),
		outstanding: make(map[int]map[models.Epoch]int),
		channels:    make(map[ChanKey]models.Epoch),
	}
}

// RegisterSource declares a hosted source starting at epoch 0.
func (t *Tracker) RegisterSource(node int) {
	t.sources[node] = 0
}

// RegisterChannel declares an inbound lane with no promise yet, meaning the
// sender may still deliver at any epoch.
func (t *Tracker) RegisterChannel(k ChanKey) {
	t.channels[k] = 0
}

// SourceAt records that a hosted source will emit nothing below e from now
// on. A source that is exhausted passes models.CloseEpoch.
func (t *Tracker) SourceAt(node int, e models.Epoch) {
	if cur, ok := t.sources[node]; ok && e < cur {
		return
	}
	t.sources[node] = e
}

// Incr charges n units of outstanding work at epoch e to an operator.
func (t *Tracker) Incr(node int, e models.Epoch, n int) {
	m := t.outstanding[node]
	if m == nil {
		m = make(map[models.Epoch]int)
		t.outstanding[node] = m
	}
	m[e] += n
}

// Decr retires one unit of outstanding work at epoch e.
func (t *Tracker) Decr(node int, e models.Epoch) {
	m := t.outstanding[node]
	if m == nil {
		return
	}
	m[e]--
	if m[e] <= 0 {
		delete(m, e)
	}
}

// Promise records an upstream statement "nothing below e will arrive on
// this lane". Promises only ever advance.
func (t *Tracker) Promise(k ChanKey, e models.Epoch) {
	if cur, ok := t.channels[k]; ok && e < cur {
		return
	}
	t.channels[k] = e
}

// SourceEpoch returns the recorded lower bound of a hosted source.
func (t *Tracker) SourceEpoch(node int) models.Epoch {
	return t.sources[node]
}

// ChannelPromise returns the last recorded promise for an inbound lane.
func (t *Tracker) ChannelPromise(k ChanKey) models.Epoch {
	return t.channels[k]
}

// Idle reports whether no outstanding work is charged to any operator.
func (t *Tracker) Idle() bool {
	for _, m := range t.outstanding {
		if len(m) > 0 {
			return false
		}
	}
	return true
}

// OutstandingMin returns the lowest epoch with outstanding work charged to
// an operator, if any.
func (t *Tracker) OutstandingMin(node int) (models.Epoch, bool) {
	m := t.outstanding[node]
	if len(m) == 0 {
		return 0, false
	}
	min := models.CloseEpoch
	for e := range m {
		if e < min {
			min = e
		}
	}
	return min, true
}

// Frontier returns the lowest epoch this worker might still produce work
// for. It is non-decreasing over the life of the tracker.
func (t *Tracker) Frontier() models.Epoch {
	f := models.CloseEpoch
	for _, e := range t.sources {
		if e < f {
			f = e
		}
	}
	for _, perEpoch := range t.outstanding {
		for e := range perEpoch {
			if e < f {
				f = e
			}
		}
	}
	for _, e := range t.channels {
		if e < f {
			f = e
		}
	}
	if f < t.frontier {
		f = t.frontier
	}
	t.frontier = f
	return f
}

// GlobalView folds broadcast frontiers from every worker. Safe for use from
// a single worker loop; each worker owns its own view.
type GlobalView struct {
	frontiers []models.Epoch
}

// NewGlobalView tracks a cluster of the given size, all workers starting at
// epoch 0.
func NewGlobalView(workers int) *GlobalView {
	return &GlobalView{frontiers: make([]models.Epoch, workers)}
}

// Update folds one broadcast in. Stale broadcasts (below the recorded
// frontier for that worker) are ignored, which makes the fold idempotent
// and order-insensitive.
func (v *GlobalView) Update(worker int, f models.Epoch) {
	if f > v.frontiers[worker] {
		v.frontiers[worker] = f
	}
}

// Frontier returns the global frontier: the minimum over all workers.
func (v *GlobalView) Frontier() models.Epoch {
	f := models.CloseEpoch
	for _, e := range v.frontiers {
		if e < f {
			f = e
		}
	}
	return f
}

// PerWorker returns a copy of each worker's last known frontier.
func (v *GlobalView) PerWorker() []models.Epoch {
	out := make([]models.Epoch, len(v.frontiers))
	copy(out, v.frontiers)
	return out
}
