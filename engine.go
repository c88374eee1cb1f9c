package weir

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weir-run/weir/internal/connector"
	"github.com/weir-run/weir/internal/fabric"
	"github.com/weir-run/weir/internal/graph"
	"github.com/weir-run/weir/internal/logger"
	"github.com/weir-run/weir/internal/metrics"
	"github.com/weir-run/weir/internal/models"
	"github.com/weir-run/weir/internal/snapshot"
	"github.com/weir-run/weir/internal/stage"
	"github.com/weir-run/weir/internal/store"
	"github.com/weir-run/weir/internal/worker"
)

var (
	// ErrRecovery marks failures of the checkpoint and recovery machinery:
	// an unreadable store, corrupt state, a worker count mismatch, or an
	// exhausted snapshot write budget.
	ErrRecovery = errors.New("weir: recovery failure")
	// ErrConnector marks connector failures that outlived their retry
	// budget, including failure to open a source or sink at startup.
	ErrConnector = errors.New("weir: connector failure")
)

// ExitCode maps a Run result to a process exit code: 0 for clean shutdown
// or completion, 2 for recovery failures, 4 for connector failures, 3 for
// everything else (operator errors).
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrRecovery):
		return 2
	case errors.Is(err, ErrConnector):
		return 4
	default:
		return 3
	}
}

// Config tunes one engine.
type Config struct {
	// Workers is the number of worker goroutines. A recovered run must use
	// the worker count recorded in its checkpoint.
	Workers int
	// MaxInFlight bounds how many epochs a source may run ahead of its
	// worker's frontier.
	MaxInFlight uint64
	// BatchSize caps records per source poll and per channel per cycle.
	BatchSize int
	// ChannelBuffer is the default data-lane capacity per channel.
	ChannelBuffer int
	// Checkpoint selects the snapshot cadence.
	Checkpoint snapshot.Interval
	// EpochPace, when set, advances source epochs on wall-clock expiry
	// instead of once per admitted batch. It also resolves a wall-clock
	// checkpoint interval into epochs.
	EpochPace time.Duration
	// StoreBackend selects the checkpoint store: "badger" or "bolt".
	StoreBackend string
	// StoreDir is the checkpoint store directory.
	StoreDir string
	// SnapshotRetries bounds consecutive failed snapshot writes per worker.
	SnapshotRetries int
	// ConnectorRetries bounds transient source and sink retries before a
	// fault turns fatal. Zero disables the retry wrappers.
	ConnectorRetries uint64
	// IdlePause is slept by a worker whose full cycle moved nothing.
	IdlePause time.Duration
}

func (c *Config) fill() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = 1024
	}
	if c.Checkpoint.Epochs == 0 && c.Checkpoint.Every == 0 {
		c.Checkpoint.Epochs = 10
	}
}

// Engine executes one dataflow. Build it with NewEngine, run it with Run;
// an engine runs once and is not reusable.
type Engine struct {
	cfg     Config
	g       *graph.Graph
	store   store.Store
	snapman *snapshot.Manager
	mesh    *fabric.Mesh
	met     *metrics.Metrics
	workers []*worker.Worker
	srcs    []connector.Source
	snks    []connector.Sink
	log     zerolog.Logger
}

// NewEngine compiles the dataflow, opens the checkpoint store, recovers
// the last committed checkpoint if one exists, and wires the workers. The
// engine is ready to Run on return; no connector has been opened yet.
func NewEngine(cfg Config, d *Dataflow) (*Engine, error) {
	cfg.fill()
	g, err := d.compile()
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.StoreBackend, cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecovery, err)
	}

	every := cfg.Checkpoint.Resolve(cfg.EpochPace)
	snapman := snapshot.NewManager(st, cfg.Workers, every)
	resume, err := snapman.Recover()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: %w", ErrRecovery, err)
	}

	e := &Engine{
		cfg:     cfg,
		g:       g,
		store:   st,
		snapman: snapman,
		mesh:    fabric.NewMesh(g, cfg.Workers, cfg.ChannelBuffer),
		met:     metrics.New(),
		log:     logger.GetLogger("engine"),
	}

	for wi := 0; wi < cfg.Workers; wi++ {
		stages, err := e.buildStages(d, wi)
		if err != nil {
			st.Close()
			return nil, err
		}
		if resume != nil {
			if err := restoreStages(stages, resume.ByWorker[wi]); err != nil {
				st.Close()
				return nil, fmt.Errorf("%w: worker %d: %w", ErrRecovery, wi, err)
			}
		}
		wcfg := worker.Config{
			Index:           wi,
			Workers:         cfg.Workers,
			MaxInFlight:     cfg.MaxInFlight,
			BatchSize:       cfg.BatchSize,
			EpochPace:       cfg.EpochPace,
			SnapshotRetries: cfg.SnapshotRetries,
			IdlePause:       cfg.IdlePause,
		}
		e.workers = append(e.workers, worker.New(wcfg, g, e.mesh, snapman, e.met, stages, resume))
	}
	return e, nil
}

// buildStages instantiates the operator partitions hosted by one worker.
func (e *Engine) buildStages(d *Dataflow, wi int) (map[int]*stage.Stage, error) {
	stages := make(map[int]*stage.Stage)
	for _, n := range e.g.Nodes() {
		if !e.g.HostedBy(n.Index, wi, e.cfg.Workers) {
			continue
		}
		id := n.Spec.ID
		switch n.Spec.Kind {
		case graph.KindSource:
			src := d.sources[id](wi)
			if e.cfg.ConnectorRetries > 0 {
				src = &connector.RetrySource{Source: src, MaxRetries: e.cfg.ConnectorRetries}
			}
			e.srcs = append(e.srcs, src)
			stages[n.Index] = stage.NewSource(n.Index, id, wi, src)
		case graph.KindStateless:
			stages[n.Index] = stage.NewStateless(n.Index, id, wi, d.maps[id])
		case graph.KindStateful:
			stages[n.Index] = stage.NewStateful(n.Index, id, wi, d.statefuls[id])
		case graph.KindWindow:
			w := d.windows[id]
			stages[n.Index] = stage.NewWindow(n.Index, id, wi, w.spec, w.fn)
		case graph.KindSink:
			snk := d.sinks[id](wi)
			if e.cfg.ConnectorRetries > 0 {
				snk = &connector.RetrySink{Sink: snk, MaxRetries: e.cfg.ConnectorRetries}
			}
			e.snks = append(e.snks, snk)
			stages[n.Index] = stage.NewSink(n.Index, id, wi, snk)
		default:
			return nil, fmt.Errorf("weir: operator %q: unknown kind %v", id, n.Spec.Kind)
		}
	}
	return stages, nil
}

// restoreStages loads one worker's recovered snapshot into its stages:
// operator state rows grouped by operator, source resume positions by
// source id. Rows naming an operator the worker does not host are fatal.
func restoreStages(stages map[int]*stage.Stage, snap *store.Snapshot) error {
	if snap == nil {
		return nil
	}
	byID := make(map[string]*stage.Stage, len(stages))
	for _, st := range stages {
		byID[st.ID()] = st
	}
	grouped := make(map[string][]store.StateEntry)
	for _, entry := range snap.Entries {
		grouped[entry.OperatorID] = append(grouped[entry.OperatorID], entry)
	}
	for id, entries := range grouped {
		st, ok := byID[id]
		if !ok || !st.Stateful() {
			return fmt.Errorf("%w: state rows for unknown operator %q", store.ErrCorruptState, id)
		}
		if err := st.Restore(entries); err != nil {
			return err
		}
	}
	for _, pos := range snap.Positions {
		st, ok := byID[pos.SourceID]
		if !ok || st.Kind() != graph.KindSource {
			return fmt.Errorf("%w: resume position for unknown source %q", store.ErrCorruptState, pos.SourceID)
		}
		if err := st.Source().ResumeFrom(pos.Pos); err != nil {
			return fmt.Errorf("source %q: resume: %w", pos.SourceID, err)
		}
	}
	return nil
}

// Run opens every connector, runs all workers to completion, then tears
// the fabric, connectors, and store down. Cancelling ctx requests a
// graceful shutdown: each worker finishes its cycle, including any
// checkpoint already due, before exiting.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.openConnectors(runCtx); err != nil {
		e.store.Close()
		return fmt.Errorf("%w: %w", ErrConnector, err)
	}

	e.log.Info().Int("workers", e.cfg.Workers).Msg("dataflow starting")
	errs := make(chan error, len(e.workers))
	var wg sync.WaitGroup
	for _, w := range e.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Run(runCtx); err != nil {
				errs <- err
				cancel() // peers must stop waiting on this worker's frontier
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	e.mesh.Close()
	e.closeConnectors()
	if err := e.store.Close(); err != nil {
		e.log.Warn().Err(err).Msg("checkpoint store close failed")
	}

	err := <-errs
	switch {
	case err == nil:
		e.log.Info().Msg("dataflow stopped")
		return nil
	case errors.Is(err, worker.ErrSnapshotFailed):
		return fmt.Errorf("%w: %w", ErrRecovery, err)
	case errors.Is(err, connector.ErrExhausted):
		return fmt.Errorf("%w: %w", ErrConnector, err)
	default:
		return err
	}
}

func (e *Engine) openConnectors(ctx context.Context) error {
	for _, s := range e.srcs {
		if err := s.Open(ctx); err != nil {
			return fmt.Errorf("open source: %w", err)
		}
	}
	for _, s := range e.snks {
		if err := s.Open(ctx); err != nil {
			return fmt.Errorf("open sink: %w", err)
		}
	}
	return nil
}

func (e *Engine) closeConnectors() {
	for _, s := range e.srcs {
		if err := s.Close(); err != nil {
			e.log.Warn().Err(err).Msg("source close failed")
		}
	}
	for _, s := range e.snks {
		if err := s.Close(); err != nil {
			e.log.Warn().Err(err).Msg("sink close failed")
		}
	}
}

// WorkerStatus is one worker's published progress.
type WorkerStatus struct {
	Index    int    `json:"index"`
	Frontier uint64 `json:"frontier"`
}

// Status is a point-in-time view of the run, served by the status
// endpoint.
type Status struct {
	GlobalFrontier uint64         `json:"global_frontier"`
	Done           bool           `json:"done"`
	Workers        []WorkerStatus `json:"workers"`
	Checkpoint     *store.Marker  `json:"checkpoint,omitempty"`
}

// Status reports the per-worker frontiers, the global frontier, and the
// last committed checkpoint.
func (e *Engine) Status() Status {
	s := Status{}
	global := models.CloseEpoch
	for _, w := range e.workers {
		f := w.LocalFrontier()
		s.Workers = append(s.Workers, WorkerStatus{Index: len(s.Workers), Frontier: uint64(f)})
		if f < global {
			global = f
		}
	}
	s.GlobalFrontier = uint64(global)
	s.Done = global == models.CloseEpoch
	if m, err := e.store.Marker(); err == nil {
		s.Checkpoint = &m
	}
	return s
}

// Metrics returns a copy of the engine counters.
func (e *Engine) Metrics() metrics.Snapshot {
	return e.met.Read()
}
