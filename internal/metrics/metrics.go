// Package metrics holds the engine counters exposed over the status
// endpoint.
package metrics

import "sync/atomic"

// Metrics is a set of atomically updated counters shared by all workers of
// one engine.
type Metrics struct {
	batchesAdmitted   uint64
	recordsProcessed  uint64
	recordsEmitted    uint64
	epochsClosed      uint64
	windowsFired      uint64
	snapshotsWritten  uint64
	markersCommitted  uint64
	messagesDeferred  uint64
	duplicatesDropped uint64
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	BatchesAdmitted   uint64 `json:"batches_admitted"`
	RecordsProcessed  uint64 `json:"records_processed"`
	RecordsEmitted    uint64 `json:"records_emitted"`
	EpochsClosed      uint64 `json:"epochs_closed"`
	WindowsFired      uint64 `json:"windows_fired"`
	SnapshotsWritten  uint64 `json:"snapshots_written"`
	MarkersCommitted  uint64 `json:"markers_committed"`
	MessagesDeferred  uint64 `json:"messages_deferred"`
	DuplicatesDropped uint64 `json:"duplicates_dropped"`
}

func New() *Metrics { return &Metrics{} }

func (m *Metrics) AddBatchesAdmitted(n uint64)  { atomic.AddUint64(&m.batchesAdmitted, n) }
func (m *Metrics) AddRecordsProcessed(n uint64) { atomic.AddUint64(&m.recordsProcessed, n) }
func (m *Metrics) AddRecordsEmitted(n uint64)   { atomic.AddUint64(&m.recordsEmitted, n) }
func (m *Metrics) AddEpochsClosed(n uint64)     { atomic.AddUint64(&m.epochsClosed, n) }
func (m *Metrics) AddWindowsFired(n uint64)     { atomic.AddUint64(&m.windowsFired, n) }
func (m *Metrics) AddSnapshotsWritten(n uint64) { atomic.AddUint64(&m.snapshotsWritten, n) }
func (m *Metrics) AddMarkersCommitted(n uint64) { atomic.AddUint64(&m.markersCommitted, n) }
func (m *Metrics) AddMessagesDeferred(n uint64) { atomic.AddUint64(&m.messagesDeferred, n) }
func (m *Metrics) AddDuplicatesDropped(n uint64) {
	atomic.AddUint64(&m.duplicatesDropped, n)
}

// Read returns a consistent-enough copy for reporting.
func (m *Metrics) Read() Snapshot {
	return Snapshot{
		BatchesAdmitted:   atomic.LoadUint64(&m.batchesAdmitted),
		RecordsProcessed:  atomic.LoadUint64(&m.recordsProcessed),
		RecordsEmitted:    atomic.LoadUint64(&m.recordsEmitted),
		EpochsClosed:      atomic.LoadUint64(&m.epochsClosed),
		WindowsFired:      atomic.LoadUint64(&m.windowsFired),
		SnapshotsWritten:  atomic.LoadUint64(&m.snapshotsWritten),
		MarkersCommitted:  atomic.LoadUint64(&m.markersCommitted),
		MessagesDeferred:  atomic.LoadUint64(&m.messagesDeferred),
		DuplicatesDropped: atomic.LoadUint64(&m.duplicatesDropped),
	}
}
