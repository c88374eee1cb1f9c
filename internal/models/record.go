package models

import "math"

// Epoch is the logical timestamp assigned to a unit of input admitted at a
// source. Every state mutation and every emitted record carries the epoch
// that caused it. Epochs are never reused.
type Epoch uint64

// CloseEpoch marks a channel or source that will never produce again. A
// frontier that reaches CloseEpoch has no pending work at any epoch.
const CloseEpoch = Epoch(math.MaxUint64)

// Record is the unit of data moved between operators. Key is used by
// key-hash routing and by keyed state; Data is opaque to the engine.
type Record struct {
	Key  string `json:"key"`
	Data []byte `json:"data"`
}
