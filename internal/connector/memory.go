package connector

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/weir-run/weir/internal/models"
)

// MemorySource serves a fixed sequence of batches from memory. Positions
// are batch indices, so resuming is a slice re-seek. It is the reference
// source for tests and for local experiments.
type MemorySource struct {
	batches [][]models.Record
	next    uint64
}

// NewMemorySource builds a source over the given batches. Each Poll returns
// exactly one batch.
func NewMemorySource(batches [][]models.Record) *MemorySource {
	return &MemorySource{batches: batches}
}

func (s *MemorySource) Open(ctx context.Context) error { return nil }

func (s *MemorySource) Poll(ctx context.Context, max int) ([]models.Record, error) {
	if s.next >= uint64(len(s.batches)) {
		return nil, ErrEndOfInput
	}
	batch := s.batches[s.next]
	s.next++
	return batch, nil
}

func (s *MemorySource) Position() Position {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, s.next)
	return buf
}

func (s *MemorySource) ResumeFrom(pos Position) error {
	if len(pos) != 8 {
		return fmt.Errorf("memory source: malformed position of %d bytes", len(pos))
	}
	s.next = binary.BigEndian.Uint64(pos)
	return nil
}

func (s *MemorySource) Close() error { return nil }

// Emitted is one record a MemorySink received, with the epoch it carried.
type Emitted struct {
	Epoch models.Epoch
	Rec   models.Record
}

// MemorySink captures everything written to it. FailFirst, when set, makes
// the first n writes fail so retry behaviour can be exercised.
type MemorySink struct {
	mu        sync.Mutex
	emitted   []Emitted
	FailFirst int
	failed    int
}

func (s *MemorySink) Open(ctx context.Context) error { return nil }

func (s *MemorySink) Write(ctx context.Context, rec models.Record, epoch models.Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed < s.FailFirst {
		s.failed++
		return fmt.Errorf("memory sink: transient fault %d", s.failed)
	}
	s.emitted = append(s.emitted, Emitted{Epoch: epoch, Rec: rec})
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Records returns a copy of everything written so far.
func (s *MemorySink) Records() []Emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Emitted, len(s.emitted))
	copy(out, s.emitted)
	return out
}
