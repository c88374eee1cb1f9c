// Package connector defines the abstract source and sink contract the
// scheduler consumes. Concrete connectors live in subpackages or in user
// code; the engine only ever sees these interfaces.
package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/weir-run/weir/internal/models"
)

var (
	// ErrEndOfInput is returned by Poll when a source is permanently
	// exhausted. It is not an error condition; the scheduler closes the
	// source's epochs out.
	ErrEndOfInput = errors.New("connector: end of input")
	// ErrExhausted wraps a transient connector fault that outlived its
	// retry budget. It surfaces as a fatal dataflow error.
	ErrExhausted = errors.New("connector: retries exhausted")
)

// Position is an opaque resume token. A source must be able to seek back to
// any Position it has previously returned.
type Position []byte

// Source is one partition of an input operator.
//
// ResumeFrom must be called before Open when recovering; Position reflects
// everything returned by Poll so far, so re-opening at that position
// replays exactly the records not yet covered by a checkpoint.
type Source interface {
	Open(ctx context.Context) error
	// Poll returns at most max records, or an empty batch when nothing is
	// available right now. It must not block indefinitely.
	Poll(ctx context.Context, max int) ([]models.Record, error)
	Position() Position
	ResumeFrom(pos Position) error
	Close() error
}

// Sink is one partition of an output operator. Sinks are not required to be
// idempotent; after a recovery they may see records for replayed epochs
// again, and tolerating that is part of the sink contract.
type Sink interface {
	Open(ctx context.Context) error
	Write(ctx context.Context, rec models.Record, epoch models.Epoch) error
	Close() error
}

// SourceFactory builds the source instance for one partition.
type SourceFactory func(partition int) Source

// SinkFactory builds the sink instance for one partition.
type SinkFactory func(partition int) Sink

// RetrySink retries transient Write failures with exponential backoff
// before letting them escalate.
type RetrySink struct {
	Sink
	MaxRetries uint64
}

// Write retries the wrapped sink. Exhaustion is reported as ErrExhausted;
// context cancellation passes through untouched.
func (s *RetrySink) Write(ctx context.Context, rec models.Record, epoch models.Epoch) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.MaxRetries), ctx)
	err := backoff.Retry(func() error {
		return s.Sink.Write(ctx, rec, epoch)
	}, b)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: sink write: %v", ErrExhausted, err)
}

// RetrySource retries transient Poll failures with exponential backoff.
// ErrEndOfInput is terminal and never retried.
type RetrySource struct {
	Source
	MaxRetries uint64
}

// Poll retries the wrapped source.
func (s *RetrySource) Poll(ctx context.Context, max int) ([]models.Record, error) {
	var out []models.Record
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.MaxRetries), ctx)
	err := backoff.Retry(func() error {
		batch, err := s.Source.Poll(ctx, max)
		if errors.Is(err, ErrEndOfInput) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		out = batch
		return nil
	}, b)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, ErrEndOfInput) {
		return nil, ErrEndOfInput
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: source poll: %v", ErrExhausted, err)
}
