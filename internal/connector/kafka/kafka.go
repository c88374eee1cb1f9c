// Package kafka adapts one Kafka partition to the engine's source and sink
// contract. Resume positions are partition offsets, so a recovered dataflow
// re-consumes exactly from the offset recorded in its checkpoint.
package kafka

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/weir-run/weir/internal/connector"
	"github.com/weir-run/weir/internal/logger"
	"github.com/weir-run/weir/internal/models"
)

// Config carries the connection details shared by source and sink.
type Config struct {
	Brokers   []string
	Topic     string
	Partition int32
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 || c.Topic == "" {
		return fmt.Errorf("kafka: brokers and topic are required")
	}
	return nil
}

// Source consumes a single topic partition.
type Source struct {
	cfg    Config
	client *kgo.Client
	offset int64
	log    zerolog.Logger
}

// NewSource builds a source over one partition. The partition index is
// fixed per instance; the engine creates one instance per worker partition.
func NewSource(cfg Config) *Source {
	return &Source{
		cfg: cfg,
		log: logger.GetLogger("kafka-source"),
	}
}

func (s *Source) Open(ctx context.Context) error {
	if err := s.cfg.validate(); err != nil {
		return err
	}
	s.log.Trace().Str("topic", s.cfg.Topic).Int32("partition", s.cfg.Partition).
		Int64("offset", s.offset).Msg("connecting to kafka cluster as a source")
	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			s.cfg.Topic: {s.cfg.Partition: kgo.NewOffset().At(s.offset)},
		}),
	)
	if err != nil {
		return fmt.Errorf("kafka source: %w", err)
	}
	s.client = client
	return nil
}

func (s *Source) Poll(ctx context.Context, max int) ([]models.Record, error) {
	fetches := s.client.PollRecords(ctx, max)
	if err := fetches.Err0(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("kafka source: %w", err)
	}
	var out []models.Record
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, models.Record{Key: string(r.Key), Data: r.Value})
		if r.Offset >= s.offset {
			s.offset = r.Offset + 1
		}
	})
	return out, nil
}

// Position encodes the next offset to consume as 8 big-endian bytes.
func (s *Source) Position() connector.Position {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(s.offset))
	return buf
}

func (s *Source) ResumeFrom(pos connector.Position) error {
	if len(pos) != 8 {
		return fmt.Errorf("kafka source: malformed position of %d bytes", len(pos))
	}
	s.offset = int64(binary.BigEndian.Uint64(pos))
	return nil
}

func (s *Source) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

// Sink produces records to a topic. Keys pass through so downstream
// consumers see the engine's record keys.
type Sink struct {
	cfg    Config
	client *kgo.Client
	log    zerolog.Logger
}

// NewSink builds a producer for the configured topic.
func NewSink(cfg Config) *Sink {
	return &Sink{
		cfg: cfg,
		log: logger.GetLogger("kafka-sink"),
	}
}

func (s *Sink) Open(ctx context.Context) error {
	if err := s.cfg.validate(); err != nil {
		return err
	}
	s.log.Trace().Str("topic", s.cfg.Topic).Msg("connecting to kafka cluster as a sink")
	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.DefaultProduceTopic(s.cfg.Topic),
	)
	if err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	s.client = client
	return nil
}

func (s *Sink) Write(ctx context.Context, rec models.Record, epoch models.Epoch) error {
	r := &kgo.Record{Key: []byte(rec.Key), Value: rec.Data}
	if err := s.client.ProduceSync(ctx, r).FirstErr(); err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
