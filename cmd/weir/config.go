package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"

	"github.com/weir-run/weir"
	"github.com/weir-run/weir/internal/connector"
	"github.com/weir-run/weir/internal/connector/kafka"
	"github.com/weir-run/weir/internal/models"
	"github.com/weir-run/weir/internal/snapshot"
)

func initFlags(ko *koanf.Koanf) error {
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	f.StringSlice("config", nil, "path to one or more config files (merged in order)")
	f.String("port", "8080", "port for the status server")
	f.Int("workers", 1, "number of workers")
	f.String("store.dir", ".weir/checkpoints", "checkpoint store directory")
	f.String("store.backend", "badger", "checkpoint store backend (badger or bolt)")
	f.String("log-file", "", "mirror logs to this file")
	f.Bool("dev", false, "human-readable console logging")
	f.Bool("version", false, "show current version of the build")

	if err := f.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	configs, _ := f.GetStringSlice("config")
	for _, path := range configs {
		var parser koanf.Parser
		switch path[strings.LastIndex(path, ".")+1:] {
		case "yaml", "yml":
			parser = yaml.Parser()
		case "json":
			parser = json.Parser()
		default:
			return fmt.Errorf("unsupported config file extension: %s", path)
		}
		if err := ko.Load(file.Provider(path), parser); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		return fmt.Errorf("reading flag config: %w", err)
	}
	return nil
}

func engineConfig(ko *koanf.Koanf) weir.Config {
	return weir.Config{
		Workers:       ko.Int("workers"),
		MaxInFlight:   uint64(ko.Int("engine.max_in_flight")),
		BatchSize:     ko.Int("engine.batch_size"),
		ChannelBuffer: ko.Int("engine.channel_buffer"),
		Checkpoint: snapshot.Interval{
			Epochs: uint64(ko.Int("checkpoint.epochs")),
			Every:  ko.Duration("checkpoint.every"),
		},
		EpochPace:        ko.Duration("engine.epoch_pace"),
		StoreBackend:     ko.String("store.backend"),
		StoreDir:         ko.String("store.dir"),
		SnapshotRetries:  ko.Int("checkpoint.retries"),
		ConnectorRetries: uint64(ko.Int("engine.connector_retries")),
		IdlePause:        ko.Duration("engine.idle_pause"),
	}
}

// endpointConfig describes one side of a configured pipeline.
type endpointConfig struct {
	Type    string   `koanf:"type"`
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
	Path    string   `koanf:"path"`
}

// pipelineConfig is one source-to-sink pipeline from the config file.
type pipelineConfig struct {
	Name   string         `koanf:"name"`
	Source endpointConfig `koanf:"source"`
	Sink   endpointConfig `koanf:"sink"`
	Route  string         `koanf:"route"`
}

// buildDataflow turns the pipelines section of the config into a dataflow.
// Each pipeline is a source connected straight to a sink; transforms need
// the library API, not the CLI.
func buildDataflow(ko *koanf.Koanf) (*weir.Dataflow, error) {
	var pipelines []pipelineConfig
	if err := ko.Unmarshal("pipelines", &pipelines); err != nil {
		return nil, fmt.Errorf("reading pipelines: %w", err)
	}
	if len(pipelines) == 0 {
		return nil, fmt.Errorf("no pipelines configured")
	}

	df := weir.NewDataflow()
	for i, p := range pipelines {
		if p.Name == "" {
			return nil, fmt.Errorf("pipeline %d has no name", i)
		}
		srcID := p.Name + "-source"
		snkID := p.Name + "-sink"

		srcFactory, srcOpts, err := sourceFactory(p.Source)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
		snkFactory, err := sinkFactory(p.Sink)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
		}

		df.Source(srcID, srcFactory, srcOpts...)
		df.Sink(snkID, snkFactory)
		df.Connect(srcID, snkID, edgeOptions(p.Route)...)
	}
	return df, nil
}

func sourceFactory(c endpointConfig) (connector.SourceFactory, []weir.OpOption, error) {
	switch c.Type {
	case "kafka":
		cfg := kafka.Config{Brokers: c.Brokers, Topic: c.Topic}
		return func(partition int) connector.Source {
			pc := cfg
			pc.Partition = int32(partition)
			return kafka.NewSource(pc)
		}, nil, nil
	case "file":
		if c.Path == "" {
			return nil, nil, fmt.Errorf("file source needs a path")
		}
		path := c.Path
		return func(partition int) connector.Source {
			return connector.NewFileSource(path)
		}, []weir.OpOption{weir.SinglePartition()}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported source type %q", c.Type)
	}
}

func sinkFactory(c endpointConfig) (connector.SinkFactory, error) {
	switch c.Type {
	case "kafka":
		cfg := kafka.Config{Brokers: c.Brokers, Topic: c.Topic}
		return func(partition int) connector.Sink {
			return kafka.NewSink(cfg)
		}, nil
	case "file":
		if c.Path == "" {
			return nil, fmt.Errorf("file sink needs a path")
		}
		path := c.Path
		return func(partition int) connector.Sink {
			return connector.NewFileSink(fmt.Sprintf("%s.%d", path, partition))
		}, nil
	case "stdout":
		return func(partition int) connector.Sink {
			return &stdoutSink{}
		}, nil
	default:
		return nil, fmt.Errorf("unsupported sink type %q", c.Type)
	}
}

func edgeOptions(route string) []weir.EdgeOption {
	switch route {
	case "key":
		return []weir.EdgeOption{weir.ByKey()}
	case "broadcast":
		return []weir.EdgeOption{weir.ToAll()}
	default:
		return nil
	}
}

type stdoutSink struct{}

func (*stdoutSink) Open(ctx context.Context) error { return nil }

func (*stdoutSink) Write(ctx context.Context, rec models.Record, epoch models.Epoch) error {
	_, err := fmt.Printf("[%d] %s %s\n", epoch, rec.Key, rec.Data)
	return err
}

func (*stdoutSink) Close() error { return nil }
