// Command weir runs config-defined dataflow pipelines with checkpointing
// and a status endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/knadh/koanf/v2"

	"github.com/weir-run/weir"
	"github.com/weir-run/weir/internal/httpd"
	"github.com/weir-run/weir/internal/logger"
)

var (
	buildString = "unknown"
	ko          = koanf.New(".")
)

func main() {
	if err := initFlags(ko); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.SetDevelopment(ko.Bool("dev"))
	if path := ko.String("log-file"); path != "" {
		logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer logFile.Close()
		logger.SetLogFile(logFile)
	}
	log := logger.GetLogger("weir")

	if ko.Bool("version") {
		fmt.Println(buildString)
		os.Exit(0)
	}
	log.Info().Str("build", buildString).Msg("starting")

	df, err := buildDataflow(ko)
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	engine, err := weir.NewEngine(engineConfig(ko), df)
	if err != nil {
		log.Error().Err(err).Msg("engine init failed")
		os.Exit(weir.ExitCode(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := httpd.New(":"+ko.String("port"), func() any { return engine.Status() }, engine)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Error().Err(err).Msg("status server failed")
		}
	}()

	err = engine.Run(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("dataflow failed")
	}
	os.Exit(weir.ExitCode(err))
}
