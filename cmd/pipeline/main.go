// Package main is the kotekan pipeline entrypoint: parses a JSON
// configuration document, builds a pipeline mode (ring buffers, metadata
// pool, frame assembler, and collaborator stages), and runs it to
// completion or until an operator signal requests shutdown.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/jbcm627-travis/kotekan/internal/pipeline"
	"github.com/jbcm627-travis/kotekan/internal/stage"
	"github.com/jbcm627-travis/kotekan/internal/stages"
)

var kotekanGitHash = "unknown" // set via -ldflags at build time

func main() {
	configPath := flag.String("config", "", "path to the pipeline's JSON configuration document")
	flag.Parse()

	if *configPath == "" {
		bootstrapLogger().Fatal("missing required -config flag")
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		bootstrapLogger().Fatalw("could not read config file", "path", *configPath, "err", err)
	}

	cfg, err := pipeline.Load(data)
	if err != nil {
		bootstrapLogger().Fatalw("invalid configuration", "err", err)
	}

	factory := stage.NewFactory()

	mode, err := pipeline.New(cfg, factory)
	if err != nil {
		bootstrapLogger().Fatalw("pipeline construction failed", "err", err)
	}

	factory.Register("frame_generator", stages.NewFrameGeneratorBuilder(mode.Pool(), mode.Logger()))
	factory.Register("raw_file_writer", stages.NewRawFileWriterBuilder(mode.Logger()))

	if err := pipeline.InitializeGPUTestMode(mode); err != nil {
		mode.Logger().Fatalw("pipeline mode initialization failed", "err", err)
	}

	mode.Logger().Infow("starting pipeline", "git_hash", kotekanGitHash, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		mode.Logger().Infow("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	mode.RunToCompletion(ctx)
	mode.Logger().Info("pipeline stopped")
}

// bootstrapLogger returns a bare stdout logger for configuration errors
// encountered before the mode (and its configured logging sink) exists.
func bootstrapLogger() *zap.SugaredLogger {
	l, _ := zap.NewProduction()
	return l.Sugar()
}
