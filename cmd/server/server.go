package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tulip/internal/chain"
	"tulip/internal/config"
	"tulip/internal/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app        = kingpin.New("tulip-server", "Dutch auction ledger server.")
	configPath = app.Flag("config", "Path to the YAML configuration file.").Short('c').Default("tulip.yaml").String()
	logLevel   = app.Flag("log-level", "Override the configured log level.").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("unable to load configuration")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	// Setup the engine, its journal and the network surfaces.
	srv, err := server.Create(ctx, stop, cfg, chain.SystemClock{})
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create server")
	}
	log.Info().Msg("starting\n" + srv.String())

	// Block on running the server.
	if err := srv.Run(); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func setupLogging(cfg config.Log) {
	level, err := cfg.ParseLevel()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	if level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
