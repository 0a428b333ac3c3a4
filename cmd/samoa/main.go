package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/samoadb/samoa/cmd/samoa/app"
)

func main() {
	configPath := flag.String("config.file", "samoa.yaml", "path to the server config file")
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed loading config: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = level.NewFilter(logger, parseLevel(cfg.LogLevel))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	a, err := app.New(cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed building server", "err", err)
		os.Exit(1)
	}

	if err := a.Run(); err != nil {
		level.Error(logger).Log("msg", "failed starting server", "err", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	level.Info(logger).Log("msg", "shutdown signal received")
	if err := a.Stop(); err != nil {
		level.Error(logger).Log("msg", "error during shutdown", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) level.Option {
	switch s {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
