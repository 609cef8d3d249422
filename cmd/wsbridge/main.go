package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	docopt "github.com/docopt/docopt-go"
	"github.com/taskcluster/wsbridge/cfg"
	"github.com/taskcluster/wsbridge/demo"
	"github.com/taskcluster/wsbridge/util"
)

const version = "wsbridge 1.0.0"

func usage() string {
	return `
wsbridge serves dynamically registered handlers to WebSocket clients.

Usage:
	wsbridge [--config=<file>] [--demo]
	wsbridge --config-help
	wsbridge -h | --help
	wsbridge --version

Options:
	-h --help          Show help
	--version          Show version
	--config=<file>    YAML configuration file; defaults apply without one
	--demo             Register every demo handler on top of the configured ones
	--config-help      Describe the configuration file format
`
}

func main() {
	opts, err := docopt.ParseArgs(usage(), os.Args[1:], version)
	if err != nil {
		log.Printf("Error parsing command-line arguments: %s", err)
		os.Exit(1)
	}

	if help, _ := opts.Bool("--config-help"); help {
		fmt.Println(cfg.Usage())
		return
	}

	filename, _ := opts.String("--config")
	config, err := cfg.Load(filename)
	if err != nil {
		log.Printf("Error loading configuration: %s", err)
		os.Exit(1)
	}
	if all, _ := opts.Bool("--demo"); all {
		for _, spec := range demo.All() {
			config.Handlers = append(config.Handlers, cfg.HandlerConfig{Name: spec.Name})
		}
	}

	logger, err := util.NewLogger(util.LogConfig{
		Name:       "wsbridge",
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		SyslogAddr: config.Logging.SyslogAddr,
	})
	if err != nil {
		log.Printf("Error setting up logging: %s", err)
		os.Exit(1)
	}

	b, err := newBridge(config, logger)
	if err != nil {
		logger.WithField("error", err.Error()).Error("could not start")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := b.run(ctx); err != nil {
		logger.WithField("error", err.Error()).Error("stopped with error")
		os.Exit(1)
	}
}
