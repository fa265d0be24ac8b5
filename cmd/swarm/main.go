package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stefantrew2/swarm"
	"github.com/stefantrew2/swarm/config"
	"github.com/stefantrew2/swarm/utils"
)

const Version = "0.1.0"

const usage = `Swarm replica host.

Usage:
    swarm [--config=<file>] [--dir=<dir>] [--listen=<addr>...] [--connect=<addr>...] [--metrics=<addr>] [--log=<level>] [--batch]
    swarm -h | --help
    swarm --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<file>      YAML config, SWARM_* environment variables override it.
    --dir=<dir>          Op log directory.
    --listen=<addr>      Accept peers, e.g. tcp://:7070.
    --connect=<addr>     Keep a connection to a peer.
    --metrics=<addr>     Serve prometheus metrics, e.g. :9090.
    --log=<level>        debug, info, warn or error.
    --batch              Read commands from stdin without the line editor.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}
	if err = run(opts); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(opts docopt.Opts) error {
	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if dir, _ := opts.String("--dir"); dir != "" {
		cfg.Store.Dir = dir
	}
	if level, _ := opts.String("--log"); level != "" {
		cfg.Log.Level = level
	}
	if listen, ok := opts["--listen"].([]string); ok && len(listen) > 0 {
		cfg.Net.Listen = listen
	}
	if connect, ok := opts["--connect"].([]string); ok && len(connect) > 0 {
		cfg.Net.Connect = connect
	}

	log := utils.NewDefaultLogger(utils.ParseLevel(cfg.Log.Level))
	host, err := swarm.Open(swarm.OptionsFromConfig(cfg, log))
	if err != nil {
		return err
	}
	defer host.Close()

	if addr, _ := opts.String("--metrics"); addr != "" {
		reg := prometheus.NewRegistry()
		if err = host.RegisterMetrics(reg); err != nil {
			return err
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	for _, addr := range cfg.Net.Listen {
		if err = host.Listen(addr); err != nil {
			return err
		}
	}
	for _, addr := range cfg.Net.Connect {
		if err = host.Connect(addr); err != nil {
			return err
		}
	}

	console := NewConsole(host, os.Stdout)
	if batch, _ := opts.Bool("--batch"); batch {
		return console.RunScript(os.Stdin)
	}
	return console.Run()
}
