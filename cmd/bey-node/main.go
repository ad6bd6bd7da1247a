// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bey-node runs one bey transport engine: it listens for peers,
// answers "ping" tokens, logs tokens of the types named by --accept,
// and optionally serves Prometheus metrics. With --send-to it instead
// delivers a single token and exits once the delivery completes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/bey/lib/config"
	"github.com/bureau-foundation/bey/lib/process"
	"github.com/bureau-foundation/bey/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath     string
	logLevel       string
	metricsAddress string
	statsInterval  time.Duration
	accept         []string

	sendTo      string
	tokenType   string
	payload     string
	payloadFile string
	priority    string
	requireAck  bool
	timeout     time.Duration
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("bey-node", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to the node config file (default: $BEY_CONFIG)")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flagSet.StringVar(&opts.metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")
	flagSet.DurationVar(&opts.statsInterval, "stats-interval", time.Minute, "log engine statistics this often (0 disables)")
	flagSet.StringSliceVar(&opts.accept, "accept", nil, "token types to accept and log")
	flagSet.StringVar(&opts.sendTo, "send-to", "", "send one token to this peer and exit")
	flagSet.StringVar(&opts.tokenType, "type", "message", "token type for --send-to")
	flagSet.StringVar(&opts.payload, "payload", "", "token payload for --send-to")
	flagSet.StringVar(&opts.payloadFile, "payload-file", "", "read the --send-to payload from this file")
	flagSet.StringVar(&opts.priority, "priority", "normal", "priority for --send-to: low, normal, high, or critical")
	flagSet.BoolVar(&opts.requireAck, "ack", true, "require an acknowledgment for --send-to")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up on --send-to after this long")
	showVersion := flagSet.Bool("version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		version.Fprint(os.Stdout, "bey-node")
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}

	var cfg *config.Config
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := startNode(cfg, opts, logger)
	if err != nil {
		return err
	}
	defer node.close()

	if opts.sendTo != "" {
		return node.sendOnce(ctx, opts)
	}
	return node.serve(ctx, opts)
}
