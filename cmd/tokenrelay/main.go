// Command tokenrelay runs the sponsored-execution relay.
//
// Usage:
//
//	tokenrelay [flags]
//
// Flags:
//
//	--config       YAML configuration file
//	--http.host    JSON-RPC listen host (default: 127.0.0.1)
//	--http.port    JSON-RPC listen port (default: 8645)
//	--log.level    debug, info, warn or error (default: info)
//	--overhead     post-settlement overhead in gas
//	--version      Print version and exit
//
// Every setting can also be supplied through TOKENRELAY_* environment
// variables; flags win over the environment, which wins over the file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/eth2030/tokenrelay/log"
	"github.com/eth2030/tokenrelay/node"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// options are the command-line flags. Zero values mean "not given".
type options struct {
	config      string
	host        string
	port        int
	logLevel    string
	overhead    uint64
	showVersion bool
	set         map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("tokenrelay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.config, "config", "", "YAML configuration file")
	fs.StringVar(&opts.host, "http.host", "", "JSON-RPC listen host")
	fs.IntVar(&opts.port, "http.port", 0, "JSON-RPC listen port")
	fs.StringVar(&opts.logLevel, "log.level", "", "log level (debug, info, warn, error)")
	fs.Uint64Var(&opts.overhead, "overhead", 0, "post-settlement overhead in gas")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

// apply overlays explicitly given flags on cfg.
func (o *options) apply(cfg *node.Config) {
	if o.set["http.host"] {
		cfg.RPC.Host = o.host
	}
	if o.set["http.port"] {
		cfg.RPC.Port = o.port
	}
	if o.set["log.level"] {
		cfg.Log.Level = o.logLevel
	}
	if o.set["overhead"] {
		cfg.Policy.OverheadGas = o.overhead
	}
}

// loadConfig resolves file, environment and flags into a validated config.
func loadConfig(opts *options) (*node.Config, error) {
	cfg, err := node.LoadConfig(opts.config)
	if err != nil {
		return nil, err
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if opts.showVersion {
		fmt.Printf("tokenrelay %s (commit %s)\n", version, commit)
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	level, _ := log.ParseLevel(cfg.Log.Level)
	logger := log.New(log.Options{Level: level, Format: log.Format(cfg.Log.Format)})
	log.SetDefault(logger)

	logger.Info("tokenrelay starting",
		"version", version,
		"commit", commit,
		"rpc", cfg.RPCAddr(),
		"sponsorship", cfg.Pricing.Sponsorship,
		"strategies", cfg.Policy.Strategies,
		"replay", cfg.Replay.Backend,
		"overhead_gas", cfg.Policy.OverheadGas,
		"metrics", cfg.Metrics.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to create node", "err", err)
		return 1
	}
	if err := n.Start(); err != nil {
		logger.Error("failed to start node", "err", err)
		return 1
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := n.Stop(); err != nil {
		logger.Error("shutdown failed", "err", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
