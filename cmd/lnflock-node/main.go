// Command lnflock-node runs one member of a Lightning rebalancing
// cluster.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"lnflock/internal/config"
	"lnflock/internal/daemon"
	"lnflock/internal/metrics"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: lnflock-node <run|status> [args]")
	fmt.Fprintln(w, "  run    --config <path> [--debug]")
	fmt.Fprintln(w, "  status --config <path>")
}

func runNode(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "/etc/lnflock/config.yaml", "path to config.yaml")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := daemon.New(cfg, logger, daemon.Options{})
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	if err := r.Run(ctx); err != nil {
		logger.Error("node exited", zap.Error(err))
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "/etc/lnflock/config.yaml", "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config load failed: %v\n", err)
		return 1
	}
	if cfg.SnapshotPath == "" {
		fmt.Fprintln(stderr, "no snapshotPath configured")
		return 1
	}
	data, err := os.ReadFile(cfg.SnapshotPath)
	if err != nil {
		fmt.Fprintf(stderr, "read snapshot: %v\n", err)
		return 1
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(stderr, "parse snapshot: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "generated at: %s\n", snap.GeneratedAt)
	fmt.Fprintf(stdout, "envelopes: verified=%d drop_signature=%d drop_stale=%d drop_unknown=%d send_dropped=%d\n",
		snap.Envelope.Verified, snap.Envelope.DropSignature, snap.Envelope.DropStale,
		snap.Envelope.DropUnknown, snap.Envelope.SendDropped)
	fmt.Fprintf(stdout, "rebalances: requested=%d confirmed=%d failed=%d policy_rejected=%d payments_paid=%d\n",
		snap.Rebalance.Requested, snap.Rebalance.Confirmed, snap.Rebalance.Failed,
		snap.Rebalance.PolicyRejected, snap.Rebalance.PaymentsPaid)
	fmt.Fprintf(stdout, "sessions: up=%d down=%d\n", snap.Peers.SessionsUp, snap.Peers.SessionsDown)
	return 0
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
