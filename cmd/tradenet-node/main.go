package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"tradenet/internal/config"
	"tradenet/internal/crypto"
	"tradenet/internal/daemon"
	"tradenet/internal/logging"
	"tradenet/internal/metrics"
	"tradenet/internal/node"
	"tradenet/internal/peer"
	"tradenet/internal/store"
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
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "seeds":
		return runSeeds(args[1:], stdout, stderr)
	case "offers":
		return runOffers(args[1:], stdout, stderr)
	case "trades":
		return runTrades(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: tradenet-node <run|status|peers|seeds|offers|trades> [--config file] [args]")
	fmt.Fprintln(w, "  run    [--listen <host:port>] [--debug]")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  peers")
	fmt.Fprintln(w, "  seeds")
	fmt.Fprintln(w, "  offers")
	fmt.Fprintln(w, "  trades")
}

// loadConfig parses the shared --config flag plus any extra flags bound by
// the caller.
func loadConfig(fs *flag.FlagSet, args []string, stderr io.Writer) (*config.Config, bool) {
	fs.SetOutput(stderr)
	path := fs.String("config", "", "config file (yaml)")
	if err := fs.Parse(args); err != nil {
		return nil, false
	}
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	listen := fs.String("listen", "", "listen addr (host:port), overrides listen_addr")
	debug := fs.Bool("debug", false, "enable debug logging")
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log := logging.NewLoggerTo(stderr, cfg.GetLogLevel())

	runner, err := daemon.NewRunner(cfg, daemon.Options{Logger: log})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ready := make(chan string, 1)
	go func() {
		select {
		case addr := <-ready:
			fmt.Fprintf(stdout, "READY addr=%s node_id=%s\n", addr, runner.Self.IDHex())
		case <-ctx.Done():
		}
	}()
	if err := runner.Run(ctx, ready); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(flag.NewFlagSet("status", flag.ContinueOnError), args, stderr)
	if !ok {
		return 1
	}
	keys, err := crypto.LoadKeyRing(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stdout, "status: node unavailable: %v\n", err)
		return 1
	}
	db, err := store.Open(cfg.Storage.Backend, cfg.DataDir, cfg.SQLitePath())
	if err != nil {
		fmt.Fprintf(stdout, "status: storage unavailable: %v\n", err)
		return 1
	}
	defer db.Close()
	peers, _ := db.LoadPeers()
	offers, _ := db.LoadOpenOffers()
	trades, _ := db.LoadTrades()
	snap := readMetricsSnapshot(snapshotPath(cfg))
	id := node.DeriveNodeID(keys.SigPub)

	fmt.Fprintf(stdout, "node %x on %s (%s)\n", id[:8], cfg.ListenAddr, cfg.Network)
	fmt.Fprintf(stdout, "  known peers: %d\n", len(peers))
	fmt.Fprintf(stdout, "  active peers: %d\n", snap.CurrentConns)
	fmt.Fprintf(stdout, "  storage: accepted=%d rejected=%d removed=%d expired=%d\n",
		snap.Storage.Accepted, snap.Storage.Rejected, snap.Storage.Removed, snap.Storage.Expired)
	fmt.Fprintf(stdout, "  broadcasts: %d (failed sends %d)\n", snap.Gossip.Broadcast, snap.Gossip.BroadcastErr)
	fmt.Fprintf(stdout, "  open offers: %d\n", len(offers))
	fmt.Fprintf(stdout, "  trades: %d (started=%d completed=%d faulted=%d mailbox=%d)\n",
		len(trades), snap.Trade.Started, snap.Trade.Completed, snap.Trade.Faulted, snap.Trade.Mailbox)
	if !snap.GeneratedAt.IsZero() {
		fmt.Fprintf(stdout, "  metrics as of %s\n", snap.GeneratedAt.Format(time.RFC3339))
	}
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(flag.NewFlagSet("peers", flag.ContinueOnError), args, stderr)
	if !ok {
		return 1
	}
	db, err := store.Open(cfg.Storage.Backend, cfg.DataDir, cfg.SQLitePath())
	if err != nil {
		fmt.Fprintf(stdout, "peers: storage unavailable: %v\n", err)
		return 1
	}
	defer db.Close()
	peers, err := db.LoadPeers()
	if err != nil {
		fmt.Fprintf(stdout, "peers: %v\n", err)
		return 1
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].LastSeenMs > peers[j].LastSeenMs })
	for _, p := range peers {
		seen := time.UnixMilli(p.LastSeenMs).UTC().Format(time.RFC3339)
		fmt.Fprintf(stdout, "%s last_seen=%s caps=%v\n", p.Address, seen, p.Capabilities)
	}
	return 0
}

func runSeeds(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(flag.NewFlagSet("seeds", flag.ContinueOnError), args, stderr)
	if !ok {
		return 1
	}
	seeds := peer.DefaultSeeds()
	if len(cfg.Seeds) > 0 {
		var err error
		if seeds, err = peer.NewSeeds(cfg.Seeds); err != nil {
			fmt.Fprintf(stderr, "seeds: %v\n", err)
			return 1
		}
	}
	networkID, err := peer.NetworkID(cfg.Network)
	if err != nil {
		fmt.Fprintf(stderr, "seeds: %v\n", err)
		return 1
	}
	self, err := cfg.NodeAddress()
	if err != nil {
		fmt.Fprintf(stderr, "seeds: %v\n", err)
		return 1
	}
	for _, a := range seeds.SeedAddresses(cfg.UseLocalTransport, networkID, self, nil) {
		fmt.Fprintln(stdout, a)
	}
	return 0
}

func runOffers(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(flag.NewFlagSet("offers", flag.ContinueOnError), args, stderr)
	if !ok {
		return 1
	}
	db, err := store.Open(cfg.Storage.Backend, cfg.DataDir, cfg.SQLitePath())
	if err != nil {
		fmt.Fprintf(stdout, "offers: storage unavailable: %v\n", err)
		return 1
	}
	defer db.Close()
	offers, err := db.LoadOpenOffers()
	if err != nil {
		fmt.Fprintf(stdout, "offers: %v\n", err)
		return 1
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].Offer.ID < offers[j].Offer.ID })
	for _, o := range offers {
		of := o.Offer
		fmt.Fprintf(stdout, "%s %s %s/%s price=%d amount=%d..%d state=%s\n",
			of.ID, of.Direction, of.BaseCurrency, of.CounterCurrency, of.Price, of.MinAmount, of.Amount, o.State)
	}
	return 0
}

func runTrades(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(flag.NewFlagSet("trades", flag.ContinueOnError), args, stderr)
	if !ok {
		return 1
	}
	db, err := store.Open(cfg.Storage.Backend, cfg.DataDir, cfg.SQLitePath())
	if err != nil {
		fmt.Fprintf(stdout, "trades: storage unavailable: %v\n", err)
		return 1
	}
	defer db.Close()
	trades, err := db.LoadTrades()
	if err != nil {
		fmt.Fprintf(stdout, "trades: %v\n", err)
		return 1
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })
	for _, t := range trades {
		fmt.Fprintf(stdout, "%s role=%s phase=%s amount=%d peer=%s\n", t.ID, t.Role, t.Phase, t.Amount, t.Peer)
	}
	return 0
}

func snapshotPath(cfg *config.Config) string {
	if cfg.Metrics.SnapshotPath != "" {
		return cfg.Metrics.SnapshotPath
	}
	return filepath.Join(cfg.DataDir, "metrics.json")
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	snap, err := metrics.ReadSnapshot(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
