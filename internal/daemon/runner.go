// Package daemon wires a node together: persistence, protected storage, the
// QUIC transport, the connection manager, messaging and the trade managers.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tradenet/internal/config"
	"tradenet/internal/debugsrv"
	"tradenet/internal/events"
	"tradenet/internal/events/memory"
	"tradenet/internal/events/redis"
	"tradenet/internal/messaging"
	"tradenet/internal/metrics"
	"tradenet/internal/network"
	"tradenet/internal/node"
	"tradenet/internal/peer"
	"tradenet/internal/proto"
	"tradenet/internal/storage"
	"tradenet/internal/store"
	"tradenet/internal/task"
	"tradenet/internal/trade"
	"tradenet/internal/wallet"
)

const (
	// maintenanceInterval paces registration refreshes and mailbox
	// republishing.
	maintenanceInterval = time.Hour
	shutdownGrace       = 3 * time.Second
	snapshotFile        = "metrics.json"
)

type Options struct {
	// Transport replaces the QUIC client. Inbound frames must then be fed
	// to Handle by whoever owns the listener.
	Transport network.Transport
	Wallet    wallet.Service
	Seeds     *peer.Seeds
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Runner struct {
	Config    *config.Config
	Self      *node.Node
	Store     *storage.Store
	Metrics   *metrics.Metrics
	Events    events.Publisher
	Messaging *messaging.Service
	Wallet    wallet.Service
	Executor  *task.Executor
	Book      *trade.OfferBook
	Registry  *trade.Registry
	Offers    *trade.OpenOfferManager
	Trades    *trade.Manager

	db       store.Backend
	client   *network.Client
	server   *network.Server
	cm       *connMan
	clk      clock.Clock
	log      *slog.Logger
	snapPath string

	listenMu   sync.RWMutex
	listenAddr string

	stopOnce sync.Once
	stopErr  error
}

// NewRunner builds every component from cfg and restores persisted state.
// Nothing touches the network until Run or Serve.
func NewRunner(cfg *config.Config, opts Options) (r *Runner, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing config")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	addr, err := cfg.NodeAddress()
	if err != nil {
		return nil, err
	}
	networkID, err := peer.NetworkID(cfg.Network)
	if err != nil {
		return nil, err
	}
	seeds := opts.Seeds
	if seeds == nil {
		seeds, err = seedsFor(cfg)
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Storage.Backend, cfg.DataDir, cfg.SQLitePath())
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()

	self, err := node.NewNode(cfg.DataDir, addr, node.Options{
		PeerStore: db,
		PeerCap:   cfg.P2P.MaxReportedPeers,
		Clock:     clk,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	pub, err := newPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	r = &Runner{
		Config:   cfg,
		Self:     self,
		Metrics:  m,
		Events:   pub,
		Executor: task.NewExecutor(clk, log),
		db:       db,
		clk:      clk,
		log:      log.With("component", "daemon", "node", addr.String()),
		snapPath: cfg.Metrics.SnapshotPath,
	}
	if r.snapPath == "" {
		r.snapPath = filepath.Join(cfg.DataDir, snapshotFile)
	}

	tr := opts.Transport
	if tr == nil {
		client, err := network.NewClient(network.ClientOptions{})
		if err != nil {
			return nil, err
		}
		r.client = client
		r.server = network.NewServer(network.ServerOptions{
			MaxConnsPerHost:   cfg.P2P.MaxConnsPerHost,
			MaxStreamsPerHost: cfg.P2P.MaxStreamsPerIP,
		})
		tr = client
	}

	r.Store = storage.New(storage.Options{
		Clock:       clk,
		Logger:      log,
		Persistence: db,
		Observer:    m,
	})
	r.cm = newConnMan(addr, connManConfig{
		MinConns:    cfg.P2P.MinConnections,
		MaxConns:    cfg.P2P.MaxConnections,
		PexInterval: cfg.P2P.PexInterval,
		DialTimeout: cfg.P2P.DialTimeout,
		UseLocal:    cfg.UseLocalTransport,
		NetworkID:   networkID,
	}, self.Peers, seeds, r.Store, tr, m, clk, log)
	r.Store.SetBroadcaster(r.cm)

	r.Wallet = opts.Wallet
	if r.Wallet == nil {
		r.Wallet, err = wallet.NewMemory(cfg.Wallet.Balance)
		if err != nil {
			return nil, err
		}
	}

	r.Messaging = messaging.New(messaging.Options{
		Self:      addr,
		Keys:      self.Keys,
		Caps:      proto.SupportedCapabilities(),
		Transport: tr,
		Storage:   r.Store,
		Executor:  r.Executor,
		Clock:     clk,
		Logger:    log,
		Observer:  m,
	})
	to := trade.Options{
		Self:              addr,
		Keys:              self.Keys,
		Storage:           r.Store,
		Messaging:         r.Messaging,
		Wallet:            r.Wallet,
		Executor:          r.Executor,
		Clock:             clk,
		Events:            pub,
		Persister:         db,
		Observer:          m,
		Logger:            log,
		PriceTolerance:    cfg.Trade.PriceTolerance,
		SendTimeout:       cfg.Trade.SendTimeout,
		DepositTimeout:    cfg.Trade.DepositTimeout,
		LockBlocks:        cfg.Trade.LockBlocks,
		RefreshInterval:   cfg.Offer.RefreshInterval,
		AutoDelayedPayout: cfg.Trade.AutoDelayedPayout,
	}
	r.Book = trade.NewOfferBook(r.Store, pub, log)
	r.Registry = trade.NewRegistry(to)
	r.Offers = trade.NewOpenOfferManager(to, r.Registry)
	r.Trades = trade.NewManager(to, r.Book, r.Offers, r.Registry)

	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// load restores state in dependency order: storage first so the offer book
// and mailbox listeners see restored entries, then own offers and trades.
func (r *Runner) load() error {
	if err := r.Store.Load(); err != nil {
		return fmt.Errorf("load storage: %w", err)
	}
	if err := r.Offers.Load(); err != nil {
		return fmt.Errorf("load open offers: %w", err)
	}
	if err := r.Trades.Load(); err != nil {
		return fmt.Errorf("load trades: %w", err)
	}
	r.log.Info("state restored",
		"entries", r.Store.Len(),
		"peers", r.Self.Peers.Len(),
		"open_offers", len(r.Offers.List()),
		"trades", len(r.Trades.Trades()))
	return nil
}

func seedsFor(cfg *config.Config) (*peer.Seeds, error) {
	if len(cfg.Seeds) > 0 {
		return peer.NewSeeds(cfg.Seeds)
	}
	return peer.DefaultSeeds(), nil
}

func newPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Type {
	case "redis":
		return redis.NewRedisPublisher(cfg.RedisURL)
	case "memory", "":
		return memory.NewInMemoryPublisher(cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("unknown events type %q", cfg.Type)
	}
}

// Run listens on the configured address and runs the node until ctx is
// done. The bound address is sent on ready once the listener is up.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	if r.server == nil {
		return fmt.Errorf("runner built with an external transport, use Serve")
	}
	g, gctx := errgroup.WithContext(ctx)
	listening := make(chan net.Addr, 1)
	g.Go(func() error {
		return r.server.ListenAndServe(gctx, r.Config.ListenAddr, listening, r.Handle)
	})
	select {
	case a := <-listening:
		r.setListenAddr(a.String())
		r.log.Info("listening", "addr", a.String(), "node_id", r.Self.IDHex())
		if ready != nil {
			select {
			case ready <- a.String():
			default:
			}
		}
	case <-gctx.Done():
		err := g.Wait()
		return multierr.Append(err, r.shutdown())
	}
	g.Go(func() error { return r.Serve(gctx) })
	return g.Wait()
}

// Serve runs the background work until ctx is done, then shuts down.
func (r *Runner) Serve(ctx context.Context) error {
	r.Executor.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { r.cm.run(gctx); return nil })
	g.Go(func() error { r.cm.runPex(gctx); return nil })
	g.Go(func() error { r.Offers.Run(gctx); return nil })
	g.Go(func() error { r.Store.Run(gctx, r.sweepInterval(), r.onSwept); return nil })
	g.Go(func() error { r.runMaintenance(gctx); return nil })
	g.Go(func() error { r.runSnapshots(gctx); return nil })
	g.Go(func() error { r.runMiner(gctx); return nil })
	if addr := r.Config.Metrics.ListenAddr; addr != "" {
		g.Go(func() error {
			return debugsrv.Serve(gctx, addr, r.Config.Metrics.AllowPublic, r.Metrics.Registry(), r.log)
		})
	}
	err := g.Wait()
	return multierr.Append(err, r.shutdown())
}

// shutdown says goodbye to peers, drains the executor and closes everything
// that holds a file or socket. Later calls return the first result.
func (r *Runner) shutdown() error {
	r.stopOnce.Do(func() { r.stopErr = r.stop() })
	return r.stopErr
}

func (r *Runner) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	r.cm.closeAll(ctx, "shutdown")
	r.Executor.Stop()

	var err error
	err = multierr.Append(err, r.Self.Peers.Persist())
	err = multierr.Append(err, r.writeSnapshot())
	err = multierr.Append(err, r.Events.Close())
	if r.client != nil {
		r.client.Close()
	}
	err = multierr.Append(err, r.db.Close())
	r.log.Info("stopped")
	return err
}

// onSwept runs after every storage sweep.
func (r *Runner) onSwept(expired int) {
	r.Metrics.AddExpired(expired)
	if n := r.Book.Prune(); n > 0 {
		r.log.Debug("removed offers pruned", "count", n)
	}
}

func (r *Runner) sweepInterval() time.Duration {
	if r.Config.Storage.SweepInterval > 0 {
		return r.Config.Storage.SweepInterval
	}
	return storage.DefaultSweepInterval
}

func (r *Runner) runMaintenance(ctx context.Context) {
	t := r.clk.Ticker(maintenanceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			regs := r.Registry.Refresh()
			mail := r.Messaging.RepublishMailbox()
			r.log.Debug("maintenance", "registrations_refreshed", regs, "mailbox_republished", mail)
		}
	}
}

func (r *Runner) runSnapshots(ctx context.Context) {
	interval := r.Config.Metrics.SnapshotInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := r.clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.writeSnapshot(); err != nil {
				r.log.Warn("metrics snapshot failed", "err", err)
			}
		}
	}
}

func (r *Runner) writeSnapshot() error {
	r.Metrics.SetCurrentConns(int64(r.cm.activeCount()))
	if r.server != nil {
		r.Metrics.SetCurrentStreams(r.server.Streams())
	}
	for _, kind := range []proto.PayloadKind{proto.PayloadOffer, proto.PayloadMailbox, proto.PayloadRegistration} {
		r.Metrics.SetStoredEntries(string(kind), len(r.Store.List(kind)))
	}
	return multierr.Append(
		r.Metrics.WriteSnapshot(r.snapPath),
		r.Metrics.WriteTextfile(r.Config.Metrics.TextfilePath),
	)
}

// runMiner advances the in-memory regtest chain so confirmations and lock
// heights progress without an external miner.
func (r *Runner) runMiner(ctx context.Context) {
	w, ok := r.Wallet.(*wallet.Memory)
	interval := r.Config.Wallet.BlockInterval
	if !ok || interval <= 0 {
		return
	}
	t := r.clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Mine(1)
		}
	}
}

// Peers returns the addresses of currently active peers.
func (r *Runner) Peers() []proto.NodeAddress {
	return r.cm.activeAddrs()
}

func (r *Runner) ListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}
