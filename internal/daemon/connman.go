package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tradenet/internal/debuglog"
	"tradenet/internal/faults"
	"tradenet/internal/metrics"
	"tradenet/internal/network"
	"tradenet/internal/peer"
	"tradenet/internal/proto"
	"tradenet/internal/storage"
)

const (
	defaultMinConns    = 2
	defaultMaxConns    = 12
	defaultPexInterval = time.Minute
	defaultDialTimeout = 20 * time.Second
	// pexSampleSize bounds the peers sent in one exchange.
	pexSampleSize   = 100
	maxParallelDial = 4
	seedBackoffMin  = 5 * time.Second
	seedBackoffMax  = 5 * time.Minute
)

var connManTick = 5 * time.Second

var (
	errNonceMismatch = errors.New("response nonce does not match request")
	errUnexpected    = errors.New("unexpected response type")
)

// activePeer is a peer that answered an exchange recently. The transport is
// connectionless from our point of view, so "connected" means "answered".
type activePeer struct {
	caps     proto.Capabilities
	lastSeen time.Time
	inbound  bool
}

type connManConfig struct {
	MinConns    int
	MaxConns    int
	PexInterval time.Duration
	DialTimeout time.Duration
	UseLocal    bool
	NetworkID   int
}

// connMan keeps the node connected: it bootstraps from seeds until a quorum
// of peers answered, syncs storage from each new peer, exchanges peer lists
// periodically and relays storage mutations to everyone it is connected to.
type connMan struct {
	self    proto.NodeAddress
	caps    proto.Capabilities
	cfg     connManConfig
	book    *peer.Book
	seeds   *peer.Seeds
	store   *storage.Store
	tr      network.Transport
	metrics *metrics.Metrics
	clk     clock.Clock
	log     *slog.Logger

	mu          sync.Mutex
	ctx         context.Context
	active      map[proto.NodeAddress]*activePeer
	dialing     map[proto.NodeAddress]bool
	seedBackoff backoff.Backoff
	nextSeedTry time.Time
	failedSeed  *proto.NodeAddress
}

func newConnMan(self proto.NodeAddress, cfg connManConfig, book *peer.Book, seeds *peer.Seeds, store *storage.Store, tr network.Transport, m *metrics.Metrics, clk clock.Clock, log *slog.Logger) *connMan {
	if cfg.MinConns <= 0 {
		cfg.MinConns = defaultMinConns
	}
	if cfg.MaxConns < cfg.MinConns {
		cfg.MaxConns = max(defaultMaxConns, cfg.MinConns)
	}
	if cfg.PexInterval <= 0 {
		cfg.PexInterval = defaultPexInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	if seeds == nil {
		seeds = peer.DefaultSeeds()
	}
	return &connMan{
		self:        self,
		caps:        proto.SupportedCapabilities(),
		cfg:         cfg,
		book:        book,
		seeds:       seeds,
		store:       store,
		tr:          tr,
		metrics:     m,
		clk:         clk,
		log:         log.With("component", "connman"),
		ctx:         context.Background(),
		active:      make(map[proto.NodeAddress]*activePeer),
		dialing:     make(map[proto.NodeAddress]bool),
		seedBackoff: backoff.Backoff{Min: seedBackoffMin, Max: seedBackoffMax, Factor: 2, Jitter: true},
	}
}

func (c *connMan) run(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.bootstrap(ctx)
	ticker := c.clk.Ticker(connManTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *connMan) runPex(ctx context.Context) {
	ticker := c.clk.Ticker(c.cfg.PexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tickPex(ctx)
		}
	}
}

// bootstrap dials seeds in parallel batches until MinConns peers answered or
// the seed list is exhausted. A round without any live seed pushes the next
// attempt out with backoff; seeds themselves are never dropped.
func (c *connMan) bootstrap(ctx context.Context) int {
	c.mu.Lock()
	failed := c.failedSeed
	c.failedSeed = nil
	c.mu.Unlock()
	seeds := c.seeds.SeedAddresses(c.cfg.UseLocal, c.cfg.NetworkID, c.self, failed)
	if len(seeds) == 0 && failed != nil {
		// the last failed seed is the only one left
		seeds = c.seeds.SeedAddresses(c.cfg.UseLocal, c.cfg.NetworkID, c.self, nil)
	}
	seeds = lo.Shuffle(seeds)
	// known peers from a previous run are as good as seeds
	for _, rp := range c.book.Candidates(c.isActive) {
		if !lo.Contains(seeds, rp.Address) {
			seeds = append(seeds, rp.Address)
		}
	}

	reached := 0
	for len(seeds) > 0 && c.activeCount() < c.cfg.MinConns {
		if ctx.Err() != nil {
			return reached
		}
		need := c.cfg.MinConns - c.activeCount()
		batch := seeds[:min(len(seeds), max(need, maxParallelDial))]
		seeds = seeds[len(batch):]
		reached += c.dialAll(ctx, batch)
	}

	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if reached > 0 {
		c.seedBackoff.Reset()
		c.nextSeedTry = time.Time{}
		c.failedSeed = nil
		return reached
	}
	wait := c.seedBackoff.Duration()
	c.nextSeedTry = now.Add(wait)
	debuglog.RateLimitedf("connman:seeds", time.Minute, "no seed reachable, retry in %s", wait)
	return 0
}

// dialAll connects to addrs in parallel and reports how many answered.
func (c *connMan) dialAll(ctx context.Context, addrs []proto.NodeAddress) int {
	var (
		mu sync.Mutex
		ok int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDial)
	for _, addr := range addrs {
		g.Go(func() error {
			if err := c.connect(gctx, addr); err != nil {
				if c.seeds.IsSeed(addr) {
					c.mu.Lock()
					a := addr
					c.failedSeed = &a
					c.mu.Unlock()
				}
				debuglog.RateLimitedf("dial:"+addr.String(), 30*time.Second, "connect %s failed: %v", addr, err)
				return nil
			}
			mu.Lock()
			ok++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ok
}

// connect runs the opening exchanges with addr: a peer list request and a
// storage sync. The peer joins the active set once the peer list arrived.
func (c *connMan) connect(ctx context.Context, addr proto.NodeAddress) error {
	c.mu.Lock()
	if c.dialing[addr] {
		c.mu.Unlock()
		return fmt.Errorf("already dialing %s", addr)
	}
	c.dialing[addr] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.dialing, addr)
		c.mu.Unlock()
	}()

	caps, err := c.requestPeers(ctx, addr)
	if err != nil {
		return err
	}
	c.markActive(addr, caps, false)
	if err := c.requestData(ctx, addr); err != nil {
		// the peer list exchange worked, a failed sync is retried on the
		// next connect
		c.log.Debug("initial data sync failed", "peer", addr, "err", err)
	}
	return nil
}

func (c *connMan) requestPeers(ctx context.Context, addr proto.NodeAddress) (proto.Capabilities, error) {
	nonce := proto.NewNonce()
	req := proto.GetPeersReq{Nonce: nonce, ReportedPeers: c.sampleFor(addr)}
	env, err := c.exchange(ctx, addr, proto.MsgTypeGetPeersReq, req, proto.MsgTypeGetPeersResp)
	if err != nil {
		return nil, err
	}
	var resp proto.GetPeersResp
	if err := env.DecodeBody(&resp); err != nil {
		return nil, faults.Wrap(faults.ProtocolViolation, "decode get_peers_resp", err)
	}
	if resp.RequestNonce != nonce {
		c.drop("nonce_mismatch")
		return nil, faults.Wrap(faults.ProtocolViolation, "get_peers_resp from "+addr.String(), errNonceMismatch)
	}
	if err := proto.ValidateReportedPeers(resp.ReportedPeers); err != nil {
		c.drop("bad_peers")
		return nil, faults.Wrap(faults.ProtocolViolation, "get_peers_resp from "+addr.String(), err)
	}
	c.book.Merge(resp.ReportedPeers)
	caps := env.Capabilities.Normalize()
	c.book.Touch(addr, caps)
	return caps, nil
}

func (c *connMan) requestData(ctx context.Context, addr proto.NodeAddress) error {
	nonce := proto.NewNonce()
	req := c.store.BuildGetDataRequest(nonce)
	env, err := c.exchange(ctx, addr, proto.MsgTypeGetDataReq, req, proto.MsgTypeGetDataResp)
	if err != nil {
		return err
	}
	var resp proto.GetDataResp
	if err := env.DecodeBody(&resp); err != nil {
		return faults.Wrap(faults.ProtocolViolation, "decode get_data_resp", err)
	}
	if resp.RequestNonce != nonce {
		c.drop("nonce_mismatch")
		return faults.Wrap(faults.ProtocolViolation, "get_data_resp from "+addr.String(), errNonceMismatch)
	}
	n := c.store.ProcessGetDataResponse(resp, &addr)
	c.log.Debug("data synced", "peer", addr, "received", len(resp.Entries), "accepted", n, "truncated", resp.Truncated)
	return nil
}

// exchange sends one request and decodes the reply, which must be of type
// want.
func (c *connMan) exchange(ctx context.Context, addr proto.NodeAddress, msgType string, body any, want string) (proto.Envelope, error) {
	self := c.self
	data, err := proto.Marshal(msgType, &self, c.caps, body)
	if err != nil {
		return proto.Envelope{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	raw, err := c.tr.Exchange(ctx, addr, data)
	if err != nil {
		return proto.Envelope{}, err
	}
	if len(raw) == 0 {
		return proto.Envelope{}, faults.Wrap(faults.ProtocolViolation, msgType+" to "+addr.String(), errUnexpected)
	}
	env, err := proto.DecodeEnvelope(raw)
	if err != nil {
		return proto.Envelope{}, faults.Wrap(faults.ProtocolViolation, "decode reply", err)
	}
	if env.Type != want {
		return proto.Envelope{}, faults.Wrap(faults.ProtocolViolation, fmt.Sprintf("%s answered with %s", addr, env.Type), errUnexpected)
	}
	return env, nil
}

// tick tops the active set up to MinConns from the peer book and, failing
// that, from the seeds once their backoff elapsed.
func (c *connMan) tick(ctx context.Context) {
	c.updateMetrics()
	need := c.cfg.MinConns - c.activeCount()
	if need <= 0 {
		return
	}
	candidates := c.book.Candidates(func(a proto.NodeAddress) bool {
		return c.isActive(a) || c.seeds.IsSeed(a)
	})
	addrs := lo.Map(candidates, func(rp proto.ReportedPeer, _ int) proto.NodeAddress { return rp.Address })
	if len(addrs) > need*2 {
		addrs = addrs[:need*2]
	}
	c.dialAll(ctx, addrs)
	if c.activeCount() >= c.cfg.MinConns {
		return
	}
	c.mu.Lock()
	due := !c.clk.Now().Before(c.nextSeedTry)
	c.mu.Unlock()
	if due {
		c.bootstrap(ctx)
	}
}

// tickPex exchanges peer lists with every active peer. Peers that do not
// answer leave the active set but stay in the book.
func (c *connMan) tickPex(ctx context.Context) {
	peers := c.activeAddrs()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDial)
	for _, addr := range peers {
		g.Go(func() error {
			caps, err := c.requestPeers(gctx, addr)
			if err != nil {
				c.deactivate(addr, "pex: "+err.Error())
				return nil
			}
			c.markActive(addr, caps, false)
			return nil
		})
	}
	_ = g.Wait()
	if err := c.book.Persist(); err != nil {
		c.log.Warn("peer book persist failed", "err", err)
	}
	c.updateMetrics()
}

// handleGetPeers merges the requester's peers and answers with a sample of
// our own, echoing the nonce.
func (c *connMan) handleGetPeers(env proto.Envelope) ([]byte, error) {
	var req proto.GetPeersReq
	if err := env.DecodeBody(&req); err != nil {
		c.drop("decode")
		return nil, err
	}
	if err := proto.ValidateReportedPeers(req.ReportedPeers); err != nil {
		c.drop("bad_peers")
		return nil, err
	}
	c.book.Merge(req.ReportedPeers)
	var exclude proto.NodeAddress
	if env.Sender != nil && env.Sender.Valid() {
		exclude = *env.Sender
		caps := env.Capabilities.Normalize()
		c.book.Touch(exclude, caps)
		c.markActive(exclude, caps, true)
	}
	self := c.self
	return proto.Marshal(proto.MsgTypeGetPeersResp, &self, c.caps, proto.GetPeersResp{
		RequestNonce:  req.Nonce,
		ReportedPeers: c.sampleFor(exclude),
	})
}

func (c *connMan) handleGetData(env proto.Envelope) ([]byte, error) {
	var req proto.GetDataReq
	if err := env.DecodeBody(&req); err != nil {
		c.drop("decode")
		return nil, err
	}
	resp := c.store.BuildGetDataResponse(req, env.Capabilities.Normalize(), 0)
	self := c.self
	return proto.Marshal(proto.MsgTypeGetDataResp, &self, c.caps, resp)
}

func (c *connMan) handleClose(env proto.Envelope) {
	if env.Sender == nil {
		return
	}
	var msg proto.CloseConnMsg
	_ = env.DecodeBody(&msg)
	c.deactivate(*env.Sender, "remote closed: "+msg.Reason)
}

// sampleFor returns the peers we hand to addr: a random live sample plus
// ourselves, never addr itself.
func (c *connMan) sampleFor(addr proto.NodeAddress) []proto.ReportedPeer {
	sample := lo.Filter(c.book.Sample(pexSampleSize), func(rp proto.ReportedPeer, _ int) bool {
		return rp.Address != addr
	})
	return append(sample, proto.ReportedPeer{
		Address:      c.self,
		LastSeenMs:   c.clk.Now().UnixMilli(),
		Capabilities: c.caps,
	})
}

// Broadcast floods a storage mutation to all active peers except the one it
// came from. It returns at once; sends run in the background.
func (c *connMan) Broadcast(msgType string, body any, except *proto.NodeAddress) {
	var gate *proto.Capability
	if add, ok := body.(proto.AddDataMsg); ok {
		if cp, gated := add.Entry.Payload.RequiredCapability(); gated {
			gate = &cp
		}
	}
	targets := c.broadcastTargets(except, gate)
	if len(targets) == 0 {
		return
	}
	self := c.self
	data, err := proto.Marshal(msgType, &self, c.caps, body)
	if err != nil {
		c.log.Warn("broadcast encode failed", "type", msgType, "err", err)
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	go c.flood(ctx, msgType, data, targets)
}

func (c *connMan) flood(ctx context.Context, msgType string, data []byte, targets []proto.NodeAddress) {
	failed := make([]proto.NodeAddress, 0)
	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDial)
	for _, addr := range targets {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, c.cfg.DialTimeout)
			defer cancel()
			if _, err := c.tr.Exchange(sctx, addr, data); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
				if faults.Retryable(err) {
					failed = append(failed, addr)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, addr := range failed {
		c.deactivate(addr, "broadcast failed")
	}
	if c.metrics != nil {
		c.metrics.IncBroadcast(len(failed))
	}
	if errs != nil {
		debuglog.RateLimitedf("broadcast:"+msgType, 30*time.Second, "broadcast %s: %v", msgType, errs)
	}
}

func (c *connMan) broadcastTargets(except *proto.NodeAddress, gate *proto.Capability) []proto.NodeAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.NodeAddress, 0, len(c.active))
	for addr, p := range c.active {
		if except != nil && addr == *except {
			continue
		}
		if gate != nil && !p.caps.Has(*gate) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// closeAll tells active peers we are leaving. Failures are ignored.
func (c *connMan) closeAll(ctx context.Context, reason string) {
	self := c.self
	data, err := proto.Marshal(proto.MsgTypeCloseConn, &self, c.caps, proto.CloseConnMsg{Reason: reason})
	if err != nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDial)
	for _, addr := range c.activeAddrs() {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, time.Second)
			defer cancel()
			_, _ = c.tr.Exchange(sctx, addr, data)
			return nil
		})
	}
	_ = g.Wait()
	c.mu.Lock()
	c.active = make(map[proto.NodeAddress]*activePeer)
	c.mu.Unlock()
}

// markActive adds addr to the active set. Inbound peers beyond MaxConns are
// only recorded in the book.
func (c *connMan) markActive(addr proto.NodeAddress, caps proto.Capabilities, inbound bool) {
	if addr == c.self {
		return
	}
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.active[addr]; ok {
		p.caps = caps
		p.lastSeen = now
		return
	}
	if len(c.active) >= c.cfg.MaxConns {
		return
	}
	c.active[addr] = &activePeer{caps: caps, lastSeen: now, inbound: inbound}
	c.log.Debug("peer connected", "peer", addr, "inbound", inbound)
}

// touch refreshes lastSeen for a peer that just sent us something.
func (c *connMan) touch(addr *proto.NodeAddress) {
	if addr == nil {
		return
	}
	c.mu.Lock()
	if p, ok := c.active[*addr]; ok {
		p.lastSeen = c.clk.Now()
	}
	c.mu.Unlock()
}

func (c *connMan) deactivate(addr proto.NodeAddress, reason string) {
	c.mu.Lock()
	_, ok := c.active[addr]
	delete(c.active, addr)
	c.mu.Unlock()
	if ok {
		c.log.Debug("peer dropped", "peer", addr, "reason", reason)
	}
}

func (c *connMan) isActive(addr proto.NodeAddress) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[addr]
	return ok
}

func (c *connMan) activeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *connMan) activeAddrs() []proto.NodeAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Keys(c.active)
}

func (c *connMan) drop(reason string) {
	if c.metrics != nil {
		c.metrics.IncDropByReason(reason)
	}
}

func (c *connMan) updateMetrics() {
	if c.metrics != nil {
		c.metrics.SetCurrentConns(int64(c.activeCount()))
	}
}
