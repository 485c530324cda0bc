package trade

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradenet/internal/crypto"
	"tradenet/internal/events/memory"
	"tradenet/internal/messaging"
	"tradenet/internal/proto"
	"tradenet/internal/storage"
	"tradenet/internal/task"
	"tradenet/internal/testutil/memnet"
	"tradenet/internal/wallet"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// mesh relays every accepted storage mutation to all other nodes, standing
// in for the gossip layer.
type mesh struct {
	mu    sync.Mutex
	nodes []*tnode
}

func (m *mesh) others(self proto.NodeAddress, except *proto.NodeAddress) []*tnode {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*tnode
	for _, n := range m.nodes {
		if n.addr == self || (except != nil && n.addr == *except) {
			continue
		}
		out = append(out, n)
	}
	return out
}

type meshBroadcaster struct {
	mesh *mesh
	self proto.NodeAddress
}

func (b meshBroadcaster) Broadcast(msgType string, body any, except *proto.NodeAddress) {
	from := b.self
	for _, n := range b.mesh.others(b.self, except) {
		switch msg := body.(type) {
		case proto.AddDataMsg:
			n.store.Add(msg.Entry, &from)
		case proto.RemoveDataMsg:
			n.store.Remove(msg.Entry, &from)
		case proto.RefreshTTLMsg:
			n.store.RefreshTTL(msg, &from)
		}
	}
}

type memPersister struct {
	mu         sync.Mutex
	trades     map[string]Trade
	openOffers map[string]OpenOffer
	failSave   error
}

func newMemPersister() *memPersister {
	return &memPersister{trades: map[string]Trade{}, openOffers: map[string]OpenOffer{}}
}

func (p *memPersister) SaveTrade(t Trade) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades[t.ID] = t
	return nil
}

func (p *memPersister) saved(id string) Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trades[id]
}

func (p *memPersister) LoadTrades() ([]Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Trade, 0, len(p.trades))
	for _, t := range p.trades {
		out = append(out, t)
	}
	return out, nil
}

func (p *memPersister) SaveOpenOffer(o OpenOffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSave != nil {
		return p.failSave
	}
	p.openOffers[o.Offer.ID] = o
	return nil
}

func (p *memPersister) DeleteOpenOffer(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.openOffers, id)
	return nil
}

func (p *memPersister) LoadOpenOffers() ([]OpenOffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OpenOffer, 0, len(p.openOffers))
	for _, o := range p.openOffers {
		out = append(out, o)
	}
	return out, nil
}

type countingObserver struct {
	started, completed, faulted atomic.Int64
}

func (c *countingObserver) IncTradeStarted()   { c.started.Add(1) }
func (c *countingObserver) IncTradeCompleted() { c.completed.Add(1) }
func (c *countingObserver) IncTradeFaulted()   { c.faulted.Add(1) }

type tnode struct {
	addr    proto.NodeAddress
	keys    *crypto.KeyRing
	store   *storage.Store
	wallet  *wallet.Memory
	pub     *memory.InMemoryPublisher
	persist *memPersister
	obs     *countingObserver
	book    *OfferBook
	reg     *Registry
	offers  *OpenOfferManager
	mgr     *Manager
}

type nodeOpt func(*Options)

func withLockBlocks(n int64) nodeOpt { return func(o *Options) { o.LockBlocks = n } }

func withSendTimeout(d time.Duration) nodeOpt { return func(o *Options) { o.SendTimeout = d } }

func withDepositTimeout(d time.Duration) nodeOpt { return func(o *Options) { o.DepositTimeout = d } }

// rejectDeposits makes w refuse fully signed deposits while fee
// transactions still go through.
func rejectDeposits(w *wallet.Memory) {
	w.FailBroadcast = func(tx proto.TxData) error {
		if len(tx.Sigs) >= 2 {
			return wallet.ErrRejected
		}
		return nil
	}
}

type cluster struct {
	t     *testing.T
	net   *memnet.Network
	chain *wallet.Chain
	mesh  *mesh
	port  int
}

func newCluster(t *testing.T) *cluster {
	return &cluster{t: t, net: memnet.New(), chain: wallet.NewChain(), mesh: &mesh{}, port: 9000}
}

func (c *cluster) node(opts ...nodeOpt) *tnode {
	t := c.t
	t.Helper()
	c.port++
	keys, err := crypto.NewKeyRing()
	require.NoError(t, err)
	w, err := wallet.NewMemoryOn(c.chain, 100_000)
	require.NoError(t, err)

	n := &tnode{
		addr:    proto.NodeAddress{Host: "127.0.0.1", Port: c.port},
		keys:    keys,
		wallet:  w,
		pub:     memory.NewInMemoryPublisher(256),
		persist: newMemPersister(),
		obs:     &countingObserver{},
	}
	n.store = storage.New(storage.Options{Broadcaster: meshBroadcaster{mesh: c.mesh, self: n.addr}})

	exec := task.NewExecutor(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	exec.Start(ctx)
	t.Cleanup(func() {
		cancel()
		exec.Stop()
	})

	svc := newMessaging(n, c.net, exec)
	o := Options{
		Self:      n.addr,
		Keys:      keys,
		Storage:   n.store,
		Messaging: svc,
		Wallet:    w,
		Executor:  exec,
		Events:    n.pub,
		Persister: n.persist,
		Observer:  n.obs,
	}
	for _, fn := range opts {
		fn(&o)
	}
	n.book = NewOfferBook(n.store, n.pub, nil)
	n.reg = NewRegistry(o)
	n.offers = NewOpenOfferManager(o, n.reg)
	n.mgr = NewManager(o, n.book, n.offers, n.reg)

	c.mesh.mu.Lock()
	c.mesh.nodes = append(c.mesh.nodes, n)
	c.mesh.mu.Unlock()
	return n
}

func (n *tnode) place(t *testing.T, dir proto.Direction, amount uint64) OpenOffer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	oo, err := n.offers.PlaceOffer(ctx, OfferParams{
		Direction:       dir,
		BaseCurrency:    "BTC",
		CounterCurrency: "EUR",
		Price:           30_000,
		Amount:          amount,
		PaymentMethod:   "SEPA",
	})
	require.NoError(t, err)
	return oo
}

func (n *tnode) phase(id string) Phase {
	t, _ := n.mgr.Trade(id)
	return t.Phase
}

func (n *tnode) waitPhase(t *testing.T, id string, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return n.phase(id) == want }, waitFor, tick,
		"trade %s never reached %s", id, want)
}

func (n *tnode) seesOffer(id string) bool {
	o, ok := n.book.Get(id)
	return ok && o.State != OfferRemoved
}

// takeUntilDeposit runs a take of a fresh maker offer and waits until both
// sides report the published deposit.
func (c *cluster) takeUntilDeposit(maker, taker *tnode, dir proto.Direction) Trade {
	t := c.t
	t.Helper()
	oo := maker.place(t, dir, 1_000)
	require.Eventually(t, func() bool { return taker.seesOffer(oo.Offer.ID) }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	tr, err := taker.mgr.TakeOffer(ctx, oo.Offer.ID, 0)
	require.NoError(t, err)
	require.Equal(t, PhaseDepositPublished, tr.Phase)
	maker.waitPhase(t, tr.ID, PhaseDepositPublished)
	return tr
}

func newMessaging(n *tnode, net *memnet.Network, exec *task.Executor) *messaging.Service {
	svc := messaging.New(messaging.Options{
		Self:      n.addr,
		Keys:      n.keys,
		Caps:      proto.SupportedCapabilities(),
		Transport: net.Transport(n.addr),
		Storage:   n.store,
		Executor:  exec,
	})
	net.Listen(n.addr, func(ctx context.Context, data []byte, remote string) ([]byte, error) {
		env, err := proto.DecodeEnvelope(data)
		if err != nil {
			return nil, err
		}
		return svc.HandleSealed(env)
	})
	return svc
}

var errDisk = errors.New("disk full")
