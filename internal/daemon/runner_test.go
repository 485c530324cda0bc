package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"tradenet/internal/config"
	"tradenet/internal/metrics"
	"tradenet/internal/proto"
	"tradenet/internal/storage"
	"tradenet/internal/testutil"
	"tradenet/internal/testutil/memnet"
)

func testConfig(t *testing.T, port int, seeds ...proto.NodeAddress) *config.Config {
	t.Helper()
	seedStrs := make([]string, 0, len(seeds))
	for _, s := range seeds {
		seedStrs = append(seedStrs, s.String())
	}
	return &config.Config{
		Network:           "regtest",
		UseLocalTransport: true,
		ListenAddr:        fmt.Sprintf("127.0.0.1:%d", port),
		DataDir:           t.TempDir(),
		Seeds:             seedStrs,
		P2P: config.P2PConfig{
			MinConnections:   1,
			MaxConnections:   4,
			PexInterval:      time.Minute,
			MaxReportedPeers: 100,
			DialTimeout:      2 * time.Second,
		},
		Storage: config.StorageConfig{Backend: "jsonl", SweepInterval: time.Minute},
		Events:  config.EventsConfig{Type: "memory", BufferSize: 16},
		Trade: config.TradeConfig{
			PriceTolerance: 0.01,
			SendTimeout:    2 * time.Second,
			LockBlocks:     10,
		},
		Offer:  config.OfferConfig{RefreshInterval: 4 * time.Minute},
		Wallet: config.WalletConfig{Balance: 1_000_000},
	}
}

// newTestRunner builds a runner on net and listens on its address. Ports
// must end in 2 to stay on regtest.
func newTestRunner(t *testing.T, net *memnet.Network, port int, clk clock.Clock, seeds ...proto.NodeAddress) *Runner {
	t.Helper()
	cfg := testConfig(t, port, seeds...)
	addr, err := cfg.NodeAddress()
	require.NoError(t, err)
	r, err := NewRunner(cfg, Options{Transport: net.Transport(addr), Clock: clk})
	require.NoError(t, err)
	net.Listen(addr, r.Handle)
	t.Cleanup(func() { _ = r.shutdown() })
	return r
}

func offerEntry(t *testing.T, r *Runner, id string) proto.ProtectedEntry {
	t.Helper()
	p := proto.OfferStoragePayload(proto.OfferPayload{
		ID:              id,
		Direction:       proto.DirectionSell,
		BaseCurrency:    "BTC",
		CounterCurrency: "EUR",
		Price:           5_000_000,
		Amount:          100_000,
		MinAmount:       50_000,
		Maker:           r.Self.Addr,
		MakerKeys:       r.Self.PubKeyRing(),
	})
	e, err := r.Store.NewEntry(p, r.Self.Keys)
	require.NoError(t, err)
	return e
}

func TestNewRunnerRestoresState(t *testing.T) {
	net := memnet.New()
	cfg := testConfig(t, 2002)
	addr, err := cfg.NodeAddress()
	require.NoError(t, err)

	r, err := NewRunner(cfg, Options{Transport: net.Transport(addr)})
	require.NoError(t, err)
	require.True(t, r.Store.Add(offerEntry(t, r, "offer-1"), nil).Accepted)
	require.Len(t, r.Book.List(), 1)
	other := proto.MustParseNodeAddress("127.0.0.1:3002")
	r.Self.Peers.Touch(other, proto.SupportedCapabilities())
	id := r.Self.ID
	require.NoError(t, r.shutdown())

	again, err := NewRunner(cfg, Options{Transport: net.Transport(addr)})
	require.NoError(t, err)
	defer again.shutdown()
	require.Equal(t, id, again.Self.ID)
	_, ok := again.Self.Peers.Get(other)
	require.True(t, ok)
	// offers are republished by their makers, not restored
	require.Equal(t, 0, again.Store.Len())
}

func TestNewRunnerRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t, 2002)
	cfg.Storage.Backend = "leveldb"
	_, err := NewRunner(cfg, Options{Transport: memnet.New().Transport(proto.MustParseNodeAddress("127.0.0.1:2002"))})
	require.Error(t, err)
}

func TestHandleRejectsGarbageAndUnknownTypes(t *testing.T) {
	net := memnet.New()
	r := newTestRunner(t, net, 2002, nil)

	_, err := r.Handle(context.Background(), []byte("not cbor"), "127.0.0.1")
	require.Error(t, err)

	from := proto.MustParseNodeAddress("127.0.0.1:3002")
	data, err := proto.Marshal(proto.MsgTypeAck, &from, nil, proto.AckMsg{UID: "x"})
	require.NoError(t, err)
	_, err = r.Handle(context.Background(), data, "127.0.0.1")
	require.Error(t, err)

	snap := r.Metrics.Snapshot()
	require.Equal(t, uint64(1), snap.DropByReason["decode"])
	require.Equal(t, uint64(1), snap.DropByReason["unknown_type"])
	require.Equal(t, uint64(1), snap.RecvByType[proto.MsgTypeAck])
}

func TestHandleAbsorbsStorageRejections(t *testing.T) {
	net := memnet.New()
	r := newTestRunner(t, net, 2002, nil)
	other := newTestRunner(t, net, 3002, nil)

	e := offerEntry(t, other, "offer-1")
	e.Signature = append([]byte(nil), e.Signature...)
	e.Signature[0] ^= 0xff
	from := other.Self.Addr
	data, err := proto.Marshal(proto.MsgTypeAddData, &from, nil, proto.AddDataMsg{Entry: e})
	require.NoError(t, err)

	resp, err := r.Handle(context.Background(), data, "127.0.0.1")
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, 0, r.Store.Len())
	require.Equal(t, uint64(1), r.Metrics.Snapshot().Storage.Rejected)
}

func TestSealedMessagesRouteToMessaging(t *testing.T) {
	net := memnet.New()
	a := newTestRunner(t, net, 2002, nil)
	b := newTestRunner(t, net, 3002, nil)

	var (
		mu  sync.Mutex
		got []proto.TradeMessage
	)
	b.Messaging.Handle(proto.KindPaymentStarted, func(msg proto.TradeMessage, _ proto.NodeAddress) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Executor.Start(ctx)

	msg := proto.TradeMessage{
		Kind:           proto.KindPaymentStarted,
		UID:            "uid-1",
		TradeID:        "trade-1",
		Sender:         a.Self.Addr,
		SenderPK:       a.Self.PubKeyRing(),
		PaymentStarted: &proto.PaymentStarted{Payout: proto.TxData{TxID: "payout"}},
	}
	outcome := testutil.Recv(t, a.Messaging.SendDirect(ctx, b.Self.Addr, b.Self.PubKeyRing(), msg))
	require.NoError(t, outcome.Err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), b.Metrics.Snapshot().RecvByType[proto.MsgTypeSealed])
}

func TestWriteSnapshotReportsStoredEntries(t *testing.T) {
	net := memnet.New()
	r := newTestRunner(t, net, 2002, nil)
	require.True(t, r.Store.Add(offerEntry(t, r, "offer-1"), nil).Accepted)

	require.NoError(t, r.writeSnapshot())
	snap, err := metrics.ReadSnapshot(filepath.Join(r.Config.DataDir, snapshotFile))
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Storage.Accepted)
}

func TestServeClosesPeersOnShutdown(t *testing.T) {
	net := memnet.New()
	seed := newTestRunner(t, net, 2002, nil)
	r := newTestRunner(t, net, 3002, nil, seed.Self.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	require.Eventually(t, func() bool { return len(r.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
	require.Equal(t, uint64(1), seed.Metrics.Snapshot().RecvByType[proto.MsgTypeCloseConn])
	require.False(t, seed.cm.isActive(r.Self.Addr))
}

var _ storage.Broadcaster = (*connMan)(nil)
