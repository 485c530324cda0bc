package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"tradenet/internal/proto"
	"tradenet/internal/testutil/memnet"
)

func TestBootstrapExchangesPeers(t *testing.T) {
	net := memnet.New()
	seed := newTestRunner(t, net, 2002, nil)
	a := newTestRunner(t, net, 3002, nil, seed.Self.Addr)
	b := newTestRunner(t, net, 4002, nil, seed.Self.Addr)
	ctx := context.Background()

	if n := a.cm.bootstrap(ctx); n != 1 {
		t.Fatalf("expected one seed reached, got %d", n)
	}
	if n := b.cm.bootstrap(ctx); n != 1 {
		t.Fatalf("expected one seed reached, got %d", n)
	}
	require.True(t, seed.cm.isActive(a.Self.Addr))
	require.True(t, seed.cm.isActive(b.Self.Addr))

	// b learned about a through the seed's sample
	_, ok := b.Self.Peers.Get(a.Self.Addr)
	require.True(t, ok)
	_, ok = b.Self.Peers.Get(seed.Self.Addr)
	require.True(t, ok)
	// nobody hands a peer its own address
	_, ok = a.Self.Peers.Get(a.Self.Addr)
	require.False(t, ok)
}

func TestBootstrapSyncsStorage(t *testing.T) {
	net := memnet.New()
	seed := newTestRunner(t, net, 2002, nil)
	require.True(t, seed.Store.Add(offerEntry(t, seed, "offer-1"), nil).Accepted)
	require.True(t, seed.Store.Add(offerEntry(t, seed, "offer-2"), nil).Accepted)

	a := newTestRunner(t, net, 3002, nil, seed.Self.Addr)
	require.Equal(t, 1, a.cm.bootstrap(context.Background()))
	require.Equal(t, 2, a.Store.Len())
	require.Len(t, a.Book.List(), 2)
	require.Equal(t, 1, net.Count(proto.MsgTypeGetDataReq))
}

func TestBroadcastRelaysToOtherPeers(t *testing.T) {
	net := memnet.New()
	seed := newTestRunner(t, net, 2002, nil)
	a := newTestRunner(t, net, 3002, nil, seed.Self.Addr)
	b := newTestRunner(t, net, 4002, nil, seed.Self.Addr)
	ctx := context.Background()
	require.Equal(t, 1, a.cm.bootstrap(ctx))
	require.Equal(t, 1, b.cm.bootstrap(ctx))

	require.True(t, a.Store.Add(offerEntry(t, a, "offer-1"), nil).Accepted)
	require.Eventually(t, func() bool { return b.Store.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, seed.Store.Len())
	// a -> seed and seed -> b; the seed does not echo back to a
	require.Equal(t, 2, net.Count(proto.MsgTypeAddData))
}

func TestBroadcastDropsUnreachablePeer(t *testing.T) {
	net := memnet.New()
	seed := newTestRunner(t, net, 2002, nil)
	a := newTestRunner(t, net, 3002, nil, seed.Self.Addr)
	require.Equal(t, 1, a.cm.bootstrap(context.Background()))

	net.SetDown(seed.Self.Addr, true)
	require.True(t, a.Store.Add(offerEntry(t, a, "offer-1"), nil).Accepted)
	require.Eventually(t, func() bool { return a.cm.activeCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), a.Metrics.Snapshot().Gossip.BroadcastErr)
	// still known, only no longer active
	_, ok := a.Self.Peers.Get(seed.Self.Addr)
	require.True(t, ok)
}

func TestNonceMismatchIsRejected(t *testing.T) {
	net := memnet.New()
	liar := proto.MustParseNodeAddress("127.0.0.1:2002")
	net.Listen(liar, func(_ context.Context, data []byte, _ string) ([]byte, error) {
		env, err := proto.DecodeEnvelope(data)
		if err != nil {
			return nil, err
		}
		var req proto.GetPeersReq
		if err := env.DecodeBody(&req); err != nil {
			return nil, err
		}
		return proto.Marshal(proto.MsgTypeGetPeersResp, &liar, proto.SupportedCapabilities(), proto.GetPeersResp{
			RequestNonce: req.Nonce + 1,
		})
	})
	a := newTestRunner(t, net, 3002, nil, liar)

	require.Equal(t, 0, a.cm.bootstrap(context.Background()))
	require.Equal(t, 0, a.cm.activeCount())
	require.Equal(t, uint64(1), a.Metrics.Snapshot().DropByReason["nonce_mismatch"])
}

func TestUnreachableSeedIsRetriedAfterBackoff(t *testing.T) {
	net := memnet.New()
	mk := clock.NewMock()
	mk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	seed := newTestRunner(t, net, 2002, nil)
	a := newTestRunner(t, net, 3002, mk, seed.Self.Addr)
	ctx := context.Background()

	net.SetDown(seed.Self.Addr, true)
	require.Equal(t, 0, a.cm.bootstrap(ctx))

	net.SetDown(seed.Self.Addr, false)
	a.cm.tick(ctx)
	require.Equal(t, 0, a.cm.activeCount(), "seed retried before its backoff elapsed")

	mk.Add(seedBackoffMin)
	a.cm.tick(ctx)
	require.Equal(t, 1, a.cm.activeCount())
}

func TestPexDropsSilentPeers(t *testing.T) {
	net := memnet.New()
	seed := newTestRunner(t, net, 2002, nil)
	a := newTestRunner(t, net, 3002, nil, seed.Self.Addr)
	ctx := context.Background()
	require.Equal(t, 1, a.cm.bootstrap(ctx))

	a.cm.tickPex(ctx)
	require.Equal(t, 1, a.cm.activeCount())

	net.SetDown(seed.Self.Addr, true)
	a.cm.tickPex(ctx)
	require.Equal(t, 0, a.cm.activeCount())
}

func TestCloseConnDeactivatesSender(t *testing.T) {
	net := memnet.New()
	seed := newTestRunner(t, net, 2002, nil)
	a := newTestRunner(t, net, 3002, nil, seed.Self.Addr)
	require.Equal(t, 1, a.cm.bootstrap(context.Background()))
	require.True(t, seed.cm.isActive(a.Self.Addr))

	a.cm.closeAll(context.Background(), "bye")
	require.False(t, seed.cm.isActive(a.Self.Addr))
	require.Equal(t, 0, a.cm.activeCount())
}

func TestInboundPeersCappedAtMaxConns(t *testing.T) {
	net := memnet.New()
	seed := newTestRunner(t, net, 2002, nil)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		r := newTestRunner(t, net, 3002+10*i, nil, seed.Self.Addr)
		r.cm.bootstrap(ctx)
	}
	require.Equal(t, seed.Config.P2P.MaxConnections, seed.cm.activeCount())
	// capped peers are still remembered
	require.Equal(t, 6, seed.Self.Peers.Len())
}
