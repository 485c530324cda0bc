package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradenet/internal/crypto"
	"tradenet/internal/faults"
	"tradenet/internal/proto"
	"tradenet/internal/storage"
	"tradenet/internal/testutil/memnet"
)

type recordBroadcaster struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recordBroadcaster) Broadcast(msgType string, body any, except *proto.NodeAddress) {
	r.mu.Lock()
	r.msgs = append(r.msgs, body)
	r.mu.Unlock()
}

func (r *recordBroadcaster) removes() []proto.RemoveDataMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []proto.RemoveDataMsg
	for _, m := range r.msgs {
		if rm, ok := m.(proto.RemoveDataMsg); ok {
			out = append(out, rm)
		}
	}
	return out
}

type testNode struct {
	addr  proto.NodeAddress
	svc   *Service
	store *storage.Store
	bc    *recordBroadcaster
	mu    sync.Mutex
	got   []proto.TradeMessage
}

func (n *testNode) received() []proto.TradeMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]proto.TradeMessage(nil), n.got...)
}

func newTestNode(t *testing.T, net *memnet.Network, port int) *testNode {
	t.Helper()
	keys, err := crypto.NewKeyRing()
	require.NoError(t, err)
	n := &testNode{addr: proto.NodeAddress{Host: "127.0.0.1", Port: port}, bc: &recordBroadcaster{}}
	n.store = storage.New(storage.Options{Broadcaster: n.bc})
	n.svc = New(Options{
		Self:      n.addr,
		Keys:      keys,
		Caps:      proto.SupportedCapabilities(),
		Transport: net.Transport(n.addr),
		Storage:   n.store,
	})
	n.svc.Handle(proto.KindPaymentStarted, func(msg proto.TradeMessage, from proto.NodeAddress) {
		n.mu.Lock()
		n.got = append(n.got, msg)
		n.mu.Unlock()
	})
	net.Listen(n.addr, func(ctx context.Context, data []byte, remote string) ([]byte, error) {
		env, err := proto.DecodeEnvelope(data)
		if err != nil {
			return nil, err
		}
		return n.svc.HandleSealed(env)
	})
	return n
}

func paymentStarted(from *testNode, uid string) proto.TradeMessage {
	return proto.TradeMessage{
		Kind:           proto.KindPaymentStarted,
		UID:            uid,
		TradeID:        "trade-1",
		Sender:         from.addr,
		SenderPK:       from.svc.PubKeyRing(),
		PaymentStarted: &proto.PaymentStarted{Payout: proto.TxData{TxID: "payout"}},
	}
}

func await(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatalf("no outcome")
		return Outcome{}
	}
}

func TestSendDirectArrivesOnce(t *testing.T) {
	net := memnet.New()
	a := newTestNode(t, net, 4001)
	b := newTestNode(t, net, 4002)

	msg := paymentStarted(a, "uid-1")
	o := await(t, a.svc.SendDirect(context.Background(), b.addr, b.svc.PubKeyRing(), msg))
	require.Equal(t, Arrived, o.Kind, "err: %v", o.Err)
	o = await(t, a.svc.SendDirect(context.Background(), b.addr, b.svc.PubKeyRing(), msg))
	require.Equal(t, Arrived, o.Kind)

	got := b.received()
	require.Len(t, got, 1)
	require.Equal(t, "uid-1", got[0].UID)
	require.Equal(t, a.addr, got[0].Sender)
}

func TestSendDirectFaultsWhenOffline(t *testing.T) {
	net := memnet.New()
	a := newTestNode(t, net, 4001)
	b := newTestNode(t, net, 4002)
	net.SetDown(b.addr, true)

	o := await(t, a.svc.SendDirect(context.Background(), b.addr, b.svc.PubKeyRing(), paymentStarted(a, "uid-2")))
	require.Equal(t, Fault, o.Kind)
	require.True(t, faults.Retryable(o.Err))
	require.Empty(t, a.store.List(proto.PayloadMailbox))
}

func TestSendDirectRejectedForUnhandledKind(t *testing.T) {
	net := memnet.New()
	a := newTestNode(t, net, 4001)
	b := newTestNode(t, net, 4002)
	msg := paymentStarted(a, "uid-3")
	msg.Kind = proto.KindPayoutTxPublished
	msg.PaymentStarted = nil
	msg.PayoutPublished = &proto.PayoutTxPublished{}

	o := await(t, a.svc.SendDirect(context.Background(), b.addr, b.svc.PubKeyRing(), msg))
	require.Equal(t, Fault, o.Kind)
	require.Equal(t, faults.ProtocolViolation, faults.KindOf(o.Err))
}

func TestSendDirectWrongRecipientKey(t *testing.T) {
	net := memnet.New()
	a := newTestNode(t, net, 4001)
	b := newTestNode(t, net, 4002)
	c := newTestNode(t, net, 4003)

	o := await(t, a.svc.SendDirect(context.Background(), b.addr, c.svc.PubKeyRing(), paymentStarted(a, "uid-4")))
	require.Equal(t, Fault, o.Kind)
	require.Empty(t, b.received())
}

func TestMailboxFallbackAndRetrieval(t *testing.T) {
	net := memnet.New()
	a := newTestNode(t, net, 4001)
	b := newTestNode(t, net, 4002)
	net.SetDown(b.addr, true)

	msg := paymentStarted(a, "uid-5")
	o := await(t, a.svc.SendMailbox(context.Background(), b.addr, b.svc.PubKeyRing(), msg))
	require.Equal(t, StoredInMailbox, o.Kind, "err: %v", o.Err)
	require.Equal(t, []string{"uid-5"}, a.svc.PendingMailbox())
	require.Equal(t, 1, a.svc.RepublishMailbox())

	// b comes back and syncs a's storage
	req := b.store.BuildGetDataRequest(7)
	resp := a.store.BuildGetDataResponse(req, proto.SupportedCapabilities(), 0)
	require.Equal(t, 1, b.store.ProcessGetDataResponse(resp, &a.addr))

	require.Eventually(t, func() bool { return len(b.bc.removes()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Len(t, b.received(), 1)
	require.Empty(t, b.store.List(proto.PayloadMailbox))

	// the receiver-signed remove propagates back to the sender
	rm := b.bc.removes()[0]
	require.True(t, a.store.Remove(rm.Entry, &b.addr).Accepted)
	require.Empty(t, a.svc.PendingMailbox())

	// replaying the original mailbox entry does nothing
	for _, e := range resp.Entries {
		require.False(t, b.store.Add(e, &a.addr).Accepted)
	}
	require.Len(t, b.received(), 1)
}

func TestMailboxAfterDirectDeliveredOnce(t *testing.T) {
	net := memnet.New()
	a := newTestNode(t, net, 4001)
	b := newTestNode(t, net, 4002)
	msg := paymentStarted(a, "uid-6")

	o := await(t, a.svc.SendDirect(context.Background(), b.addr, b.svc.PubKeyRing(), msg))
	require.Equal(t, Arrived, o.Kind)

	net.SetDown(b.addr, true)
	o = await(t, a.svc.SendMailbox(context.Background(), b.addr, b.svc.PubKeyRing(), msg))
	require.Equal(t, StoredInMailbox, o.Kind)
	resp := a.store.BuildGetDataResponse(proto.GetDataReq{}, proto.SupportedCapabilities(), 0)
	b.store.ProcessGetDataResponse(resp, &a.addr)

	require.Eventually(t, func() bool { return len(b.bc.removes()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Len(t, b.received(), 1)
}
