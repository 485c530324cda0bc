package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"tradenet/internal/crypto"
	"tradenet/internal/proto"
)

type recordingBroadcaster struct {
	mu    sync.Mutex
	types []string
}

func (b *recordingBroadcaster) Broadcast(msgType string, _ any, _ *proto.NodeAddress) {
	b.mu.Lock()
	b.types = append(b.types, msgType)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.types...)
}

type recordingListener struct {
	added, removed []proto.ProtectedEntry
}

func (l *recordingListener) OnAdded(e proto.ProtectedEntry)   { l.added = append(l.added, e) }
func (l *recordingListener) OnRemoved(e proto.ProtectedEntry) { l.removed = append(l.removed, e) }

func newTestStore(t *testing.T) (*Store, *clock.Mock, *recordingBroadcaster) {
	t.Helper()
	mk := clock.NewMock()
	mk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	b := &recordingBroadcaster{}
	return New(Options{Clock: mk, Broadcaster: b}), mk, b
}

func newKeys(t *testing.T) *crypto.KeyRing {
	t.Helper()
	k, err := crypto.NewKeyRing()
	require.NoError(t, err)
	return k
}

func offerPayload(keys *crypto.KeyRing, id string) proto.StoragePayload {
	return proto.OfferStoragePayload(proto.OfferPayload{
		ID:              id,
		Direction:       proto.DirectionSell,
		BaseCurrency:    "BTC",
		CounterCurrency: "EUR",
		Price:           5_000_000,
		Amount:          100_000,
		MinAmount:       50_000,
		Maker:           proto.MustParseNodeAddress("maker.onion:9999"),
		MakerKeys:       proto.PubKeyRing{SigPub: keys.SigPub, EncPub: keys.EncPub},
	})
}

func signed(t *testing.T, st *Store, p proto.StoragePayload, keys *crypto.KeyRing, seq uint64) proto.ProtectedEntry {
	t.Helper()
	e, err := SignEntry(p, keys, seq, 0, st.Clock().Now().UnixMilli())
	require.NoError(t, err)
	return e
}

func TestSequenceScenario(t *testing.T) {
	st, _, b := newTestStore(t)
	keys := newKeys(t)
	p := offerPayload(keys, "offer-1")
	h, err := p.Hash()
	require.NoError(t, err)

	require.True(t, st.Add(signed(t, st, p, keys, 1), nil).Accepted)

	res := st.Add(signed(t, st, p, keys, 1), nil)
	require.False(t, res.Accepted)
	require.Equal(t, ReasonDuplicate, res.Reason)

	require.True(t, st.Add(signed(t, st, p, keys, 2), nil).Accepted)
	got, ok := st.Get(h)
	require.True(t, ok)
	require.EqualValues(t, 2, got.Sequence)

	require.True(t, st.Remove(signed(t, st, p, keys, 3), nil).Accepted)
	_, ok = st.Get(h)
	require.False(t, ok)
	require.Empty(t, st.List(proto.PayloadOffer))

	require.Equal(t, []string{proto.MsgTypeAddData, proto.MsgTypeAddData, proto.MsgTypeRemoveData}, b.sent())
}

func TestMonotonicAcceptanceIndependentOfOrder(t *testing.T) {
	keys := newKeys(t)
	p := offerPayload(keys, "offer-2")
	h, err := p.Hash()
	require.NoError(t, err)

	for _, order := range [][]uint64{{1, 5}, {5, 1}} {
		st, _, _ := newTestStore(t)
		for _, seq := range order {
			st.Add(signed(t, st, p, keys, seq), nil)
		}
		got, ok := st.Get(h)
		require.True(t, ok)
		require.EqualValues(t, 5, got.Sequence, "order %v", order)
	}
}

func TestAddRejections(t *testing.T) {
	st, _, _ := newTestStore(t)
	keys := newKeys(t)
	other := newKeys(t)
	p := offerPayload(keys, "offer-3")

	e := signed(t, st, p, keys, 1)
	e.Signature[0] ^= 0xff
	require.Equal(t, ReasonBadSignature, st.Add(e, nil).Reason)

	forged := signed(t, st, p, other, 1)
	require.Equal(t, ReasonOwnerMismatch, st.Add(forged, nil).Reason)

	long := signed(t, st, p, keys, 1)
	long.TTLMs = (proto.OfferTTL + time.Minute).Milliseconds()
	require.Equal(t, ReasonTTLExceeded, st.Add(long, nil).Reason)

	require.True(t, st.Add(signed(t, st, p, keys, 4), nil).Accepted)
	require.Equal(t, ReasonStaleSequence, st.Add(signed(t, st, p, keys, 3), nil).Reason)
}

func TestFutureCreationTimeCapped(t *testing.T) {
	st, mk, _ := newTestStore(t)
	keys := newKeys(t)
	p := offerPayload(keys, "offer-4")
	e := signed(t, st, p, keys, 1)
	e.CreatedMs = mk.Now().Add(time.Hour).UnixMilli()
	require.True(t, st.Add(e, nil).Accepted)

	h, _ := p.Hash()
	got, _ := st.Get(h)
	require.Equal(t, mk.Now().UnixMilli(), got.CreatedMs)
}

func TestSweepPurgesExpired(t *testing.T) {
	st, mk, b := newTestStore(t)
	l := &recordingListener{}
	st.AddListener(l)
	keys := newKeys(t)
	p := offerPayload(keys, "offer-5")
	require.True(t, st.Add(signed(t, st, p, keys, 1), nil).Accepted)

	mk.Add(proto.OfferTTL - time.Second)
	require.Equal(t, 0, st.Sweep())
	require.Equal(t, 1, st.Len())

	mk.Add(2 * time.Second)
	require.Equal(t, 1, st.Sweep())
	require.Equal(t, 0, st.Len())
	require.Len(t, l.removed, 1)
	require.Equal(t, []string{proto.MsgTypeAddData}, b.sent())

	// The sequence record outlives the entry, so a replay is still stale.
	require.Equal(t, ReasonDuplicate, st.Add(signed(t, st, p, keys, 1), nil).Reason)

	mk.Add(PurgeAge + time.Hour)
	st.Sweep()
	_, ok := st.Sequence(mustHash(t, p))
	require.False(t, ok)
}

func TestRunReportsSweeps(t *testing.T) {
	st, mk, _ := newTestStore(t)
	keys := newKeys(t)
	require.True(t, st.Add(signed(t, st, offerPayload(keys, "offer-6"), keys, 1), nil).Accepted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	swept := make(chan int, 16)
	go st.Run(ctx, time.Minute, func(n int) { swept <- n })

	mk.Add(proto.OfferTTL)
	total := 0
	require.Eventually(t, func() bool {
		mk.Add(time.Minute)
		for {
			select {
			case n := <-swept:
				total += n
			default:
				return total == 1
			}
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, st.Len())
}

func TestRefreshTTL(t *testing.T) {
	st, mk, b := newTestStore(t)
	keys := newKeys(t)
	p := offerPayload(keys, "offer-6")
	h := mustHash(t, p)

	msg, err := st.NewRefresh(h, keys)
	require.NoError(t, err)
	require.Equal(t, ReasonUnknownEntry, st.RefreshTTL(msg, nil).Reason)

	e, err := st.NewEntry(p, keys)
	require.NoError(t, err)
	require.True(t, st.Add(e, nil).Accepted)

	mk.Add(5 * time.Minute)
	msg, err = st.NewRefresh(h, keys)
	require.NoError(t, err)
	require.EqualValues(t, 2, msg.Sequence)
	require.True(t, st.RefreshTTL(msg, nil).Accepted)
	require.Equal(t, ReasonDuplicate, st.RefreshTTL(msg, nil).Reason)

	mk.Add(5 * time.Minute)
	require.Equal(t, 0, st.Sweep())
	got, _ := st.Get(h)
	require.EqualValues(t, 2, got.Sequence)
	require.Contains(t, b.sent(), proto.MsgTypeRefreshTTL)
}

func mailboxPayload(sender, receiver *crypto.KeyRing, uid string) proto.StoragePayload {
	return proto.MailboxStoragePayload(proto.MailboxPayload{
		UID:            uid,
		Sealed:         proto.SealedMessage{Ciphertext: []byte("x")},
		SenderSigPub:   sender.SigPub,
		ReceiverSigPub: receiver.SigPub,
	})
}

func TestMailboxRemovalByReceiverOnly(t *testing.T) {
	st, _, b := newTestStore(t)
	sender, receiver := newKeys(t), newKeys(t)
	p := mailboxPayload(sender, receiver, "uid-1")

	require.True(t, st.Add(signed(t, st, p, sender, 1), nil).Accepted)
	require.Equal(t, ReasonOwnerMismatch, st.Remove(signed(t, st, p, sender, 2), nil).Reason)

	rm, err := st.NewRemoveEntry(p, receiver)
	require.NoError(t, err)
	require.True(t, st.Remove(rm, nil).Accepted)
	require.Equal(t, 0, st.Len())

	// Add-once: a later add with a higher sequence number stays rejected.
	require.Equal(t, ReasonAlreadyRemoved, st.Add(signed(t, st, p, sender, 9), nil).Reason)
	require.Contains(t, b.sent(), proto.MsgTypeRemoveMailboxData)
}

func TestRemoveOfAbsentEntryIsRecorded(t *testing.T) {
	st, _, b := newTestStore(t)
	keys := newKeys(t)
	p := offerPayload(keys, "offer-7")

	require.True(t, st.Remove(signed(t, st, p, keys, 2), nil).Accepted)
	require.Equal(t, ReasonStaleSequence, st.Add(signed(t, st, p, keys, 1), nil).Reason)
	require.Equal(t, []string{proto.MsgTypeRemoveData}, b.sent())
}

func TestGetDataFiltersKnownAndCapabilities(t *testing.T) {
	st, _, _ := newTestStore(t)
	keys, receiver := newKeys(t), newKeys(t)
	o1 := offerPayload(keys, "a")
	o2 := offerPayload(keys, "b")
	mb := mailboxPayload(keys, receiver, "uid-2")
	for _, p := range []proto.StoragePayload{o1, o2, mb} {
		require.True(t, st.Add(signed(t, st, p, keys, 1), nil).Accepted)
	}

	req := proto.GetDataReq{Nonce: 7, KnownHashes: []proto.Hash{mustHash(t, o1)}}
	resp := st.BuildGetDataResponse(req, nil, 0)
	require.EqualValues(t, 7, resp.RequestNonce)
	require.Len(t, resp.Entries, 1)
	require.Equal(t, "b", resp.Entries[0].Payload.Offer.ID)

	resp = st.BuildGetDataResponse(req, proto.Capabilities{proto.CapMailbox}, 0)
	require.Len(t, resp.Entries, 2)

	resp = st.BuildGetDataResponse(proto.GetDataReq{}, proto.SupportedCapabilities(), 1)
	require.Len(t, resp.Entries, 1)
	require.True(t, resp.Truncated)

	other, _, b := newTestStore(t)
	full := st.BuildGetDataResponse(other.BuildGetDataRequest(1), proto.SupportedCapabilities(), 0)
	require.Equal(t, 3, other.ProcessGetDataResponse(full, nil))
	require.Empty(t, b.sent())
}

type memPersistence struct {
	seqs    map[proto.Hash]SeqRecord
	entries map[proto.Hash]proto.ProtectedEntry
}

func newMemPersistence() *memPersistence {
	return &memPersistence{seqs: map[proto.Hash]SeqRecord{}, entries: map[proto.Hash]proto.ProtectedEntry{}}
}

func (m *memPersistence) LoadSequences() (map[proto.Hash]SeqRecord, error) {
	out := make(map[proto.Hash]SeqRecord, len(m.seqs))
	for k, v := range m.seqs {
		out[k] = v
	}
	return out, nil
}

func (m *memPersistence) SaveSequence(h proto.Hash, rec SeqRecord) error {
	m.seqs[h] = rec
	return nil
}

func (m *memPersistence) DeleteSequences(hs []proto.Hash) error {
	for _, h := range hs {
		delete(m.seqs, h)
	}
	return nil
}

func (m *memPersistence) LoadEntries() ([]proto.ProtectedEntry, error) {
	out := make([]proto.ProtectedEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *memPersistence) SaveEntry(h proto.Hash, e proto.ProtectedEntry) error {
	m.entries[h] = e
	return nil
}

func (m *memPersistence) DeleteEntry(h proto.Hash) error {
	delete(m.entries, h)
	return nil
}

func TestLoadRestoresPersistableEntries(t *testing.T) {
	mk := clock.NewMock()
	mk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	pers := newMemPersistence()
	st := New(Options{Clock: mk, Persistence: pers})
	sender, receiver := newKeys(t), newKeys(t)
	mb := mailboxPayload(sender, receiver, "uid-3")
	offer := offerPayload(sender, "c")

	require.True(t, st.Add(signed(t, st, mb, sender, 1), nil).Accepted)
	require.True(t, st.Add(signed(t, st, offer, sender, 1), nil).Accepted)
	require.Len(t, pers.entries, 1)

	reloaded := New(Options{Clock: mk, Persistence: pers})
	l := &recordingListener{}
	reloaded.AddListener(l)
	require.NoError(t, reloaded.Load())
	require.Equal(t, 1, reloaded.Len())
	require.Len(t, l.added, 1)
	require.Equal(t, proto.PayloadMailbox, l.added[0].Payload.Kind)

	seq, ok := reloaded.Sequence(mustHash(t, offer))
	require.True(t, ok)
	require.EqualValues(t, 1, seq)
}

func mustHash(t *testing.T, p proto.StoragePayload) proto.Hash {
	t.Helper()
	h, err := p.Hash()
	require.NoError(t, err)
	return h
}

// gatedPersistence holds the first sequence write until release is closed.
type gatedPersistence struct {
	*memPersistence
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPersistence) SaveSequence(h proto.Hash, rec SeqRecord) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.memPersistence.SaveSequence(h, rec)
}

func TestSlowWriteDoesNotOverwriteNewerState(t *testing.T) {
	gp := &gatedPersistence{
		memPersistence: newMemPersistence(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	st := New(Options{Persistence: gp})
	sender, receiver := newKeys(t), newKeys(t)
	p := mailboxPayload(sender, receiver, "uid-slow")
	h := mustHash(t, p)

	add, rm := signed(t, st, p, sender, 1), signed(t, st, p, receiver, 2)
	var added, removed Result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		added = st.Add(add, nil)
	}()
	<-gp.entered
	go func() {
		defer wg.Done()
		removed = st.Remove(rm, nil)
	}()
	require.Eventually(t, func() bool {
		seq, _ := st.Sequence(h)
		return seq == 2
	}, 5*time.Second, time.Millisecond)
	close(gp.release)
	wg.Wait()
	require.True(t, added.Accepted)
	require.True(t, removed.Accepted)

	rec := gp.seqs[h]
	require.EqualValues(t, 2, rec.Seq)
	require.True(t, rec.Removed)
	require.NotContains(t, gp.entries, h)
}
