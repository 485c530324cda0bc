package trade

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"tradenet/internal/events"
	"tradenet/internal/faults"
	"tradenet/internal/proto"
)

type waitKey struct {
	tradeID string
	kind    proto.TradeMessageKind
}

type waiter struct {
	fn     func(proto.TradeMessage, error)
	cancel func() bool
}

// Manager owns this node's trades and runs their task sequences.
type Manager struct {
	opts   Options
	book   *OfferBook
	offers *OpenOfferManager
	reg    *Registry

	mu       sync.Mutex
	trades   map[string]*Trade
	waiters  map[waitKey]waiter
	disputes map[string]Dispute

	// reservations holds the deposit timeout of maker trades still in INIT.
	reservations map[string]func()
}

func NewManager(opts Options, book *OfferBook, offers *OpenOfferManager, reg *Registry) *Manager {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("component", "trades")
	m := &Manager{
		opts:     opts,
		book:     book,
		offers:   offers,
		reg:      reg,
		trades:   make(map[string]*Trade),
		waiters:  make(map[waitKey]waiter),
		disputes: make(map[string]Dispute),

		reservations: make(map[string]func()),
	}
	m.on(proto.KindOfferAvailabilityResponse, nil)
	m.on(proto.KindDepositTxResponse, nil)
	m.on(proto.KindInputsForDepositTxRequest, m.handleInputsForDepositTx)
	m.on(proto.KindDepositTxPublished, m.handleDepositTxPublished)
	m.on(proto.KindPaymentStarted, m.handlePaymentStarted)
	m.on(proto.KindPayoutTxPublished, m.handlePayoutTxPublished)
	m.on(proto.KindOpenDispute, m.handleOpenDispute)
	m.on(proto.KindPeerPublishedDisputePayoutTx, m.handleDisputePayout)
	return m
}

// on registers h for kind. Messages a running sequence waits for go to that
// sequence first; the rest reach h, or are dropped as stale when h is nil.
func (m *Manager) on(kind proto.TradeMessageKind, h func(proto.TradeMessage, proto.NodeAddress)) {
	m.opts.Messaging.Handle(kind, func(msg proto.TradeMessage, from proto.NodeAddress) {
		if m.resolve(msg) {
			return
		}
		if h == nil {
			m.opts.Logger.Info("unexpected message ignored", "kind", msg.Kind, "trade", msg.TradeID, "peer", from.String())
			return
		}
		h(msg, from)
	})
}

// Load restores persisted trades and resumes watching the open ones.
func (m *Manager) Load() error {
	if m.opts.Persister == nil {
		return nil
	}
	list, err := m.opts.Persister.LoadTrades()
	if err != nil {
		return err
	}
	for i := range list {
		t := list[i]
		m.mu.Lock()
		m.trades[t.ID] = &t
		m.mu.Unlock()
		switch {
		case t.Phase == PhaseInit && t.IsMaker() && t.ErrorMessage == "":
			m.armDepositTimeout(t.ID, t.Offer.ID)
		case t.Phase != PhaseInit && !t.Phase.Terminal():
			m.watch(t.ID)
		}
	}
	m.opts.Logger.Info("trades loaded", "count", len(list))
	return nil
}

func (m *Manager) Trade(id string) (Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return Trade{}, false
	}
	return *t, true
}

// Trades returns all trades, oldest first.
func (m *Manager) Trades() []Trade {
	m.mu.Lock()
	out := make([]Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, *t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedMs < out[j].CreatedMs })
	return out
}

func (m *Manager) add(t *Trade) {
	now := m.opts.Clock.Now().UnixMilli()
	t.CreatedMs, t.UpdatedMs = now, now
	if t.Phase == "" {
		t.Phase = PhaseInit
	}
	m.mu.Lock()
	m.trades[t.ID] = t
	cp := *t
	m.mu.Unlock()
	m.persist(cp)
	if m.opts.Observer != nil {
		m.opts.Observer.IncTradeStarted()
	}
}

// update applies fn to trade id under the lock and persists the result.
func (m *Manager) update(id string, fn func(t *Trade) error) (Trade, error) {
	m.mu.Lock()
	t, ok := m.trades[id]
	if !ok {
		m.mu.Unlock()
		return Trade{}, fmt.Errorf("%w: %s", ErrUnknownTrade, id)
	}
	if err := fn(t); err != nil {
		m.mu.Unlock()
		return *t, err
	}
	t.UpdatedMs = m.opts.Clock.Now().UnixMilli()
	cp := *t
	m.mu.Unlock()
	m.persist(cp)
	return cp, nil
}

func (m *Manager) persist(t Trade) {
	if m.opts.Persister == nil {
		return
	}
	if err := m.opts.Persister.SaveTrade(t); err != nil {
		m.opts.Logger.Warn("persist trade", "trade", t.ID, "err", err)
	}
}

// setPhase moves trade id to phase and publishes the change.
func (m *Manager) setPhase(id string, phase Phase) error {
	var changed bool
	t, err := m.update(id, func(t *Trade) error {
		changed = t.Phase != phase
		return t.setPhase(phase)
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	m.opts.Logger.Info("trade phase", "trade", id, "phase", phase, "role", t.Role, "direction", t.Direction)
	m.opts.publish(events.Event{Kind: events.TradePhaseChanged, TradeID: id, OfferID: t.Offer.ID, State: string(phase)})
	if phase == PhaseCompleted && m.opts.Observer != nil {
		m.opts.Observer.IncTradeCompleted()
	}
	return nil
}

// faulted annotates the trade and reports the fault upward.
func (m *Manager) faulted(id, msg string, err error) {
	t, uerr := m.update(id, func(t *Trade) error {
		t.ErrorMessage = msg
		return nil
	})
	if uerr != nil {
		return
	}
	m.opts.Logger.Warn("trade faulted", "trade", id, "phase", t.Phase, "kind", faults.KindOf(err), "err", err)
	m.opts.publish(events.Event{Kind: events.TradeFaulted, TradeID: id, OfferID: t.Offer.ID, State: string(t.Phase), Reason: msg})
	if m.opts.Observer != nil {
		m.opts.Observer.IncTradeFaulted()
	}
}

// armDepositTimeout gives the taker DepositTimeout to report the published
// deposit. Past that the maker trade is faulted and its offer relisted.
func (m *Manager) armDepositTimeout(id, offerID string) {
	cancel := m.opts.after(m.opts.DepositTimeout, func() {
		m.mu.Lock()
		delete(m.reservations, id)
		m.mu.Unlock()
		if t, ok := m.Trade(id); !ok || t.Phase != PhaseInit {
			return
		}
		m.offers.release(offerID)
		m.faulted(id, "taker did not publish the deposit",
			faults.Transportf(ErrTimeout, "%s for %s", proto.KindDepositTxPublished, id))
	})
	m.mu.Lock()
	if prev, ok := m.reservations[id]; ok {
		prev()
	}
	m.reservations[id] = cancel
	m.mu.Unlock()
}

func (m *Manager) disarmDepositTimeout(id string) {
	m.mu.Lock()
	cancel, ok := m.reservations[id]
	delete(m.reservations, id)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// expect routes the next message of kind for tradeID to fn, or a timeout
// fault once the send timeout passes.
func (m *Manager) expect(tradeID string, kind proto.TradeMessageKind, fn func(proto.TradeMessage, error)) func() {
	key := waitKey{tradeID: tradeID, kind: kind}
	timer := m.opts.Clock.AfterFunc(m.opts.SendTimeout, func() {
		if w, ok := m.take(key); ok {
			w.fn(proto.TradeMessage{}, faults.Transportf(ErrTimeout, "%s for %s", kind, tradeID))
		}
	})
	m.mu.Lock()
	m.waiters[key] = waiter{fn: fn, cancel: timer.Stop}
	m.mu.Unlock()
	return func() {
		if w, ok := m.take(key); ok {
			w.cancel()
		}
	}
}

func (m *Manager) take(key waitKey) (waiter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiters[key]
	if ok {
		delete(m.waiters, key)
	}
	return w, ok
}

func (m *Manager) resolve(msg proto.TradeMessage) bool {
	w, ok := m.take(waitKey{tradeID: msg.TradeID, kind: msg.Kind})
	if !ok {
		return false
	}
	w.cancel()
	w.fn(msg, nil)
	return true
}

// tradeFrom looks up the trade msg belongs to and rejects messages not
// sent by its counterparty.
func (m *Manager) tradeFrom(msg proto.TradeMessage) (Trade, bool) {
	t, ok := m.Trade(msg.TradeID)
	if !ok {
		m.opts.Logger.Info("message for unknown trade", "kind", msg.Kind, "trade", msg.TradeID)
		return Trade{}, false
	}
	if !bytes.Equal(t.PeerKeys.SigPub, msg.SenderPK.SigPub) {
		m.opts.Logger.Warn("message from non-counterparty", "kind", msg.Kind, "trade", msg.TradeID)
		return Trade{}, false
	}
	return t, true
}

func peerMultiSig(t Trade) []byte {
	if t.IsMaker() {
		return t.TakerMultiSig
	}
	return t.MakerMultiSig
}
