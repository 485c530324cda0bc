package trade

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"tradenet/internal/events"
	"tradenet/internal/faults"
	"tradenet/internal/messaging"
	"tradenet/internal/proto"
	"tradenet/internal/wallet"
)

// Dispute is a case an arbitrator received.
type Dispute struct {
	TradeID      string            `json:"trade_id"`
	Reason       string            `json:"reason"`
	Opener       proto.NodeAddress `json:"opener"`
	Counterparty proto.NodeAddress `json:"counterparty"`
	Deposit      proto.TxData      `json:"deposit"`
	OpenedMs     int64             `json:"opened_ms"`
}

// OpenDispute moves the trade into arbitration and notifies the
// counterparty and the trade's arbitrator, through mailbox if offline.
func (m *Manager) OpenDispute(ctx context.Context, id, reason string) error {
	t, ok := m.Trade(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, id)
	}
	if !CanTransition(t.Phase, PhaseDisputeOpened) {
		return faults.Wrap(faults.ProtocolViolation, "open dispute in "+string(t.Phase), ErrBadTransition)
	}
	_, _ = m.update(id, func(t *Trade) error { t.DisputeReason = reason; return nil })
	if err := m.setPhase(id, PhaseDisputeOpened); err != nil {
		return err
	}
	m.opts.publish(events.Event{Kind: events.DisputeOpened, TradeID: id, OfferID: t.Offer.ID, Reason: reason})

	msg := m.opts.message(proto.KindOpenDispute, id)
	msg.OpenDispute = &proto.OpenDispute{
		Deposit:  t.Deposit,
		Reason:   reason,
		Opener:   m.opts.Self,
		Counter:  t.Peer,
		OpenedAt: m.opts.Clock.Now().UnixMilli(),
	}
	outs := []<-chan messaging.Outcome{m.opts.Messaging.SendMailbox(ctx, t.Peer, t.PeerKeys, msg)}
	if t.Arbitrator != nil && m.reg != nil {
		if arb, ok := m.reg.Lookup(proto.RoleArbitrator, *t.Arbitrator); ok {
			toArb := msg
			toArb.UID = msg.UID + "-arbitrator"
			outs = append(outs, m.opts.Messaging.SendMailbox(ctx, arb.Address, arb.Keys, toArb))
		} else {
			m.opts.Logger.Warn("arbitrator registration not found", "trade", id, "arbitrator", t.Arbitrator.String())
		}
	}
	var errs error
	for _, ch := range outs {
		if o := <-ch; o.Kind == messaging.Fault {
			errs = multierr.Append(errs, o.Err)
		}
	}
	return errs
}

func (m *Manager) handleOpenDispute(msg proto.TradeMessage, from proto.NodeAddress) {
	od := msg.OpenDispute
	if _, own := m.Trade(msg.TradeID); own {
		t, ok := m.tradeFrom(msg)
		if !ok {
			return
		}
		if !CanTransition(t.Phase, PhaseDisputeOpened) {
			m.opts.Logger.Info("dispute for trade in phase ignored", "trade", t.ID, "phase", t.Phase)
			return
		}
		_, _ = m.update(t.ID, func(t *Trade) error { t.DisputeReason = od.Reason; return nil })
		if err := m.setPhase(t.ID, PhaseDisputeOpened); err == nil {
			m.opts.publish(events.Event{Kind: events.DisputeOpened, TradeID: t.ID, OfferID: t.Offer.ID, Reason: od.Reason})
		}
		return
	}
	if m.reg == nil || !m.reg.IsRegistered(proto.RoleArbitrator) {
		m.opts.Logger.Info("dispute for unknown trade ignored", "trade", msg.TradeID, "peer", from.String())
		return
	}
	m.mu.Lock()
	_, seen := m.disputes[msg.TradeID]
	if !seen {
		m.disputes[msg.TradeID] = Dispute{
			TradeID:      msg.TradeID,
			Reason:       od.Reason,
			Opener:       od.Opener,
			Counterparty: od.Counter,
			Deposit:      od.Deposit,
			OpenedMs:     od.OpenedAt,
		}
	}
	m.mu.Unlock()
	if !seen {
		m.opts.Logger.Info("dispute received", "trade", msg.TradeID, "opener", od.Opener.String())
		m.opts.publish(events.Event{Kind: events.DisputeOpened, TradeID: msg.TradeID, Reason: od.Reason})
	}
}

// Disputes lists cases received as arbitrator, oldest first.
func (m *Manager) Disputes() []Dispute {
	m.mu.Lock()
	out := make([]Dispute, 0, len(m.disputes))
	for _, d := range m.disputes {
		out = append(out, d)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedMs < out[j].OpenedMs })
	return out
}

// PublishDisputePayout broadcasts the arbitrator-assisted payout and tells
// the counterparty about it so its trade closes even if it is offline.
func (m *Manager) PublishDisputePayout(ctx context.Context, id string, payout proto.TxData) error {
	t, ok := m.Trade(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, id)
	}
	if !CanTransition(t.Phase, PhaseDisputeClosed) {
		return faults.Wrap(faults.ProtocolViolation, "dispute payout in "+string(t.Phase), ErrBadTransition)
	}
	var res wallet.BroadcastResult
	select {
	case res = <-m.opts.Wallet.BroadcastTx(ctx, payout):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := broadcastErr("dispute payout tx", res); err != nil {
		m.faulted(id, err.Error(), err)
		return err
	}
	_, _ = m.update(id, func(t *Trade) error { t.DisputePayout = payout; return nil })
	if err := m.setPhase(id, PhaseDisputeClosed); err != nil {
		return err
	}
	msg := m.opts.message(proto.KindPeerPublishedDisputePayoutTx, id)
	msg.DisputePayout = &proto.PeerPublishedDisputePayoutTx{Payout: payout}
	select {
	case o := <-m.opts.Messaging.SendMailbox(ctx, t.Peer, t.PeerKeys, msg):
		if o.Kind == messaging.Fault {
			return o.Err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handleDisputePayout(msg proto.TradeMessage, _ proto.NodeAddress) {
	t, ok := m.tradeFrom(msg)
	if !ok {
		return
	}
	payout := msg.DisputePayout.Payout
	m.opts.Wallet.AddTx(payout)
	_, _ = m.update(t.ID, func(t *Trade) error { t.DisputePayout = payout; return nil })
	if !CanTransition(t.Phase, PhaseDisputeClosed) && CanTransition(t.Phase, PhaseDisputeOpened) {
		_ = m.setPhase(t.ID, PhaseDisputeOpened)
	}
	if err := m.setPhase(t.ID, PhaseDisputeClosed); err != nil {
		m.opts.Logger.Info("dispute payout ignored", "trade", t.ID, "phase", t.Phase, "err", err)
	}
}
