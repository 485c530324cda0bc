package trade

import (
	"context"
	"fmt"

	"tradenet/internal/faults"
	"tradenet/internal/proto"
	"tradenet/internal/task"
	"tradenet/internal/wallet"
)

func (m *Manager) model(id string) (*Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	return t, ok
}

// runTrade drives tasks against trade id and blocks until they end.
func (m *Manager) runTrade(ctx context.Context, id string, onComplete func(), tasks ...task.Task[Trade]) error {
	t, ok := m.model(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, id)
	}
	done, complete, fault := sequenceCallbacks()
	r := runner(m.opts, t, func() {
		if onComplete != nil {
			onComplete()
		}
		complete()
	}, func(msg string, err error) {
		m.faulted(id, msg, err)
		fault(msg, err)
	})
	r.AddTasks(tasks...)
	if err := r.Run(); err != nil {
		return err
	}
	return wait(ctx, done)
}

func (m *Manager) tradeTask(ctx context.Context, name string, fn func(context.Context, Trade, *task.Step[Trade])) task.Task[Trade] {
	return task.Task[Trade]{Name: name, Run: func(s *task.Step[Trade]) {
		t, _ := m.Trade(s.Model().ID)
		fn(ctx, t, s)
	}}
}

// ConfirmPaymentStarted is called by the buyer once the counter currency
// was sent. It signs the cooperative payout and hands it to the seller.
func (m *Manager) ConfirmPaymentStarted(ctx context.Context, id string) error {
	t, ok := m.Trade(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, id)
	}
	if !t.IsBuyer() {
		return faults.Wrap(faults.Validation, "payment started", ErrWrongRole)
	}
	if t.Phase != PhaseDepositConfirmed {
		return faults.New(faults.ProtocolViolation, fmt.Sprintf("payment started in phase %s", t.Phase))
	}
	return m.runTrade(ctx, id, nil,
		m.tradeTask(ctx, "CreateAndSignPayoutTx", m.buyerSignPayout),
		m.tradeTask(ctx, "SendPaymentStarted", m.buyerSendPaymentStarted),
	)
}

func (m *Manager) buyerSignPayout(ctx context.Context, t Trade, s *task.Step[Trade]) {
	payout, err := m.opts.Wallet.BuildPayoutTx(ctx, t.Deposit, t.escrowRequest())
	if err != nil {
		s.Fail(walletFault("build payout", err))
		return
	}
	sig, err := m.opts.Wallet.SignTx(ctx, payout)
	if err != nil {
		s.Fail(walletFault("sign payout", err))
		return
	}
	_, _ = m.update(t.ID, func(t *Trade) error {
		t.Payout = payout
		t.BuyerPayoutSig = sig
		return nil
	})
	s.Complete()
}

func (m *Manager) buyerSendPaymentStarted(ctx context.Context, t Trade, s *task.Step[Trade]) {
	msg := m.opts.message(proto.KindPaymentStarted, t.ID)
	msg.PaymentStarted = &proto.PaymentStarted{Payout: t.Payout, BuyerSignature: t.BuyerPayoutSig}
	m.sendMailbox(ctx, stepFunc{
		complete: func() {
			_, _ = m.update(t.ID, func(t *Trade) error { t.PaymentStarted = true; return nil })
			s.Complete()
		},
		fail: s.Fail,
	}, t, msg)
}

func (m *Manager) handlePaymentStarted(msg proto.TradeMessage, _ proto.NodeAddress) {
	t, ok := m.tradeFrom(msg)
	if !ok {
		return
	}
	if t.IsBuyer() || (t.Phase != PhaseDepositPublished && t.Phase != PhaseDepositConfirmed) {
		m.opts.Logger.Info("payment started ignored", "trade", t.ID, "phase", t.Phase)
		return
	}
	ps := msg.PaymentStarted
	if !m.opts.Wallet.VerifyTxSig(ps.Payout, peerMultiSig(t), ps.BuyerSignature) {
		m.opts.Logger.Warn("payment started with bad buyer signature", "trade", t.ID)
		return
	}
	_, _ = m.update(t.ID, func(t *Trade) error {
		t.Payout = ps.Payout
		t.BuyerPayoutSig = ps.BuyerSignature
		t.PaymentStarted = true
		return nil
	})
	m.opts.Logger.Info("buyer started payment", "trade", t.ID)
}

// ConfirmPaymentReceived is called by the seller once the counter currency
// arrived. It completes and broadcasts the cooperative payout.
func (m *Manager) ConfirmPaymentReceived(ctx context.Context, id string) error {
	t, ok := m.Trade(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, id)
	}
	if t.IsBuyer() {
		return faults.Wrap(faults.Validation, "payment received", ErrWrongRole)
	}
	if !t.PaymentStarted || t.Payout.TxID == "" {
		return faults.New(faults.ProtocolViolation, "buyer has not started payment")
	}
	return m.runTrade(ctx, id, func() { m.watch(id) },
		m.tradeTask(ctx, "SignAndPublishPayoutTx", m.sellerPublishPayout),
		m.tradeTask(ctx, "SendPayoutTxPublished", m.sellerSendPayoutPublished),
	)
}

func (m *Manager) sellerPublishPayout(ctx context.Context, t Trade, s *task.Step[Trade]) {
	if !m.opts.Wallet.VerifyTxSig(t.Payout, peerMultiSig(t), t.BuyerPayoutSig) {
		s.Failf(faults.ProtocolViolation, "buyer payout signature invalid")
		return
	}
	sig, err := m.opts.Wallet.SignTx(ctx, t.Payout)
	if err != nil {
		s.Fail(walletFault("sign payout", err))
		return
	}
	tx := wallet.WithSignature(wallet.WithSignature(t.Payout, t.BuyerPayoutSig), sig)
	await(m.opts.Wallet.BroadcastTx(ctx, tx), func(res wallet.BroadcastResult) {
		if err := broadcastErr("payout tx", res); err != nil {
			s.Fail(err)
			return
		}
		_, _ = m.update(t.ID, func(t *Trade) error { t.Payout = tx; return nil })
		if err := m.setPhase(t.ID, PhasePayoutPublished); err != nil {
			s.Fail(err)
			return
		}
		s.Complete()
	})
}

func (m *Manager) sellerSendPayoutPublished(ctx context.Context, t Trade, s *task.Step[Trade]) {
	msg := m.opts.message(proto.KindPayoutTxPublished, t.ID)
	msg.PayoutPublished = &proto.PayoutTxPublished{Payout: t.Payout}
	m.sendMailbox(ctx, s, t, msg)
}

func (m *Manager) handlePayoutTxPublished(msg proto.TradeMessage, _ proto.NodeAddress) {
	t, ok := m.tradeFrom(msg)
	if !ok || !t.IsBuyer() {
		return
	}
	payout := msg.PayoutPublished.Payout
	m.opts.Wallet.AddTx(payout)
	_, _ = m.update(t.ID, func(t *Trade) error { t.Payout = payout; return nil })
	if err := m.setPhase(t.ID, PhasePayoutPublished); err != nil {
		m.opts.Logger.Info("payout published ignored", "trade", t.ID, "phase", t.Phase, "err", err)
		return
	}
	m.watch(t.ID)
}

// watch arms the confirmation watchers for the trade's current phase and,
// if enabled, the delayed payout fallback.
func (m *Manager) watch(id string) {
	t, ok := m.Trade(id)
	if !ok {
		return
	}
	switch t.Phase {
	case PhaseDepositPublished:
		m.watchConfirmation(id, PhaseDepositPublished, PhaseDepositConfirmed, func(t Trade) string { return t.Deposit.TxID })
	case PhasePayoutPublished:
		m.watchConfirmation(id, PhasePayoutPublished, PhaseCompleted, func(t Trade) string { return t.Payout.TxID })
	}
	if m.opts.AutoDelayedPayout && t.DelayedPayout.TxID != "" && !t.Phase.PayoutDone() {
		await(m.opts.Wallet.BlockHeightReached(t.DelayedPayout.LockHeight), func(int64) {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.SendTimeout)
			defer cancel()
			if err := m.PublishDelayedPayout(ctx, id); err != nil {
				m.opts.Logger.Warn("delayed payout fallback", "trade", id, "err", err)
			}
		})
	}
}

// watchConfirmation moves trade id from one phase to the next once txID is
// building on chain, re-checking on every new block.
func (m *Manager) watchConfirmation(id string, from, to Phase, txID func(Trade) string) {
	next := m.opts.Wallet.BestChainHeight() + 1
	await(m.opts.Wallet.BlockHeightReached(next), func(int64) {
		m.opts.execute(func() {
			t, ok := m.Trade(id)
			if !ok || t.Phase != from {
				return
			}
			if m.opts.Wallet.Confidence(txID(t)) == wallet.ConfidenceBuilding {
				if err := m.setPhase(id, to); err != nil {
					m.opts.Logger.Warn("confirmation phase", "trade", id, "err", err)
				}
				return
			}
			m.watchConfirmation(id, from, to, txID)
		})
	})
}
