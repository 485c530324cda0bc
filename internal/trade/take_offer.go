package trade

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"tradenet/internal/faults"
	"tradenet/internal/messaging"
	"tradenet/internal/proto"
	"tradenet/internal/task"
	"tradenet/internal/wallet"
)

// TakeOffer runs the taker side up to the published deposit: availability,
// taker fee, input exchange, then signing and broadcasting the escrow once
// the maker's signature is in hand. amount zero takes the full offer.
func (m *Manager) TakeOffer(ctx context.Context, offerID string, amount uint64) (Trade, error) {
	offer, ok := m.book.Get(offerID)
	if !ok {
		return Trade{}, fmt.Errorf("%w: %s", ErrUnknownOffer, offerID)
	}
	p := offer.Payload
	if amount == 0 {
		amount = p.Amount
	}
	if amount < p.MinAmount || amount > p.Amount {
		return Trade{}, faults.New(faults.Validation, fmt.Sprintf("amount %d outside [%d, %d]", amount, p.MinAmount, p.Amount))
	}
	t := &Trade{
		ID:        uuid.NewString(),
		Offer:     p,
		Role:      RoleTaker,
		Direction: p.Direction.Opposite(),
		Amount:    amount,
		Price:     p.Price,
		Peer:      p.Maker,
		PeerKeys:  p.MakerKeys,
	}
	m.add(t)

	done, onComplete, onFault := sequenceCallbacks()
	r := runner(m.opts, t, func() {
		m.watch(t.ID)
		onComplete()
	}, func(msg string, err error) {
		m.faulted(t.ID, msg, err)
		onFault(msg, err)
	})
	step := func(name string, fn func(context.Context, *task.Step[Trade])) task.Task[Trade] {
		return task.Task[Trade]{Name: name, Run: func(s *task.Step[Trade]) { fn(ctx, s) }}
	}
	r.AddTasks(
		step("CheckOfferAvailability", m.takerCheckAvailability),
		step("CreateTakerFeeTx", m.takerFeeTx),
		step("SendInputsForDepositTxRequest", m.takerSendInputs),
		step("SignAndPublishDepositTx", m.takerPublishDeposit),
		step("SendDepositTxPublished", m.takerSendDepositPublished),
	)
	if err := r.Run(); err != nil {
		return Trade{}, err
	}
	err := wait(ctx, done)
	res, _ := m.Trade(t.ID)
	return res, err
}

func (m *Manager) takerCheckAvailability(ctx context.Context, s *task.Step[Trade]) {
	t, _ := m.Trade(s.Model().ID)
	md := &availabilityModel{offer: t.Offer, price: t.Price}
	m.requestAvailability(ctx, md, stepFunc{
		complete: func() {
			m.processAvailability(md, stepFunc{
				complete: func() {
					if md.result.Arbitrator != nil {
						arb := *md.result.Arbitrator
						_, _ = m.update(t.ID, func(t *Trade) error { t.Arbitrator = &arb; return nil })
					}
					s.Complete()
				},
				fail: s.Fail,
			})
		},
		fail: s.Fail,
	})
}

// stepFunc adapts plain callbacks to a task step.
type stepFunc struct {
	complete func()
	fail     func(error)
}

func (f stepFunc) Complete()      { f.complete() }
func (f stepFunc) Fail(err error) { f.fail(err) }

func (m *Manager) takerFeeTx(ctx context.Context, s *task.Step[Trade]) {
	t, _ := m.Trade(s.Model().ID)
	tx, err := m.opts.Wallet.CreateFeeTx(ctx, t.Offer.ID, TradeFee(t.Amount))
	if err != nil {
		s.Fail(walletFault("create taker fee tx", err))
		return
	}
	await(m.opts.Wallet.BroadcastTx(ctx, tx), func(res wallet.BroadcastResult) {
		if err := broadcastErr("taker fee tx", res); err != nil {
			s.Fail(err)
			return
		}
		_, _ = m.update(t.ID, func(t *Trade) error { t.TakerFeeTxID = res.TxID; return nil })
		s.Complete()
	})
}

func (m *Manager) takerSendInputs(ctx context.Context, s *task.Step[Trade]) {
	t, _ := m.Trade(s.Model().ID)
	inputs, err := m.opts.Wallet.Inputs(ctx, fundingAmount(t.Direction, t.Amount))
	if err != nil {
		s.Fail(walletFault("reserve taker inputs", err))
		return
	}
	t, _ = m.update(t.ID, func(t *Trade) error {
		t.TakerInputs = inputs
		t.TakerPayout = m.opts.Wallet.PayoutAddress()
		t.TakerMultiSig = m.opts.Wallet.MultiSigPubKey()
		return nil
	})
	msg := m.opts.message(proto.KindInputsForDepositTxRequest, t.ID)
	msg.InputsRequest = &proto.InputsForDepositTxRequest{
		OfferID:       t.Offer.ID,
		TradeAmount:   t.Amount,
		TradePrice:    t.Price,
		TakerInputs:   t.TakerInputs,
		TakerPayout:   t.TakerPayout,
		TakerFeeTxID:  t.TakerFeeTxID,
		TakerMultiSig: t.TakerMultiSig,
	}
	cancel := m.expect(t.ID, proto.KindDepositTxResponse, func(resp proto.TradeMessage, err error) {
		if err != nil {
			s.Fail(err)
			return
		}
		if err := m.takerProcessDepositResponse(t.ID, *resp.DepositResponse); err != nil {
			s.Fail(err)
			return
		}
		s.Complete()
	})
	await(m.opts.Messaging.SendDirect(ctx, t.Peer, t.PeerKeys, msg), func(o messaging.Outcome) {
		if o.Kind == messaging.Fault {
			cancel()
			s.Fail(o.Err)
		}
	})
}

// takerProcessDepositResponse accepts the maker's escrow only with a valid
// maker signature on both the deposit and the delayed payout.
func (m *Manager) takerProcessDepositResponse(id string, resp proto.DepositTxResponse) error {
	verify := func(tx proto.TxData) bool {
		return len(tx.Sigs) == 1 && m.opts.Wallet.VerifyTxSig(tx, resp.MakerMultiSig, tx.Sigs[0])
	}
	if !verify(resp.Deposit) || !verify(resp.DelayedPayout) {
		return faults.Wrap(faults.ProtocolViolation, "deposit response", ErrMissingMakerSig)
	}
	if resp.DelayedPayout.LockHeight <= m.opts.Wallet.BestChainHeight() {
		return faults.New(faults.ProtocolViolation, "delayed payout lock height already reached")
	}
	_, err := m.update(id, func(t *Trade) error {
		t.MakerInputs = resp.MakerInputs
		t.MakerPayout = resp.MakerPayout
		t.MakerMultiSig = resp.MakerMultiSig
		t.Deposit = resp.Deposit
		t.DelayedPayout = resp.DelayedPayout
		return nil
	})
	return err
}

func (m *Manager) takerPublishDeposit(ctx context.Context, s *task.Step[Trade]) {
	t, _ := m.Trade(s.Model().ID)
	depSig, err := m.opts.Wallet.SignTx(ctx, t.Deposit)
	if err != nil {
		s.Fail(walletFault("sign deposit", err))
		return
	}
	dpSig, err := m.opts.Wallet.SignTx(ctx, t.DelayedPayout)
	if err != nil {
		s.Fail(walletFault("sign delayed payout", err))
		return
	}
	deposit := wallet.WithSignature(t.Deposit, depSig)
	delayed := wallet.WithSignature(t.DelayedPayout, dpSig)
	await(m.opts.Wallet.BroadcastTx(ctx, deposit), func(res wallet.BroadcastResult) {
		if err := broadcastErr("deposit tx", res); err != nil {
			s.Fail(err)
			return
		}
		_, _ = m.update(t.ID, func(t *Trade) error {
			t.Deposit = deposit
			t.DelayedPayout = delayed
			return nil
		})
		if err := m.setPhase(t.ID, PhaseDepositPublished); err != nil {
			s.Fail(err)
			return
		}
		s.Complete()
	})
}

func (m *Manager) takerSendDepositPublished(ctx context.Context, s *task.Step[Trade]) {
	t, _ := m.Trade(s.Model().ID)
	msg := m.opts.message(proto.KindDepositTxPublished, t.ID)
	msg.DepositPublished = &proto.DepositTxPublished{Deposit: t.Deposit, DelayedPayout: t.DelayedPayout}
	m.sendMailbox(ctx, s, t, msg)
}

// sendMailbox completes s once msg arrived or was stored for the peer.
func (m *Manager) sendMailbox(ctx context.Context, s stepper, t Trade, msg proto.TradeMessage) {
	await(m.opts.Messaging.SendMailbox(ctx, t.Peer, t.PeerKeys, msg), func(o messaging.Outcome) {
		if o.Kind == messaging.Fault {
			s.Fail(o.Err)
			return
		}
		m.opts.Logger.Debug("trade message sent", "kind", msg.Kind, "trade", t.ID, "outcome", o.Kind)
		s.Complete()
	})
}

// handleInputsForDepositTx starts the maker side of a take: reserve the
// offer, contribute inputs and hand back a maker-signed escrow.
func (m *Manager) handleInputsForDepositTx(msg proto.TradeMessage, from proto.NodeAddress) {
	req := msg.InputsRequest
	if _, exists := m.Trade(msg.TradeID); exists {
		m.opts.Logger.Info("duplicate take request ignored", "trade", msg.TradeID)
		return
	}
	offer, ok := m.offers.reserve(req.OfferID)
	if !ok {
		m.opts.Logger.Info("take request for unavailable offer", "offer", req.OfferID, "peer", from.String())
		return
	}
	t := &Trade{
		ID:            msg.TradeID,
		Offer:         offer,
		Role:          RoleMaker,
		Direction:     offer.Direction,
		Amount:        req.TradeAmount,
		Price:         req.TradePrice,
		Peer:          msg.Sender,
		PeerKeys:      msg.SenderPK,
		TakerFeeTxID:  req.TakerFeeTxID,
		TakerInputs:   req.TakerInputs,
		TakerPayout:   req.TakerPayout,
		TakerMultiSig: req.TakerMultiSig,
	}
	if m.reg != nil {
		if arb, ok := m.reg.Select(proto.RoleArbitrator, msg.Sender, m.opts.Self); ok {
			addr := arb.Address
			t.Arbitrator = &addr
		}
	}
	m.add(t)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SendTimeout)
	r := runner(m.opts, t, func() {
		cancel()
		m.armDepositTimeout(t.ID, offer.ID)
		m.opts.Logger.Info("deposit response sent", "trade", t.ID)
	}, func(msg string, err error) {
		cancel()
		m.offers.release(offer.ID)
		m.faulted(t.ID, msg, err)
	})
	step := func(name string, fn func(context.Context, *task.Step[Trade])) task.Task[Trade] {
		return task.Task[Trade]{Name: name, Run: func(s *task.Step[Trade]) { fn(ctx, s) }}
	}
	r.AddTasks(
		step("ValidateTakeOfferRequest", m.makerValidateRequest),
		step("CreateMakerDepositInputs", m.makerInputs),
		step("CreateAndSignDepositTx", m.makerSignDeposit),
		step("CreateAndSignDelayedPayoutTx", m.makerSignDelayedPayout),
		step("SendDepositTxResponse", m.makerSendDepositResponse),
	)
	if err := r.Run(); err != nil {
		cancel()
		m.opts.Logger.Warn("maker sequence not started", "trade", t.ID, "err", err)
	}
}

func (m *Manager) makerValidateRequest(_ context.Context, s *task.Step[Trade]) {
	t, _ := m.Trade(s.Model().ID)
	switch {
	case t.Amount < t.Offer.MinAmount || t.Amount > t.Offer.Amount:
		s.Failf(faults.Validation, "trade amount %d outside offer range", t.Amount)
	case !priceWithin(t.Price, t.Offer.Price, m.opts.PriceTolerance):
		s.Failf(faults.Validation, "trade price %d out of tolerance", t.Price)
	case len(t.TakerInputs) == 0 || len(t.TakerMultiSig) == 0 || t.TakerFeeTxID == "":
		s.Failf(faults.Validation, "incomplete taker contribution")
	default:
		s.Complete()
	}
}

func (m *Manager) makerInputs(ctx context.Context, s *task.Step[Trade]) {
	t, _ := m.Trade(s.Model().ID)
	inputs, err := m.opts.Wallet.Inputs(ctx, fundingAmount(t.Direction, t.Amount))
	if err != nil {
		s.Fail(walletFault("reserve maker inputs", err))
		return
	}
	_, _ = m.update(t.ID, func(t *Trade) error {
		t.MakerInputs = inputs
		t.MakerPayout = m.opts.Wallet.PayoutAddress()
		t.MakerMultiSig = m.opts.Wallet.MultiSigPubKey()
		return nil
	})
	s.Complete()
}

func (m *Manager) makerSignDeposit(ctx context.Context, s *task.Step[Trade]) {
	t, _ := m.Trade(s.Model().ID)
	dep, err := m.opts.Wallet.BuildEscrowTx(ctx, t.escrowRequest())
	if err != nil {
		s.Fail(walletFault("build deposit", err))
		return
	}
	sig, err := m.opts.Wallet.SignTx(ctx, dep)
	if err != nil {
		s.Fail(walletFault("sign deposit", err))
		return
	}
	_, _ = m.update(t.ID, func(t *Trade) error { t.Deposit = wallet.WithSignature(dep, sig); return nil })
	s.Complete()
}

func (m *Manager) makerSignDelayedPayout(ctx context.Context, s *task.Step[Trade]) {
	t, _ := m.Trade(s.Model().ID)
	lock := m.opts.Wallet.BestChainHeight() + m.opts.LockBlocks
	tx, err := m.opts.Wallet.BuildDelayedPayoutTx(ctx, t.Deposit, lock)
	if err != nil {
		s.Fail(walletFault("build delayed payout", err))
		return
	}
	sig, err := m.opts.Wallet.SignTx(ctx, tx)
	if err != nil {
		s.Fail(walletFault("sign delayed payout", err))
		return
	}
	_, _ = m.update(t.ID, func(t *Trade) error { t.DelayedPayout = wallet.WithSignature(tx, sig); return nil })
	s.Complete()
}

func (m *Manager) makerSendDepositResponse(ctx context.Context, s *task.Step[Trade]) {
	t, _ := m.Trade(s.Model().ID)
	msg := m.opts.message(proto.KindDepositTxResponse, t.ID)
	msg.DepositResponse = &proto.DepositTxResponse{
		Deposit:       t.Deposit,
		MakerInputs:   t.MakerInputs,
		MakerPayout:   t.MakerPayout,
		MakerMultiSig: t.MakerMultiSig,
		DelayedPayout: t.DelayedPayout,
	}
	await(m.opts.Messaging.SendDirect(ctx, t.Peer, t.PeerKeys, msg), func(o messaging.Outcome) {
		if o.Kind == messaging.Fault {
			s.Fail(o.Err)
			return
		}
		s.Complete()
	})
}

// handleDepositTxPublished moves the maker's trade forward once the taker
// broadcast the escrow.
func (m *Manager) handleDepositTxPublished(msg proto.TradeMessage, _ proto.NodeAddress) {
	t, ok := m.tradeFrom(msg)
	if !ok || !t.IsMaker() {
		return
	}
	if t.Phase != PhaseInit {
		m.opts.Logger.Info("deposit published for trade past init", "trade", t.ID, "phase", t.Phase)
		return
	}
	m.disarmDepositTimeout(t.ID)
	pub := msg.DepositPublished
	if pub.DelayedPayout.TxID != t.DelayedPayout.TxID || len(pub.DelayedPayout.Sigs) < 2 {
		m.faulted(t.ID, "delayed payout mismatch", faults.New(faults.ProtocolViolation, "delayed payout mismatch"))
		return
	}
	m.opts.Wallet.AddTx(pub.Deposit)
	_, _ = m.update(t.ID, func(t *Trade) error {
		t.Deposit = pub.Deposit
		t.DelayedPayout = pub.DelayedPayout
		t.ErrorMessage = ""
		return nil
	})
	if err := m.setPhase(t.ID, PhaseDepositPublished); err != nil {
		m.opts.Logger.Warn("deposit phase", "trade", t.ID, "err", err)
		return
	}
	m.offers.close(t.Offer.ID)
	m.watch(t.ID)
}
