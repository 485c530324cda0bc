package trade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"tradenet/internal/faults"
	"tradenet/internal/messaging"
	"tradenet/internal/proto"
	"tradenet/internal/task"
	"tradenet/internal/wallet"
)

const offerProtocolVersion = 1

type OpenOfferState string

const (
	OpenOfferAvailable OpenOfferState = "AVAILABLE"
	OpenOfferReserved  OpenOfferState = "RESERVED"
	OpenOfferClosed    OpenOfferState = "CLOSED"
	OpenOfferCanceled  OpenOfferState = "CANCELED"
)

// OpenOffer is an offer this node made and still answers for.
type OpenOffer struct {
	Offer proto.OfferPayload `json:"offer"`
	State OpenOfferState     `json:"state"`
}

type OfferParams struct {
	Direction       proto.Direction
	BaseCurrency    string
	CounterCurrency string
	Price           int64
	Amount          uint64
	MinAmount       uint64
	PaymentMethod   string
}

func (p OfferParams) validate() error {
	switch {
	case !p.Direction.Valid():
		return fmt.Errorf("invalid direction %q", p.Direction)
	case p.BaseCurrency == "" || p.CounterCurrency == "":
		return errors.New("missing currency")
	case p.Price <= 0:
		return errors.New("price must be positive")
	case p.Amount == 0:
		return errors.New("amount must be positive")
	case p.MinAmount > p.Amount:
		return errors.New("min amount above amount")
	}
	return nil
}

// OpenOfferManager places, refreshes and cancels this node's offers and
// answers availability requests for them.
type OpenOfferManager struct {
	opts Options
	reg  *Registry

	mu     sync.Mutex
	offers map[string]*OpenOffer
}

// NewOpenOfferManager registers the maker side availability handler. reg
// may be nil, offers are then answered without an arbitrator.
func NewOpenOfferManager(opts Options, reg *Registry) *OpenOfferManager {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("component", "open_offers")
	m := &OpenOfferManager{
		opts:   opts,
		reg:    reg,
		offers: make(map[string]*OpenOffer),
	}
	opts.Messaging.Handle(proto.KindOfferAvailabilityRequest, m.handleAvailabilityRequest)
	return m
}

// Load restores persisted open offers and republishes the available ones.
func (m *OpenOfferManager) Load() error {
	if m.opts.Persister == nil {
		return nil
	}
	list, err := m.opts.Persister.LoadOpenOffers()
	if err != nil {
		return err
	}
	m.mu.Lock()
	for i := range list {
		oo := list[i]
		m.offers[oo.Offer.ID] = &oo
	}
	m.mu.Unlock()
	m.RefreshOffers()
	return nil
}

type placeOfferModel struct {
	params OfferParams
	offer  proto.OfferPayload
	feeTx  proto.TxData
	added  bool
}

// PlaceOffer validates, pays the maker fee and publishes a new offer. An
// offer that made it into the book is removed again if a later step fails.
func (m *OpenOfferManager) PlaceOffer(ctx context.Context, params OfferParams) (OpenOffer, error) {
	model := &placeOfferModel{params: params}
	done, onComplete, onFault := sequenceCallbacks()
	r := runner(m.opts, model, onComplete, func(msg string, err error) {
		if model.added {
			m.removeFromBook(model.offer)
		}
		m.mu.Lock()
		delete(m.offers, model.offer.ID)
		m.mu.Unlock()
		onFault(msg, err)
	})
	r.AddTasks(
		task.Task[placeOfferModel]{Name: "ValidateOffer", Run: m.validateOffer},
		task.Task[placeOfferModel]{Name: "CreateOfferFeeTx", Run: func(s *task.Step[placeOfferModel]) { m.createFeeTx(ctx, s) }},
		task.Task[placeOfferModel]{Name: "BroadcastFeeTx", Run: func(s *task.Step[placeOfferModel]) { m.broadcastFeeTx(ctx, s) }},
		task.Task[placeOfferModel]{Name: "AddOfferToOfferBook", Run: m.addToBook},
		task.Task[placeOfferModel]{Name: "PersistOpenOffer", Run: m.persistOpenOffer},
	)
	if err := r.Run(); err != nil {
		return OpenOffer{}, err
	}
	if err := wait(ctx, done); err != nil {
		return OpenOffer{}, err
	}
	m.opts.Logger.Info("offer placed", "offer", model.offer.ID, "direction", model.offer.Direction, "amount", model.offer.Amount)
	return OpenOffer{Offer: model.offer, State: OpenOfferAvailable}, nil
}

func (m *OpenOfferManager) validateOffer(s *task.Step[placeOfferModel]) {
	md := s.Model()
	if err := md.params.validate(); err != nil {
		s.Fail(faults.Wrap(faults.Validation, "offer", err))
		return
	}
	p := md.params
	minAmount := p.MinAmount
	if minAmount == 0 {
		minAmount = p.Amount
	}
	md.offer = proto.OfferPayload{
		ID:              uuid.NewString(),
		Direction:       p.Direction,
		BaseCurrency:    p.BaseCurrency,
		CounterCurrency: p.CounterCurrency,
		Price:           p.Price,
		Amount:          p.Amount,
		MinAmount:       minAmount,
		PaymentMethod:   p.PaymentMethod,
		Maker:           m.opts.Self,
		MakerKeys:       m.opts.pubKeys(),
		CreatedAt:       m.opts.Clock.Now().UnixMilli(),
		ProtocolVersion: offerProtocolVersion,
	}
	s.Complete()
}

func (m *OpenOfferManager) createFeeTx(ctx context.Context, s *task.Step[placeOfferModel]) {
	md := s.Model()
	tx, err := m.opts.Wallet.CreateFeeTx(ctx, md.offer.ID, TradeFee(md.offer.Amount))
	if err != nil {
		s.Fail(walletFault("create fee tx", err))
		return
	}
	md.feeTx = tx
	s.Complete()
}

func (m *OpenOfferManager) broadcastFeeTx(ctx context.Context, s *task.Step[placeOfferModel]) {
	md := s.Model()
	await(m.opts.Wallet.BroadcastTx(ctx, md.feeTx), func(res wallet.BroadcastResult) {
		if err := broadcastErr("fee tx", res); err != nil {
			s.Fail(err)
			return
		}
		md.offer.FeeTxID = res.TxID
		s.Complete()
	})
}

func (m *OpenOfferManager) addToBook(s *task.Step[placeOfferModel]) {
	md := s.Model()
	if err := m.publishOffer(md.offer); err != nil {
		s.Fail(err)
		return
	}
	md.added = true
	m.mu.Lock()
	m.offers[md.offer.ID] = &OpenOffer{Offer: md.offer, State: OpenOfferAvailable}
	m.mu.Unlock()
	s.Complete()
}

func (m *OpenOfferManager) persistOpenOffer(s *task.Step[placeOfferModel]) {
	md := s.Model()
	if m.opts.Persister != nil {
		if err := m.opts.Persister.SaveOpenOffer(OpenOffer{Offer: md.offer, State: OpenOfferAvailable}); err != nil {
			s.Fail(faults.Wrap(faults.Fatal, "persist open offer", err))
			return
		}
	}
	s.Complete()
}

func (m *OpenOfferManager) publishOffer(o proto.OfferPayload) error {
	entry, err := m.opts.Storage.NewEntry(proto.OfferStoragePayload(o), m.opts.Keys)
	if err != nil {
		return faults.Wrap(faults.Fatal, "sign offer", err)
	}
	if res := m.opts.Storage.Add(entry, nil); !res.Accepted {
		return faults.New(faults.StorageRejection, "offer "+string(res.Reason))
	}
	return nil
}

func (m *OpenOfferManager) removeFromBook(o proto.OfferPayload) {
	rm, err := m.opts.Storage.NewRemoveEntry(proto.OfferStoragePayload(o), m.opts.Keys)
	if err != nil {
		m.opts.Logger.Warn("sign offer remove", "offer", o.ID, "err", err)
		return
	}
	if res := m.opts.Storage.Remove(rm, nil); !res.Accepted {
		m.opts.Logger.Warn("offer remove rejected", "offer", o.ID, "reason", res.Reason)
	}
}

// CancelOffer retracts an offer that has not been taken. A reserved offer
// can be canceled too; its pending take then finds nothing to release.
func (m *OpenOfferManager) CancelOffer(id string) error {
	m.mu.Lock()
	oo, ok := m.offers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOffer, id)
	}
	if oo.State != OpenOfferAvailable && oo.State != OpenOfferReserved {
		state := oo.State
		m.mu.Unlock()
		return fmt.Errorf("offer %s is %s", id, state)
	}
	listed := oo.State == OpenOfferAvailable
	oo.State = OpenOfferCanceled
	offer := oo.Offer
	delete(m.offers, id)
	m.mu.Unlock()

	if listed {
		m.removeFromBook(offer)
	}
	if m.opts.Persister != nil {
		if err := m.opts.Persister.DeleteOpenOffer(id); err != nil {
			return err
		}
	}
	m.opts.Logger.Info("offer canceled", "offer", id)
	return nil
}

// RefreshOffers extends the TTL of every available offer, re-adding those
// that already expired from storage. It returns how many were refreshed.
func (m *OpenOfferManager) RefreshOffers() int {
	n := 0
	for _, oo := range m.List() {
		if oo.State != OpenOfferAvailable {
			continue
		}
		payload := proto.OfferStoragePayload(oo.Offer)
		h, err := payload.Hash()
		if err != nil {
			continue
		}
		if _, held := m.opts.Storage.Get(h); !held {
			if err := m.publishOffer(oo.Offer); err != nil {
				m.opts.Logger.Warn("republish offer", "offer", oo.Offer.ID, "err", err)
				continue
			}
			n++
			continue
		}
		msg, err := m.opts.Storage.NewRefresh(h, m.opts.Keys)
		if err != nil {
			continue
		}
		if res := m.opts.Storage.RefreshTTL(msg, nil); res.Accepted {
			n++
		} else {
			m.opts.Logger.Debug("offer refresh rejected", "offer", oo.Offer.ID, "reason", res.Reason)
		}
	}
	return n
}

// Run refreshes offers until ctx ends.
func (m *OpenOfferManager) Run(ctx context.Context) {
	t := m.opts.Clock.Ticker(m.opts.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.RefreshOffers()
		}
	}
}

func (m *OpenOfferManager) Get(id string) (OpenOffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oo, ok := m.offers[id]
	if !ok {
		return OpenOffer{}, false
	}
	return *oo, true
}

func (m *OpenOfferManager) List() []OpenOffer {
	m.mu.Lock()
	out := make([]OpenOffer, 0, len(m.offers))
	for _, oo := range m.offers {
		out = append(out, *oo)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Offer.CreatedAt < out[j].Offer.CreatedAt })
	return out
}

// reserve takes an available offer out of the book for a starting trade.
func (m *OpenOfferManager) reserve(id string) (proto.OfferPayload, bool) {
	m.mu.Lock()
	oo, ok := m.offers[id]
	if !ok || oo.State != OpenOfferAvailable {
		m.mu.Unlock()
		return proto.OfferPayload{}, false
	}
	oo.State = OpenOfferReserved
	offer := oo.Offer
	m.mu.Unlock()
	m.removeFromBook(offer)
	return offer, true
}

// release puts a reserved offer back into the book after a failed take.
func (m *OpenOfferManager) release(id string) {
	m.mu.Lock()
	oo, ok := m.offers[id]
	if !ok || oo.State != OpenOfferReserved {
		m.mu.Unlock()
		return
	}
	oo.State = OpenOfferAvailable
	offer := oo.Offer
	m.mu.Unlock()
	if err := m.publishOffer(offer); err != nil {
		m.opts.Logger.Warn("offer not restored", "offer", id, "err", err)
	}
}

// close retires an offer whose trade went through. An offer relisted by an
// expired reservation is taken out of the book again.
func (m *OpenOfferManager) close(id string) {
	m.mu.Lock()
	oo, ok := m.offers[id]
	var listed bool
	var offer proto.OfferPayload
	if ok {
		listed = oo.State == OpenOfferAvailable
		offer = oo.Offer
		oo.State = OpenOfferClosed
		delete(m.offers, id)
	}
	m.mu.Unlock()
	if listed {
		m.removeFromBook(offer)
	}
	if ok && m.opts.Persister != nil {
		if err := m.opts.Persister.DeleteOpenOffer(id); err != nil {
			m.opts.Logger.Warn("delete open offer", "offer", id, "err", err)
		}
	}
}

// availability decides the maker's answer to an availability request.
// Offers no longer held, closed or canceled are NOT_AVAILABLE.
func (m *OpenOfferManager) availability(req proto.OfferAvailabilityRequest) proto.AvailabilityResult {
	oo, ok := m.Get(req.OfferID)
	if !ok {
		return proto.AvailabilityNotAvailable
	}
	switch oo.State {
	case OpenOfferReserved:
		return proto.AvailabilityOfferTaken
	case OpenOfferAvailable:
	default:
		return proto.AvailabilityNotAvailable
	}
	if !priceWithin(req.TradePrice, oo.Offer.Price, m.opts.PriceTolerance) {
		return proto.AvailabilityPriceOutOfTol
	}
	return proto.AvailabilityAvailable
}

func priceWithin(got, want int64, tolerance float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= tolerance*float64(want)
}

func (m *OpenOfferManager) handleAvailabilityRequest(msg proto.TradeMessage, from proto.NodeAddress) {
	req := msg.AvailabilityRequest
	result := m.availability(*req)
	resp := m.opts.message(proto.KindOfferAvailabilityResponse, msg.TradeID)
	resp.AvailabilityResponse = &proto.OfferAvailabilityResponse{OfferID: req.OfferID, Result: result}
	if result == proto.AvailabilityAvailable && m.reg != nil {
		if arb, ok := m.reg.Select(proto.RoleArbitrator, from, m.opts.Self); ok {
			addr := arb.Address
			resp.AvailabilityResponse.Arbitrator = &addr
		}
	}
	m.opts.Logger.Info("availability request", "offer", req.OfferID, "peer", from.String(), "result", result)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SendTimeout)
	await(m.opts.Messaging.SendDirect(ctx, from, msg.SenderPK, resp), func(o messaging.Outcome) {
		defer cancel()
		if o.Err != nil {
			m.opts.Logger.Debug("availability response not delivered", "offer", req.OfferID, "err", o.Err)
		}
	})
}

func walletFault(op string, err error) error {
	if errors.Is(err, wallet.ErrInsufficientFunds) {
		return faults.Consensusf(err, "%s", op)
	}
	return faults.Wrap(faults.Fatal, op, err)
}

// broadcastErr classifies a broadcast result. Malleated and rejected
// transactions are consensus faults.
func broadcastErr(what string, res wallet.BroadcastResult) error {
	switch res.Kind {
	case wallet.BroadcastSuccess:
		return nil
	case wallet.BroadcastMalleated:
		return faults.New(faults.Consensus, fmt.Sprintf("%s malleated, confirmed as %s", what, res.TxID))
	default:
		return faults.Consensusf(res.Err, "broadcast %s", what)
	}
}
