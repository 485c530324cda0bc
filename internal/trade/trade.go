// Package trade drives offers and trades over protected storage and the
// messaging layer: placing and refreshing offers, availability checks, the
// deposit and payout sequences, the delayed payout fallback and disputes.
package trade

import (
	"fmt"

	"tradenet/internal/proto"
	"tradenet/internal/wallet"
)

type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

type Phase string

const (
	PhaseInit                     Phase = "INIT"
	PhaseDepositPublished         Phase = "DEPOSIT_PUBLISHED"
	PhaseDepositConfirmed         Phase = "DEPOSIT_CONFIRMED"
	PhasePayoutPublished          Phase = "PAYOUT_PUBLISHED"
	PhaseCompleted                Phase = "COMPLETED"
	PhaseDisputeOpened            Phase = "DISPUTE_OPENED"
	PhaseDisputeClosed            Phase = "DISPUTE_CLOSED"
	PhaseDelayedPayoutBroadcasted Phase = "DELAYED_PAYOUT_BROADCASTED"
)

// transitions lists the phases reachable from each phase. Dispute and the
// delayed payout fallback are reachable from every post-deposit phase.
var transitions = map[Phase][]Phase{
	PhaseInit: {PhaseDepositPublished},
	PhaseDepositPublished: {
		PhaseDepositConfirmed, PhasePayoutPublished,
		PhaseDisputeOpened, PhaseDelayedPayoutBroadcasted,
	},
	PhaseDepositConfirmed: {
		PhasePayoutPublished, PhaseDisputeOpened, PhaseDelayedPayoutBroadcasted,
	},
	PhasePayoutPublished:          {PhaseCompleted, PhaseDisputeOpened},
	PhaseDisputeOpened:            {PhaseDisputeClosed, PhaseDelayedPayoutBroadcasted, PhasePayoutPublished},
	PhaseDelayedPayoutBroadcasted: {PhaseDisputeOpened, PhaseDisputeClosed},
}

func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Terminal phases accept no further transitions.
func (p Phase) Terminal() bool {
	return len(transitions[p]) == 0
}

// PayoutDone reports whether funds already left the escrow.
func (p Phase) PayoutDone() bool {
	switch p {
	case PhasePayoutPublished, PhaseCompleted, PhaseDisputeClosed, PhaseDelayedPayoutBroadcasted:
		return true
	}
	return false
}

// Trade is one party's view of a trade. Role and Direction together decide
// which steps this party runs; Direction is this party's side of the base
// currency, not the offer's.
type Trade struct {
	ID         string             `json:"id"`
	Offer      proto.OfferPayload `json:"offer"`
	Role       Role               `json:"role"`
	Direction  proto.Direction    `json:"direction"`
	Phase      Phase              `json:"phase"`
	Amount     uint64             `json:"amount"`
	Price      int64              `json:"price"`
	Peer       proto.NodeAddress  `json:"peer"`
	PeerKeys   proto.PubKeyRing   `json:"peer_keys"`
	Arbitrator *proto.NodeAddress `json:"arbitrator,omitempty"`

	TakerFeeTxID  string          `json:"taker_fee_tx_id,omitempty"`
	MakerInputs   []proto.TxInput `json:"maker_inputs,omitempty"`
	TakerInputs   []proto.TxInput `json:"taker_inputs,omitempty"`
	MakerPayout   string          `json:"maker_payout,omitempty"`
	TakerPayout   string          `json:"taker_payout,omitempty"`
	MakerMultiSig []byte          `json:"maker_multisig,omitempty"`
	TakerMultiSig []byte          `json:"taker_multisig,omitempty"`

	Deposit        proto.TxData `json:"deposit"`
	DelayedPayout  proto.TxData `json:"delayed_payout"`
	Payout         proto.TxData `json:"payout"`
	BuyerPayoutSig []byte       `json:"buyer_payout_sig,omitempty"`
	DisputePayout  proto.TxData `json:"dispute_payout"`

	PaymentStarted         bool   `json:"payment_started,omitempty"`
	DelayedPayoutRequested bool   `json:"delayed_payout_requested,omitempty"`
	DisputeReason          string `json:"dispute_reason,omitempty"`
	ErrorMessage           string `json:"error,omitempty"`
	CreatedMs              int64  `json:"created_ms"`
	UpdatedMs              int64  `json:"updated_ms"`
}

func (t *Trade) IsBuyer() bool {
	return t.Direction == proto.DirectionBuy
}

func (t *Trade) IsMaker() bool {
	return t.Role == RoleMaker
}

// setPhase moves the trade to next if the table allows it. Setting the
// current phase again is a no-op.
func (t *Trade) setPhase(next Phase) error {
	if t.Phase == next {
		return nil
	}
	if !CanTransition(t.Phase, next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, t.Phase, next)
	}
	t.Phase = next
	return nil
}

// escrowRequest rebuilds the wallet request for this trade. The seller
// funds the trade amount, both sides fund a security deposit.
func (t *Trade) escrowRequest() wallet.EscrowRequest {
	return wallet.EscrowRequest{
		TradeID:     t.ID,
		MakerInputs: t.MakerInputs,
		TakerInputs: t.TakerInputs,
		MakerPayout: t.MakerPayout,
		TakerPayout: t.TakerPayout,
		Amount:      t.Amount + 2*SecurityDeposit(t.Amount),
		MultiSig:    [][]byte{t.MakerMultiSig, t.TakerMultiSig},
	}
}

// SecurityDeposit each party locks in the escrow on top of the trade amount.
func SecurityDeposit(amount uint64) uint64 {
	d := amount / 10
	if d == 0 {
		d = 1
	}
	return d
}

// TradeFee paid by maker and taker when creating or taking an offer.
func TradeFee(amount uint64) uint64 {
	f := amount * 2 / 1000
	if f == 0 {
		f = 1
	}
	return f
}

// fundingAmount is what one party contributes to the escrow.
func fundingAmount(dir proto.Direction, amount uint64) uint64 {
	if dir == proto.DirectionSell {
		return amount + SecurityDeposit(amount)
	}
	return SecurityDeposit(amount)
}
