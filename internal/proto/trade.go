package proto

import (
	"encoding/json"
	"fmt"
)

type TradeMessageKind string

const (
	KindOfferAvailabilityRequest     TradeMessageKind = "offer_availability_request"
	KindOfferAvailabilityResponse    TradeMessageKind = "offer_availability_response"
	KindInputsForDepositTxRequest    TradeMessageKind = "inputs_for_deposit_tx_request"
	KindDepositTxResponse            TradeMessageKind = "deposit_tx_response"
	KindDepositTxPublished           TradeMessageKind = "deposit_tx_published"
	KindPaymentStarted               TradeMessageKind = "payment_started"
	KindPayoutTxPublished            TradeMessageKind = "payout_tx_published"
	KindOpenDispute                  TradeMessageKind = "open_dispute"
	KindPeerPublishedDisputePayoutTx TradeMessageKind = "peer_published_dispute_payout_tx"
)

type AvailabilityResult string

const (
	AvailabilityAvailable      AvailabilityResult = "AVAILABLE"
	AvailabilityOfferTaken     AvailabilityResult = "OFFER_TAKEN"
	AvailabilityPriceOutOfTol  AvailabilityResult = "PRICE_OUT_OF_TOLERANCE"
	AvailabilityUnknownFailure AvailabilityResult = "UNKNOWN_FAILURE"
	AvailabilityNotAvailable   AvailabilityResult = "NOT_AVAILABLE"
)

// TxData is an opaque transaction reference handed over by the wallet.
type TxData struct {
	TxID       string   `json:"tx_id"`
	Raw        []byte   `json:"raw,omitempty"`
	LockHeight int64    `json:"lock_height,omitempty"`
	Sigs       [][]byte `json:"sigs,omitempty"`
}

type TxInput struct {
	TxID   string `json:"tx_id"`
	Index  uint32 `json:"index"`
	Amount uint64 `json:"amount"`
}

type OfferAvailabilityRequest struct {
	OfferID    string     `json:"offer_id"`
	TakerKeys  PubKeyRing `json:"taker_keys"`
	TradePrice int64      `json:"trade_price"`
}

type OfferAvailabilityResponse struct {
	OfferID string             `json:"offer_id"`
	Result  AvailabilityResult `json:"result"`
	// Arbitrator selected by the maker when the offer is available.
	Arbitrator *NodeAddress `json:"arbitrator,omitempty"`
}

type InputsForDepositTxRequest struct {
	OfferID       string    `json:"offer_id"`
	TradeAmount   uint64    `json:"trade_amount"`
	TradePrice    int64     `json:"trade_price"`
	TakerInputs   []TxInput `json:"taker_inputs"`
	TakerPayout   string    `json:"taker_payout_address"`
	TakerFeeTxID  string    `json:"taker_fee_tx_id"`
	TakerMultiSig []byte    `json:"taker_multisig_pub"`
}

// DepositTxResponse carries the maker's partially signed escrow.
type DepositTxResponse struct {
	Deposit       TxData    `json:"deposit"`
	MakerInputs   []TxInput `json:"maker_inputs"`
	MakerPayout   string    `json:"maker_payout_address"`
	MakerMultiSig []byte    `json:"maker_multisig_pub"`
	DelayedPayout TxData    `json:"delayed_payout"`
}

// DepositTxPublished also hands the maker the fully signed delayed payout.
type DepositTxPublished struct {
	Deposit       TxData `json:"deposit"`
	DelayedPayout TxData `json:"delayed_payout"`
}

// PaymentStarted is sent by the buyer once the counter currency was sent. It
// carries the buyer's signature for the cooperative payout.
type PaymentStarted struct {
	Payout         TxData `json:"payout"`
	BuyerSignature []byte `json:"buyer_signature"`
}

type PayoutTxPublished struct {
	Payout TxData `json:"payout"`
}

type OpenDispute struct {
	Deposit   TxData      `json:"deposit"`
	Reason    string      `json:"reason"`
	Opener    NodeAddress `json:"opener"`
	Counter   NodeAddress `json:"counterparty"`
	OpenedAt  int64       `json:"opened_at"`
	IsMediate bool        `json:"is_mediation,omitempty"`
}

type PeerPublishedDisputePayoutTx struct {
	Payout TxData `json:"payout"`
}

// TradeMessage is the closed set of messages exchanged between trading
// peers. Exactly the field matching Kind is set.
type TradeMessage struct {
	Kind     TradeMessageKind `json:"kind"`
	UID      string           `json:"uid"`
	TradeID  string           `json:"trade_id"`
	Sender   NodeAddress      `json:"sender"`
	SenderPK PubKeyRing       `json:"sender_keys"`

	AvailabilityRequest  *OfferAvailabilityRequest     `json:"availability_request,omitempty"`
	AvailabilityResponse *OfferAvailabilityResponse    `json:"availability_response,omitempty"`
	InputsRequest        *InputsForDepositTxRequest    `json:"inputs_request,omitempty"`
	DepositResponse      *DepositTxResponse            `json:"deposit_response,omitempty"`
	DepositPublished     *DepositTxPublished           `json:"deposit_published,omitempty"`
	PaymentStarted       *PaymentStarted               `json:"payment_started,omitempty"`
	PayoutPublished      *PayoutTxPublished            `json:"payout_published,omitempty"`
	OpenDispute          *OpenDispute                  `json:"open_dispute,omitempty"`
	DisputePayout        *PeerPublishedDisputePayoutTx `json:"dispute_payout,omitempty"`
}

func (m TradeMessage) Validate() error {
	if m.UID == "" || m.TradeID == "" {
		return fmt.Errorf("trade message missing uid or trade id")
	}
	var ok bool
	switch m.Kind {
	case KindOfferAvailabilityRequest:
		ok = m.AvailabilityRequest != nil
	case KindOfferAvailabilityResponse:
		ok = m.AvailabilityResponse != nil
	case KindInputsForDepositTxRequest:
		ok = m.InputsRequest != nil
	case KindDepositTxResponse:
		ok = m.DepositResponse != nil
	case KindDepositTxPublished:
		ok = m.DepositPublished != nil
	case KindPaymentStarted:
		ok = m.PaymentStarted != nil
	case KindPayoutTxPublished:
		ok = m.PayoutPublished != nil
	case KindOpenDispute:
		ok = m.OpenDispute != nil
	case KindPeerPublishedDisputePayoutTx:
		ok = m.DisputePayout != nil
	default:
		return fmt.Errorf("unknown trade message kind %q", m.Kind)
	}
	if !ok {
		return fmt.Errorf("trade message %s: %w", m.Kind, ErrPayloadMismatch)
	}
	return nil
}

func EncodeTradeMessage(m TradeMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func DecodeTradeMessage(data []byte) (TradeMessage, error) {
	var m TradeMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return TradeMessage{}, err
	}
	if err := m.Validate(); err != nil {
		return TradeMessage{}, err
	}
	return m, nil
}
