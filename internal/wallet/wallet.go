// Package wallet is the boundary to the on-chain wallet. The trade protocol
// only builds, signs and broadcasts opaque transactions through Service.
package wallet

import (
	"context"
	"errors"

	"tradenet/internal/proto"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMissingSignatures = errors.New("transaction missing signatures")
	ErrUnknownTx         = errors.New("unknown transaction")
	ErrRejected          = errors.New("broadcast rejected by network")
)

type Confidence int

const (
	ConfidenceUnknown Confidence = iota
	ConfidencePending
	ConfidenceBuilding
	ConfidenceDead
)

func (c Confidence) String() string {
	switch c {
	case ConfidencePending:
		return "PENDING"
	case ConfidenceBuilding:
		return "BUILDING"
	case ConfidenceDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Seen reports whether the network already knows the transaction.
func (c Confidence) Seen() bool {
	return c == ConfidencePending || c == ConfidenceBuilding
}

type BroadcastKind int

const (
	BroadcastSuccess BroadcastKind = iota + 1
	BroadcastFailure
	// BroadcastMalleated means the transaction confirmed under a different
	// id; TxID carries the id that was observed.
	BroadcastMalleated
)

type BroadcastResult struct {
	Kind BroadcastKind
	TxID string
	Err  error
}

type EscrowRequest struct {
	TradeID     string
	MakerInputs []proto.TxInput
	TakerInputs []proto.TxInput
	MakerPayout string
	TakerPayout string
	Amount      uint64
	MultiSig    [][]byte
}

type Service interface {
	// Inputs reserves funding inputs covering amount.
	Inputs(ctx context.Context, amount uint64) ([]proto.TxInput, error)
	PayoutAddress() string
	MultiSigPubKey() []byte
	CreateFeeTx(ctx context.Context, offerID string, amount uint64) (proto.TxData, error)
	BuildEscrowTx(ctx context.Context, req EscrowRequest) (proto.TxData, error)
	BuildPayoutTx(ctx context.Context, deposit proto.TxData, req EscrowRequest) (proto.TxData, error)
	BuildDelayedPayoutTx(ctx context.Context, deposit proto.TxData, lockHeight int64) (proto.TxData, error)
	SignTx(ctx context.Context, tx proto.TxData) ([]byte, error)
	// VerifyTxSig checks a counterparty signature made with its multisig key.
	VerifyTxSig(tx proto.TxData, pub, sig []byte) bool
	// BroadcastTx publishes tx. The channel yields exactly one result.
	BroadcastTx(ctx context.Context, tx proto.TxData) <-chan BroadcastResult
	BestChainHeight() int64
	// BlockHeightReached yields the chain height once it reaches target.
	BlockHeightReached(target int64) <-chan int64
	Confidence(txID string) Confidence
	// HasTx reports whether the wallet holds txID and the network has seen it.
	HasTx(txID string) bool
	// AddTx records a transaction the peer published so its confidence is
	// tracked locally.
	AddTx(tx proto.TxData)
}

// WithSignature returns tx with sig appended.
func WithSignature(tx proto.TxData, sig []byte) proto.TxData {
	out := tx
	out.Sigs = append(append([][]byte(nil), tx.Sigs...), sig)
	return out
}
