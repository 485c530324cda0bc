package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tradenet/internal/crypto"
	"tradenet/internal/proto"
)

type txKind string

const (
	txFee           txKind = "fee"
	txEscrow        txKind = "escrow"
	txPayout        txKind = "payout"
	txDelayedPayout txKind = "delayed_payout"
)

// requiredSigs is how many signatures each kind needs before the network
// accepts it.
var requiredSigs = map[txKind]int{
	txFee:           0,
	txEscrow:        2,
	txPayout:        2,
	txDelayedPayout: 2,
}

type rawTx struct {
	Kind       txKind          `json:"kind"`
	Ref        string          `json:"ref"`
	Inputs     []proto.TxInput `json:"inputs,omitempty"`
	Amount     uint64          `json:"amount,omitempty"`
	LockHeight int64           `json:"lock_height,omitempty"`
	Nonce      string          `json:"nonce"`
}

type heightWaiter struct {
	target int64
	ch     chan int64
}

// Chain is a simulated regtest chain shared by Memory wallets. Broadcast
// transactions stay pending until the next Mine call.
type Chain struct {
	mu         sync.Mutex
	height     int64
	confidence map[string]Confidence
	broadcasts map[string]int
	waiters    []heightWaiter
}

func NewChain() *Chain {
	return &Chain{
		height:     100,
		confidence: make(map[string]Confidence),
		broadcasts: make(map[string]int),
	}
}

// Mine advances the chain by n blocks and confirms pending transactions.
func (c *Chain) Mine(n int) {
	c.mu.Lock()
	c.height += int64(n)
	for id, conf := range c.confidence {
		if conf == ConfidencePending {
			c.confidence[id] = ConfidenceBuilding
		}
	}
	var fire []heightWaiter
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.target <= c.height {
			fire = append(fire, w)
		} else {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
	h := c.height
	c.mu.Unlock()

	for _, w := range fire {
		w.ch <- h
	}
}

func (c *Chain) Height() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

func (c *Chain) waitHeight(target int64) <-chan int64 {
	ch := make(chan int64, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.height >= target {
		ch <- c.height
		return ch
	}
	c.waiters = append(c.waiters, heightWaiter{target: target, ch: ch})
	return ch
}

func (c *Chain) publish(id string) {
	c.mu.Lock()
	if c.confidence[id] == ConfidenceUnknown {
		c.confidence[id] = ConfidencePending
	}
	c.mu.Unlock()
}

func (c *Chain) confidenceOf(id string) Confidence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confidence[id]
}

// Broadcasts returns how often txID was handed to any wallet's BroadcastTx.
func (c *Chain) Broadcasts(txID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcasts[txID]
}

// Memory is an in-process wallet for regtest runs and tests.
type Memory struct {
	chain   *Chain
	keys    *crypto.KeyRing
	mu      sync.Mutex
	balance uint64
	known   map[string]bool

	// FailBroadcast, when set, decides per transaction whether the network
	// rejects it.
	FailBroadcast func(tx proto.TxData) error
	// Malleate, when set, returns the id a broadcast transaction confirms
	// under.
	Malleate func(txID string) string
}

// NewMemory returns a wallet on its own private chain.
func NewMemory(balance uint64) (*Memory, error) {
	return NewMemoryOn(NewChain(), balance)
}

func NewMemoryOn(chain *Chain, balance uint64) (*Memory, error) {
	keys, err := crypto.NewKeyRing()
	if err != nil {
		return nil, err
	}
	return &Memory{
		chain:   chain,
		keys:    keys,
		balance: balance,
		known:   make(map[string]bool),
	}, nil
}

func (m *Memory) Chain() *Chain { return m.chain }

func (m *Memory) build(kind txKind, r rawTx) (proto.TxData, error) {
	r.Kind = kind
	r.Nonce = uuid.NewString()
	raw, err := json.Marshal(r)
	if err != nil {
		return proto.TxData{}, err
	}
	id := hex.EncodeToString(crypto.SHA3_256(raw))
	return proto.TxData{TxID: id, Raw: raw, LockHeight: r.LockHeight}, nil
}

func (m *Memory) Inputs(_ context.Context, amount uint64) ([]proto.TxInput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount > m.balance {
		return nil, fmt.Errorf("%w: have %d need %d", ErrInsufficientFunds, m.balance, amount)
	}
	m.balance -= amount
	return []proto.TxInput{{TxID: uuid.NewString(), Index: 0, Amount: amount}}, nil
}

func (m *Memory) Balance() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

func (m *Memory) PayoutAddress() string {
	return "regtest1" + hex.EncodeToString(m.keys.SigPub[:8])
}

func (m *Memory) MultiSigPubKey() []byte {
	return append([]byte(nil), m.keys.SigPub...)
}

func (m *Memory) CreateFeeTx(ctx context.Context, offerID string, amount uint64) (proto.TxData, error) {
	in, err := m.Inputs(ctx, amount)
	if err != nil {
		return proto.TxData{}, err
	}
	return m.build(txFee, rawTx{Ref: offerID, Inputs: in, Amount: amount})
}

func (m *Memory) BuildEscrowTx(_ context.Context, req EscrowRequest) (proto.TxData, error) {
	if len(req.MakerInputs) == 0 || len(req.TakerInputs) == 0 {
		return proto.TxData{}, fmt.Errorf("escrow needs inputs from both parties")
	}
	inputs := append(append([]proto.TxInput(nil), req.MakerInputs...), req.TakerInputs...)
	return m.build(txEscrow, rawTx{Ref: req.TradeID, Inputs: inputs, Amount: req.Amount})
}

func (m *Memory) BuildPayoutTx(_ context.Context, deposit proto.TxData, req EscrowRequest) (proto.TxData, error) {
	return m.build(txPayout, rawTx{Ref: deposit.TxID, Amount: req.Amount})
}

func (m *Memory) BuildDelayedPayoutTx(_ context.Context, deposit proto.TxData, lockHeight int64) (proto.TxData, error) {
	return m.build(txDelayedPayout, rawTx{Ref: deposit.TxID, LockHeight: lockHeight})
}

// SignTx signs tx with the multisig key. A signed transaction counts as held
// by the wallet.
func (m *Memory) SignTx(_ context.Context, tx proto.TxData) ([]byte, error) {
	sig, err := crypto.Sign(m.keys.SigPriv, crypto.SHA3_256(tx.Raw))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.known[tx.TxID] = true
	m.mu.Unlock()
	return sig, nil
}

func (m *Memory) VerifyTxSig(tx proto.TxData, pub, sig []byte) bool {
	return crypto.Verify(pub, crypto.SHA3_256(tx.Raw), sig)
}

func (m *Memory) BroadcastTx(_ context.Context, tx proto.TxData) <-chan BroadcastResult {
	out := make(chan BroadcastResult, 1)
	var raw rawTx
	if err := json.Unmarshal(tx.Raw, &raw); err != nil {
		out <- BroadcastResult{Kind: BroadcastFailure, TxID: tx.TxID, Err: err}
		return out
	}

	c := m.chain
	c.mu.Lock()
	c.broadcasts[tx.TxID]++
	height := c.height
	c.mu.Unlock()
	if need := requiredSigs[raw.Kind]; len(tx.Sigs) < need {
		out <- BroadcastResult{Kind: BroadcastFailure, TxID: tx.TxID, Err: ErrMissingSignatures}
		return out
	}
	if raw.LockHeight > height {
		out <- BroadcastResult{Kind: BroadcastFailure, TxID: tx.TxID, Err: fmt.Errorf("%w: non-final until height %d", ErrRejected, raw.LockHeight)}
		return out
	}
	if m.FailBroadcast != nil {
		if err := m.FailBroadcast(tx); err != nil {
			out <- BroadcastResult{Kind: BroadcastFailure, TxID: tx.TxID, Err: err}
			return out
		}
	}
	id := tx.TxID
	if m.Malleate != nil {
		id = m.Malleate(tx.TxID)
	}
	c.publish(id)
	m.mu.Lock()
	m.known[id] = true
	m.mu.Unlock()

	if id != tx.TxID {
		out <- BroadcastResult{Kind: BroadcastMalleated, TxID: id}
	} else {
		out <- BroadcastResult{Kind: BroadcastSuccess, TxID: id}
	}
	return out
}

// Mine advances the shared chain.
func (m *Memory) Mine(n int) {
	m.chain.Mine(n)
}

func (m *Memory) BestChainHeight() int64 {
	return m.chain.Height()
}

func (m *Memory) BlockHeightReached(target int64) <-chan int64 {
	return m.chain.waitHeight(target)
}

func (m *Memory) Confidence(txID string) Confidence {
	return m.chain.confidenceOf(txID)
}

func (m *Memory) HasTx(txID string) bool {
	m.mu.Lock()
	known := m.known[txID]
	m.mu.Unlock()
	return known && m.Confidence(txID).Seen()
}

func (m *Memory) AddTx(tx proto.TxData) {
	m.chain.publish(tx.TxID)
	m.mu.Lock()
	m.known[tx.TxID] = true
	m.mu.Unlock()
}

func (m *Memory) Broadcasts(txID string) int {
	return m.chain.Broadcasts(txID)
}

var _ Service = (*Memory)(nil)
