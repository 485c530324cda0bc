package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"

	"tradenet/internal/crypto"
	"tradenet/internal/events"
	"tradenet/internal/messaging"
	"tradenet/internal/proto"
	"tradenet/internal/storage"
	"tradenet/internal/task"
	"tradenet/internal/wallet"
)

const (
	DefaultPriceTolerance  = 0.01
	DefaultSendTimeout     = 90 * time.Second
	DefaultDepositTimeout  = 3 * DefaultSendTimeout
	DefaultLockBlocks      = 10
	DefaultRefreshInterval = 4 * time.Minute
)

var (
	ErrBadTransition   = errors.New("phase transition not allowed")
	ErrUnknownTrade    = errors.New("unknown trade")
	ErrUnknownOffer    = errors.New("unknown offer")
	ErrNotAvailable    = errors.New("offer not available")
	ErrOffererOffline  = errors.New("offerer offline")
	ErrTimeout         = errors.New("timed out waiting for peer")
	ErrWrongRole       = errors.New("step not run by this role")
	ErrMissingMakerSig = errors.New("deposit lacks a valid maker signature")
)

// Persister keeps trades and own open offers across restarts.
type Persister interface {
	SaveTrade(t Trade) error
	LoadTrades() ([]Trade, error)
	SaveOpenOffer(o OpenOffer) error
	DeleteOpenOffer(id string) error
	LoadOpenOffers() ([]OpenOffer, error)
}

// Observer counts trade lifecycle events.
type Observer interface {
	IncTradeStarted()
	IncTradeCompleted()
	IncTradeFaulted()
}

type Options struct {
	Self      proto.NodeAddress
	Keys      *crypto.KeyRing
	Storage   *storage.Store
	Messaging *messaging.Service
	Wallet    wallet.Service
	// Executor serialises task sequences and inbound handlers. Nil runs
	// them on the calling goroutine.
	Executor  *task.Executor
	Clock     clock.Clock
	Events    events.Publisher
	Persister Persister
	Observer  Observer
	Logger    *slog.Logger

	PriceTolerance  float64
	SendTimeout     time.Duration
	// DepositTimeout bounds how long a maker keeps its offer reserved
	// waiting for the taker to publish the deposit.
	DepositTimeout  time.Duration
	LockBlocks      int64
	RefreshInterval time.Duration
	// AutoDelayedPayout publishes the delayed payout once its lock height is
	// reached and no payout happened.
	AutoDelayedPayout bool
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		if o.Executor != nil {
			o.Clock = o.Executor.Clock()
		} else {
			o.Clock = clock.New()
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Events == nil {
		o.Events = events.Discard{}
	}
	if o.PriceTolerance <= 0 {
		o.PriceTolerance = DefaultPriceTolerance
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.DepositTimeout <= 0 {
		o.DepositTimeout = 3 * o.SendTimeout
	}
	if o.LockBlocks <= 0 {
		o.LockBlocks = DefaultLockBlocks
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	return o
}

func (o Options) pubKeys() proto.PubKeyRing {
	return proto.PubKeyRing{SigPub: o.Keys.SigPub, EncPub: o.Keys.EncPub}
}

func (o Options) message(kind proto.TradeMessageKind, tradeID string) proto.TradeMessage {
	return proto.TradeMessage{
		Kind:     kind,
		UID:      uuid.NewString(),
		TradeID:  tradeID,
		Sender:   o.Self,
		SenderPK: o.pubKeys(),
	}
}

func (o Options) publish(ev events.Event) {
	ev.Time = o.Clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.Events.Publish(ctx, ev); err != nil {
		o.Logger.Debug("publish event", "kind", ev.Kind, "err", err)
	}
}

// execute runs fn on the executor if there is one.
func (o Options) execute(fn func()) {
	if o.Executor != nil && o.Executor.Execute(fn) {
		return
	}
	fn()
}

// after runs fn once d has passed, on the executor if there is one.
func (o Options) after(d time.Duration, fn func()) (cancel func()) {
	if o.Executor != nil {
		return o.Executor.After(d, fn)
	}
	t := o.Clock.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// await hands the single value of ch to fn once it arrives.
func await[T any](ch <-chan T, fn func(T)) {
	go func() { fn(<-ch) }()
}

func runner[M any](o Options, model *M, onComplete func(), onFault func(string, error)) *task.Runner[M] {
	r := task.New(model, onComplete, onFault).WithLogger(o.Logger)
	if o.Executor != nil {
		r.OnExecutor(o.Executor)
	}
	return r
}

// outcome is the result of a task sequence handed back to a blocking caller.
type outcome struct {
	msg string
	err error
}

// wait blocks until a sequence reports through done or ctx ends.
func wait(ctx context.Context, done <-chan outcome) error {
	select {
	case o := <-done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sequenceCallbacks() (chan outcome, func(), func(string, error)) {
	done := make(chan outcome, 1)
	return done,
		func() { done <- outcome{} },
		func(msg string, err error) { done <- outcome{msg: msg, err: err} }
}
