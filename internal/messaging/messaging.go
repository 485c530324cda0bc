// Package messaging delivers sealed trade messages to peers, directly when
// they are reachable and through mailbox entries in protected storage when
// they are not.
package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/raulk/clock"

	"tradenet/internal/crypto"
	"tradenet/internal/faults"
	"tradenet/internal/network"
	"tradenet/internal/proto"
	"tradenet/internal/storage"
	"tradenet/internal/task"
)

const (
	DefaultSeenSize = 10_000
	// DefaultSeenTTL outlives the mailbox TTL so a replayed mailbox entry is
	// still recognised.
	DefaultSeenTTL = proto.MailboxTTL + 24*time.Hour
)

var (
	ErrNoHandler    = errors.New("no handler for message kind")
	ErrSenderKeys   = errors.New("sealed sender does not match message sender")
	ErrUIDMismatch  = errors.New("envelope uid does not match message uid")
	ErrMissingKeys  = errors.New("recipient keys missing")
	ErrNotForUs     = errors.New("mailbox entry addressed to another key")
	ErrAckMalformed = errors.New("malformed ack")
)

type OutcomeKind int

const (
	Arrived OutcomeKind = iota + 1
	StoredInMailbox
	Fault
)

func (k OutcomeKind) String() string {
	switch k {
	case Arrived:
		return "arrived"
	case StoredInMailbox:
		return "stored_in_mailbox"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// Outcome is the single result of a send. Err is set only for Fault.
type Outcome struct {
	Kind OutcomeKind
	UID  string
	Err  error
}

// Handler consumes a decrypted inbound trade message.
type Handler func(msg proto.TradeMessage, from proto.NodeAddress)

// Observer counts messages parked in the mailbox.
type Observer interface {
	IncMailboxStored()
}

type Options struct {
	Self      proto.NodeAddress
	Keys      *crypto.KeyRing
	Caps      proto.Capabilities
	Transport network.Transport
	Storage   *storage.Store
	// Executor receives handler calls. Nil runs handlers inline.
	Executor *task.Executor
	Clock    clock.Clock
	Logger   *slog.Logger
	Observer Observer
	SeenSize int
	SeenTTL  time.Duration
}

type Service struct {
	self    proto.NodeAddress
	keys    *crypto.KeyRing
	caps    proto.Capabilities
	tr      network.Transport
	store   *storage.Store
	exec    *task.Executor
	clock   clock.Clock
	log     *slog.Logger
	obs     Observer
	seen    *expirable.LRU[string, struct{}]
	seenMu  sync.Mutex
	hmu     sync.RWMutex
	handler map[proto.TradeMessageKind]Handler
}

func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SeenSize <= 0 {
		opts.SeenSize = DefaultSeenSize
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = DefaultSeenTTL
	}
	s := &Service{
		self:    opts.Self,
		keys:    opts.Keys,
		caps:    opts.Caps,
		tr:      opts.Transport,
		store:   opts.Storage,
		exec:    opts.Executor,
		clock:   opts.Clock,
		log:     opts.Logger.With("component", "messaging"),
		obs:     opts.Observer,
		seen:    expirable.NewLRU[string, struct{}](opts.SeenSize, nil, opts.SeenTTL),
		handler: make(map[proto.TradeMessageKind]Handler),
	}
	if s.store != nil {
		s.store.AddListener(s)
	}
	return s
}

func (s *Service) Self() proto.NodeAddress { return s.self }

func (s *Service) PubKeyRing() proto.PubKeyRing {
	return proto.PubKeyRing{SigPub: s.keys.SigPub, EncPub: s.keys.EncPub}
}

// Handle registers h for kind, replacing any previous handler.
func (s *Service) Handle(kind proto.TradeMessageKind, h Handler) {
	s.hmu.Lock()
	s.handler[kind] = h
	s.hmu.Unlock()
}

// SendDirect seals msg for peerKeys and delivers it to addr. Arrived means
// the peer acknowledged receipt, not that it applied the message.
func (s *Service) SendDirect(ctx context.Context, addr proto.NodeAddress, peerKeys proto.PubKeyRing, msg proto.TradeMessage) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		out <- s.sendDirect(ctx, addr, peerKeys, msg)
	}()
	return out
}

// SendMailbox behaves like SendDirect while the peer is reachable. On a
// transport fault the sealed message is stored as a mailbox entry instead.
func (s *Service) SendMailbox(ctx context.Context, addr proto.NodeAddress, peerKeys proto.PubKeyRing, msg proto.TradeMessage) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		res := s.sendDirect(ctx, addr, peerKeys, msg)
		if res.Kind == Fault && faults.Retryable(res.Err) {
			s.log.Info("peer unreachable, storing in mailbox", "peer", addr.String(), "uid", msg.UID, "err", res.Err)
			res = s.storeInMailbox(msg, peerKeys)
		}
		out <- res
	}()
	return out
}

func (s *Service) seal(msg proto.TradeMessage, peerKeys proto.PubKeyRing) (proto.SealedMessage, error) {
	if len(peerKeys.EncPub) == 0 {
		return proto.SealedMessage{}, ErrMissingKeys
	}
	if msg.Sender.IsZero() {
		msg.Sender = s.self
	}
	plain, err := proto.EncodeTradeMessage(msg)
	if err != nil {
		return proto.SealedMessage{}, err
	}
	sealed, err := crypto.SealTo(peerKeys.EncPub, s.keys, plain)
	if err != nil {
		return proto.SealedMessage{}, err
	}
	return proto.SealedMessage(sealed), nil
}

func (s *Service) sendDirect(ctx context.Context, addr proto.NodeAddress, peerKeys proto.PubKeyRing, msg proto.TradeMessage) Outcome {
	fault := func(err error) Outcome { return Outcome{Kind: Fault, UID: msg.UID, Err: err} }
	sealed, err := s.seal(msg, peerKeys)
	if err != nil {
		return fault(faults.Wrap(faults.Validation, "seal", err))
	}
	self := s.self
	req, err := proto.Marshal(proto.MsgTypeSealed, &self, s.caps, proto.SealedEnvelope{UID: msg.UID, Sealed: sealed})
	if err != nil {
		return fault(faults.Wrap(faults.Validation, "encode", err))
	}
	resp, err := s.tr.Exchange(ctx, addr, req)
	if err != nil {
		if faults.KindOf(err) == faults.Unknown {
			err = faults.Transportf(err, "send to %s", addr)
		}
		return fault(err)
	}
	ack, err := decodeAck(resp)
	if err != nil || ack.UID != msg.UID {
		return fault(faults.Wrap(faults.ProtocolViolation, "ack from "+addr.String(), ErrAckMalformed))
	}
	if !ack.Accepted {
		return fault(faults.New(faults.ProtocolViolation, fmt.Sprintf("rejected by %s: %s", addr, ack.Error)))
	}
	return Outcome{Kind: Arrived, UID: msg.UID}
}

func decodeAck(resp []byte) (proto.AckMsg, error) {
	var ack proto.AckMsg
	if len(resp) == 0 {
		return ack, ErrAckMalformed
	}
	env, err := proto.DecodeEnvelope(resp)
	if err != nil {
		return ack, err
	}
	if env.Type != proto.MsgTypeAck {
		return ack, ErrAckMalformed
	}
	err = env.DecodeBody(&ack)
	return ack, err
}

func (s *Service) storeInMailbox(msg proto.TradeMessage, peerKeys proto.PubKeyRing) Outcome {
	fault := func(err error) Outcome { return Outcome{Kind: Fault, UID: msg.UID, Err: err} }
	if s.store == nil {
		return fault(faults.New(faults.Transport, "peer offline and no mailbox storage"))
	}
	sealed, err := s.seal(msg, peerKeys)
	if err != nil {
		return fault(faults.Wrap(faults.Validation, "seal", err))
	}
	payload := proto.MailboxStoragePayload(proto.MailboxPayload{
		UID:            msg.UID,
		Sealed:         sealed,
		SenderSigPub:   s.keys.SigPub,
		ReceiverSigPub: peerKeys.SigPub,
		SentAt:         s.clock.Now().UnixMilli(),
	})
	entry, err := s.store.NewEntry(payload, s.keys)
	if err != nil {
		return fault(faults.Wrap(faults.Validation, "sign mailbox entry", err))
	}
	if res := s.store.Add(entry, nil); !res.Accepted {
		return fault(faults.New(faults.StorageRejection, "mailbox entry "+string(res.Reason)))
	}
	if s.obs != nil {
		s.obs.IncMailboxStored()
	}
	return Outcome{Kind: StoredInMailbox, UID: msg.UID}
}

// HandleSealed processes an inbound sealed envelope and returns the encoded
// ack. Duplicates are acknowledged but not dispatched again.
func (s *Service) HandleSealed(env proto.Envelope) ([]byte, error) {
	var body proto.SealedEnvelope
	if err := env.DecodeBody(&body); err != nil {
		return nil, err
	}
	ack := proto.AckMsg{UID: body.UID, Accepted: true}
	msg, err := s.open(body.Sealed)
	switch {
	case err != nil:
		ack.Accepted, ack.Error = false, err.Error()
	case msg.UID != body.UID:
		ack.Accepted, ack.Error = false, ErrUIDMismatch.Error()
	default:
		if err := s.deliver(msg); err != nil {
			ack.Accepted, ack.Error = false, err.Error()
		}
	}
	self := s.self
	return proto.Marshal(proto.MsgTypeAck, &self, s.caps, ack)
}

func (s *Service) open(sealed proto.SealedMessage) (proto.TradeMessage, error) {
	plain, err := crypto.Open(s.keys, crypto.Sealed(sealed))
	if err != nil {
		return proto.TradeMessage{}, err
	}
	msg, err := proto.DecodeTradeMessage(plain)
	if err != nil {
		return proto.TradeMessage{}, err
	}
	if !bytes.Equal(msg.SenderPK.SigPub, sealed.SenderSigPub) {
		return proto.TradeMessage{}, ErrSenderKeys
	}
	return msg, nil
}

// markSeen reports whether uid was new.
func (s *Service) markSeen(uid string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if s.seen.Contains(uid) {
		return false
	}
	s.seen.Add(uid, struct{}{})
	return true
}

func (s *Service) deliver(msg proto.TradeMessage) error {
	s.hmu.RLock()
	h, ok := s.handler[msg.Kind]
	s.hmu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Kind)
	}
	if !s.markSeen(msg.UID) {
		s.log.Debug("duplicate message ignored", "uid", msg.UID, "kind", msg.Kind)
		return nil
	}
	from := msg.Sender
	if s.exec != nil {
		s.exec.Execute(func() { h(msg, from) })
	} else {
		h(msg, from)
	}
	return nil
}

// OnAdded picks up mailbox entries addressed to this node, delivers them and
// removes them from storage with a receiver-signed remove.
func (s *Service) OnAdded(entry proto.ProtectedEntry) {
	if entry.Payload.Kind != proto.PayloadMailbox || entry.Payload.Mailbox == nil {
		return
	}
	mb := entry.Payload.Mailbox
	if !bytes.Equal(mb.ReceiverSigPub, s.keys.SigPub) {
		return
	}
	msg, err := s.open(mb.Sealed)
	if err != nil || msg.UID != mb.UID {
		s.log.Warn("undecryptable mailbox entry", "uid", mb.UID, "err", err)
	} else if err := s.deliver(msg); err != nil {
		s.log.Warn("mailbox message not delivered", "uid", mb.UID, "err", err)
	}
	go s.removeMailbox(entry.Payload)
}

func (s *Service) OnRemoved(proto.ProtectedEntry) {}

func (s *Service) removeMailbox(payload proto.StoragePayload) {
	rm, err := s.store.NewRemoveEntry(payload, s.keys)
	if err != nil {
		s.log.Warn("sign mailbox remove", "err", err)
		return
	}
	if res := s.store.Remove(rm, nil); !res.Accepted {
		s.log.Debug("mailbox remove not applied", "uid", payload.Mailbox.UID, "reason", res.Reason)
	}
}

// RepublishMailbox gossips this node's own pending mailbox entries again and
// returns how many were pushed.
func (s *Service) RepublishMailbox() int {
	if s.store == nil {
		return 0
	}
	n := 0
	for _, e := range s.store.List(proto.PayloadMailbox) {
		if !bytes.Equal(e.Payload.Mailbox.SenderSigPub, s.keys.SigPub) {
			continue
		}
		h, err := e.Payload.Hash()
		if err != nil {
			continue
		}
		if s.store.Republish(h) {
			n++
		}
	}
	return n
}

// PendingMailbox lists the UIDs of this node's mailbox entries still held
// in storage.
func (s *Service) PendingMailbox() []string {
	var out []string
	if s.store == nil {
		return out
	}
	for _, e := range s.store.List(proto.PayloadMailbox) {
		if bytes.Equal(e.Payload.Mailbox.SenderSigPub, s.keys.SigPub) {
			out = append(out, e.Payload.Mailbox.UID)
		}
	}
	return out
}
