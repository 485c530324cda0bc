package proto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

type PayloadKind string

const (
	PayloadOffer        PayloadKind = "offer"
	PayloadMailbox      PayloadKind = "mailbox"
	PayloadRegistration PayloadKind = "registration"
)

const (
	OfferTTL        = 9 * time.Minute
	MailboxTTL      = 15 * 24 * time.Hour
	RegistrationTTL = 10 * 24 * time.Hour
)

var ErrPayloadMismatch = errors.New("payload kind does not match content")

var canonical cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
	canonical = mode
}

// Hash is the SHA3-256 of a canonical (deterministic CBOR) encoding.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := HashFromHex(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func HashFromHex(s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	if len(raw) != len(Hash{}) {
		return Hash{}, fmt.Errorf("bad hash length %d", len(raw))
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

func CanonicalBytes(v any) ([]byte, error) {
	return canonical.Marshal(v)
}

func CanonicalHash(v any) (Hash, error) {
	b, err := CanonicalBytes(v)
	if err != nil {
		return Hash{}, err
	}
	return Hash(sha3.Sum256(b)), nil
}

// SignatureDigest is what owners sign for add, refresh and remove: the
// payload identity bound to a sequence number.
func SignatureDigest(payloadHash Hash, seq uint64) (Hash, error) {
	return CanonicalHash(struct {
		Payload Hash   `json:"payload"`
		Seq     uint64 `json:"seq"`
	}{payloadHash, seq})
}

type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

type PubKeyRing struct {
	SigPub []byte `json:"sig_pub"`
	EncPub []byte `json:"enc_pub"`
}

func (r PubKeyRing) Valid() bool {
	return len(r.SigPub) > 0 && len(r.EncPub) > 0
}

// OfferPayload is what a maker publishes into the offer book. Price is in
// counter-currency minor units per whole base unit, amounts in base units.
type OfferPayload struct {
	ID              string      `json:"id"`
	Direction       Direction   `json:"direction"`
	BaseCurrency    string      `json:"base_currency"`
	CounterCurrency string      `json:"counter_currency"`
	Price           int64       `json:"price"`
	Amount          uint64      `json:"amount"`
	MinAmount       uint64      `json:"min_amount"`
	PaymentMethod   string      `json:"payment_method,omitempty"`
	Maker           NodeAddress `json:"maker"`
	MakerKeys       PubKeyRing  `json:"maker_keys"`
	FeeTxID         string      `json:"fee_tx_id,omitempty"`
	CreatedAt       int64       `json:"created_at"`
	ProtocolVersion int         `json:"protocol_version"`
}

// MailboxPayload holds a sealed message for an offline receiver. It is added
// by the sender and may only be removed by the receiver.
type MailboxPayload struct {
	UID            string        `json:"uid"`
	Sealed         SealedMessage `json:"sealed"`
	SenderSigPub   []byte        `json:"sender_sig_pub"`
	ReceiverSigPub []byte        `json:"receiver_sig_pub"`
	SentAt         int64         `json:"sent_at"`
}

type RegistrationRole string

const (
	RoleArbitrator RegistrationRole = "arbitrator"
	RoleMediator   RegistrationRole = "mediator"
)

// RegistrationPayload announces an arbitrator or mediator.
type RegistrationPayload struct {
	Role         RegistrationRole `json:"role"`
	Address      NodeAddress      `json:"address"`
	Keys         PubKeyRing       `json:"keys"`
	Languages    []string         `json:"languages,omitempty"`
	RegisteredAt int64            `json:"registered_at"`
}

// StoragePayload is the closed set of payloads Protected Storage accepts.
// Exactly the field matching Kind is set.
type StoragePayload struct {
	Kind         PayloadKind          `json:"kind"`
	Offer        *OfferPayload        `json:"offer,omitempty"`
	Mailbox      *MailboxPayload      `json:"mailbox,omitempty"`
	Registration *RegistrationPayload `json:"registration,omitempty"`
}

func OfferStoragePayload(o OfferPayload) StoragePayload {
	return StoragePayload{Kind: PayloadOffer, Offer: &o}
}

func MailboxStoragePayload(m MailboxPayload) StoragePayload {
	return StoragePayload{Kind: PayloadMailbox, Mailbox: &m}
}

func RegistrationStoragePayload(r RegistrationPayload) StoragePayload {
	return StoragePayload{Kind: PayloadRegistration, Registration: &r}
}

func (p StoragePayload) Validate() error {
	set := 0
	if p.Offer != nil {
		set++
	}
	if p.Mailbox != nil {
		set++
	}
	if p.Registration != nil {
		set++
	}
	if set != 1 {
		return ErrPayloadMismatch
	}
	switch p.Kind {
	case PayloadOffer:
		if p.Offer == nil || p.Offer.ID == "" || len(p.Offer.MakerKeys.SigPub) == 0 {
			return ErrPayloadMismatch
		}
	case PayloadMailbox:
		if p.Mailbox == nil || p.Mailbox.UID == "" || len(p.Mailbox.ReceiverSigPub) == 0 || len(p.Mailbox.SenderSigPub) == 0 {
			return ErrPayloadMismatch
		}
	case PayloadRegistration:
		if p.Registration == nil || len(p.Registration.Keys.SigPub) == 0 {
			return ErrPayloadMismatch
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// MaxTTL is the class-specific upper bound for an entry's time to live.
func (p StoragePayload) MaxTTL() time.Duration {
	switch p.Kind {
	case PayloadOffer:
		return OfferTTL
	case PayloadMailbox:
		return MailboxTTL
	case PayloadRegistration:
		return RegistrationTTL
	default:
		return 0
	}
}

// OwnerPubKey is the key that must sign adds and refreshes.
func (p StoragePayload) OwnerPubKey() []byte {
	switch p.Kind {
	case PayloadOffer:
		if p.Offer != nil {
			return p.Offer.MakerKeys.SigPub
		}
	case PayloadMailbox:
		if p.Mailbox != nil {
			return p.Mailbox.SenderSigPub
		}
	case PayloadRegistration:
		if p.Registration != nil {
			return p.Registration.Keys.SigPub
		}
	}
	return nil
}

// RemoverPubKey is the key that must sign removals. For mailbox payloads this
// is the receiver, everything else is removed by its owner.
func (p StoragePayload) RemoverPubKey() []byte {
	if p.Kind == PayloadMailbox && p.Mailbox != nil {
		return p.Mailbox.ReceiverSigPub
	}
	return p.OwnerPubKey()
}

// AddOnce payloads are never accepted again after a removal.
func (p StoragePayload) AddOnce() bool {
	return p.Kind == PayloadMailbox
}

func (p StoragePayload) Persistable() bool {
	return p.Kind == PayloadMailbox || p.Kind == PayloadRegistration
}

// RequiredCapability reports which capability a peer needs before this
// payload is shipped to it.
func (p StoragePayload) RequiredCapability() (Capability, bool) {
	switch p.Kind {
	case PayloadMailbox:
		return CapMailbox, true
	case PayloadRegistration:
		return CapRegistration, true
	default:
		return 0, false
	}
}

func (p StoragePayload) Hash() (Hash, error) {
	return CanonicalHash(p)
}

// ProtectedEntry is a signed, sequence-numbered, TTL-bound payload.
type ProtectedEntry struct {
	Payload     StoragePayload `json:"payload"`
	OwnerPubKey []byte         `json:"owner_pub_key"`
	Sequence    uint64         `json:"seq"`
	Signature   []byte         `json:"sig"`
	TTLMs       int64          `json:"ttl_ms"`
	CreatedMs   int64          `json:"created_ms"`
}

func (e ProtectedEntry) TTL() time.Duration {
	return time.Duration(e.TTLMs) * time.Millisecond
}

func (e ProtectedEntry) ExpiresAt() time.Time {
	return time.UnixMilli(e.CreatedMs).Add(e.TTL())
}

func (e ProtectedEntry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

type AddDataMsg struct {
	Entry ProtectedEntry `json:"entry"`
}

type RemoveDataMsg struct {
	Entry ProtectedEntry `json:"entry"`
}

// RefreshTTLMsg carries only what is needed to extend an entry's lifetime.
type RefreshTTLMsg struct {
	PayloadHash Hash   `json:"payload_hash"`
	Sequence    uint64 `json:"seq"`
	Signature   []byte `json:"sig"`
}
