package proto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"add_data","message_version":1}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	sender := MustParseNodeAddress("abcdefgh.onion:9999")
	data, err := Marshal(MsgTypeGetPeersReq, &sender, SupportedCapabilities(), GetPeersReq{Nonce: 42})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Type != MsgTypeGetPeersReq || env.Sender == nil || *env.Sender != sender {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if !env.Capabilities.Has(CapMailbox) {
		t.Fatalf("capabilities lost")
	}
	var req GetPeersReq
	if err := env.DecodeBody(&req); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if req.Nonce != 42 {
		t.Fatalf("nonce mismatch: %d", req.Nonce)
	}
}

func TestEnvelopeVersionMismatch(t *testing.T) {
	data := []byte(`{"type":"ack","message_version":7}`)
	if _, err := DecodeEnvelope(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestReadFrameWithTypeCapRejectsOversized(t *testing.T) {
	body := `{"type":"ack","pad":"` + strings.Repeat("x", SoftMaxFrameSize) + `"}`
	frame, err := EncodeFrame([]byte(body))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(bytes.NewReader(frame), SoftMaxFrameSize, TypeMaxSize); err == nil {
		t.Fatalf("expected oversized ack to be rejected")
	}
}

func TestCapabilitiesNormalize(t *testing.T) {
	got := Capabilities{CapRefreshTTL, 99, CapMailbox, CapMailbox}.Normalize()
	if len(got) != 2 || got[0] != CapMailbox || got[1] != CapRefreshTTL {
		t.Fatalf("unexpected normalized capabilities %v", got)
	}
}

func TestPayloadHashStable(t *testing.T) {
	offer := OfferStoragePayload(OfferPayload{
		ID:        "o1",
		Direction: DirectionBuy,
		Price:     100,
		MakerKeys: PubKeyRing{SigPub: []byte{1}, EncPub: []byte{2}},
	})
	h1, err := offer.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, err := offer.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h1 != h2 || h1.IsZero() {
		t.Fatalf("hash not stable")
	}
	offer.Offer.Price = 101
	h3, _ := offer.Hash()
	if h3 == h1 {
		t.Fatalf("expected hash to change with content")
	}
	parsed, err := HashFromHex(h1.String())
	if err != nil || parsed != h1 {
		t.Fatalf("hex round trip failed: %v", err)
	}
}

func TestStoragePayloadAuthority(t *testing.T) {
	mb := MailboxStoragePayload(MailboxPayload{UID: "u", SenderSigPub: []byte{1}, ReceiverSigPub: []byte{2}})
	if err := mb.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !bytes.Equal(mb.OwnerPubKey(), []byte{1}) || !bytes.Equal(mb.RemoverPubKey(), []byte{2}) {
		t.Fatalf("mailbox authority keys wrong")
	}
	if !mb.AddOnce() || mb.MaxTTL() != MailboxTTL {
		t.Fatalf("mailbox class properties wrong")
	}
	bad := StoragePayload{Kind: PayloadOffer, Mailbox: mb.Mailbox}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected mismatched payload to fail validation")
	}
}

func TestTradeMessageValidate(t *testing.T) {
	m := TradeMessage{Kind: KindPayoutTxPublished, UID: "u", TradeID: "t"}
	if _, err := EncodeTradeMessage(m); err == nil {
		t.Fatalf("expected missing body to fail")
	}
	m.PayoutPublished = &PayoutTxPublished{Payout: TxData{TxID: "tx"}}
	data, err := EncodeTradeMessage(m)
	if err != nil {
		t.Fatalf("EncodeTradeMessage failed: %v", err)
	}
	got, err := DecodeTradeMessage(data)
	if err != nil || got.PayoutPublished.Payout.TxID != "tx" {
		t.Fatalf("DecodeTradeMessage failed: %v", err)
	}
}
