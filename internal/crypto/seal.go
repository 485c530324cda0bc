package crypto

import (
	"encoding/binary"
	"errors"
)

const (
	labelSealKey = "tradenet:seal:key:v1"
	labelSealSig = "tradenet:seal:sig:v1"
)

var ErrSealSignature = errors.New("sealed message signature invalid")

// Sealed is an ephemeral-static X25519 box signed by the sender.
type Sealed struct {
	EphemeralPub []byte
	Nonce        []byte
	Ciphertext   []byte
	SenderSigPub []byte
	Signature    []byte
}

// sealAAD binds the ciphertext to both parties' public keys.
func sealAAD(ephPub, recipientEncPub, senderSigPub []byte) []byte {
	buf := make([]byte, 0, 6+len(ephPub)+len(recipientEncPub)+len(senderSigPub))
	var tmp [2]byte
	for _, part := range [][]byte{ephPub, recipientEncPub, senderSigPub} {
		binary.BigEndian.PutUint16(tmp[:], uint16(len(part)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, part...)
	}
	return buf
}

func sealDigest(ephPub, nonce, ct []byte) []byte {
	return KDF(labelSealSig, ephPub, nonce, ct)
}

// SealTo encrypts plaintext for recipientEncPub and signs the result with
// the sender's signing key.
func SealTo(recipientEncPub []byte, sender *KeyRing, plaintext []byte) (Sealed, error) {
	if sender == nil || len(recipientEncPub) == 0 {
		return Sealed{}, ErrBadKey
	}
	eph, err := GenerateEphemeral()
	if err != nil {
		return Sealed{}, err
	}
	defer eph.Destroy()
	shared, err := eph.Shared(recipientEncPub)
	if err != nil {
		return Sealed{}, err
	}
	ephPub := eph.Public()
	key := KDF(labelSealKey, shared, ephPub, recipientEncPub)
	nonce, ct, err := XSeal(key, plaintext, sealAAD(ephPub, recipientEncPub, sender.SigPub))
	if err != nil {
		return Sealed{}, err
	}
	sig, err := Sign(sender.SigPriv, sealDigest(ephPub, nonce, ct))
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		EphemeralPub: ephPub,
		Nonce:        nonce,
		Ciphertext:   ct,
		SenderSigPub: append([]byte(nil), sender.SigPub...),
		Signature:    sig,
	}, nil
}

// Open verifies the sender signature and decrypts with the recipient's
// static encryption key.
func Open(recipient *KeyRing, s Sealed) ([]byte, error) {
	if recipient == nil {
		return nil, ErrBadKey
	}
	if !Verify(s.SenderSigPub, sealDigest(s.EphemeralPub, s.Nonce, s.Ciphertext), s.Signature) {
		return nil, ErrSealSignature
	}
	shared, err := X25519Shared(recipient.EncPriv, s.EphemeralPub)
	if err != nil {
		return nil, err
	}
	key := KDF(labelSealKey, shared, s.EphemeralPub, recipient.EncPub)
	return XOpen(key, s.Nonce, s.Ciphertext, sealAAD(s.EphemeralPub, recipient.EncPub, s.SenderSigPub))
}
