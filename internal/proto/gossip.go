package proto

import (
	"crypto/rand"
	"encoding/binary"
)

// GetDataReq asks a peer for its storage contents, minus the payload hashes
// the requester already holds.
type GetDataReq struct {
	Nonce       uint64 `json:"nonce"`
	KnownHashes []Hash `json:"known_hashes,omitempty"`
}

type GetDataResp struct {
	RequestNonce uint64           `json:"request_nonce"`
	Entries      []ProtectedEntry `json:"entries,omitempty"`
	Truncated    bool             `json:"truncated,omitempty"`
}

// SealedMessage is a payload encrypted to the receiver's encryption key and
// signed by the sender's signing key.
type SealedMessage struct {
	EphemeralPub []byte `json:"ephemeral_pub"`
	Nonce        []byte `json:"nonce"`
	Ciphertext   []byte `json:"ciphertext"`
	SenderSigPub []byte `json:"sender_sig_pub"`
	Signature    []byte `json:"sig"`
}

// SealedEnvelope is the direct-send body. UID lets the receiver dedupe and
// acknowledge.
type SealedEnvelope struct {
	UID    string        `json:"uid"`
	Sealed SealedMessage `json:"sealed"`
}

type AckMsg struct {
	UID      string `json:"uid"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func NewNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint64(b[:])
}
