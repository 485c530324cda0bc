package storage

import (
	"tradenet/internal/crypto"
	"tradenet/internal/proto"
)

// SignEntry builds an entry for payload signed by keys at seq. A zero ttl
// selects the payload class maximum.
func SignEntry(payload proto.StoragePayload, keys *crypto.KeyRing, seq uint64, ttlMs, createdMs int64) (proto.ProtectedEntry, error) {
	h, err := payload.Hash()
	if err != nil {
		return proto.ProtectedEntry{}, err
	}
	sig, err := signDigest(h, seq, keys)
	if err != nil {
		return proto.ProtectedEntry{}, err
	}
	return proto.ProtectedEntry{
		Payload:     payload,
		OwnerPubKey: append([]byte(nil), keys.SigPub...),
		Sequence:    seq,
		Signature:   sig,
		TTLMs:       ttlMs,
		CreatedMs:   createdMs,
	}, nil
}

func signDigest(h proto.Hash, seq uint64, keys *crypto.KeyRing) ([]byte, error) {
	if keys == nil {
		return nil, crypto.ErrBadKey
	}
	digest, err := proto.SignatureDigest(h, seq)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(keys.SigPriv, digest[:])
}

func (s *Store) nextSequence(h proto.Hash) uint64 {
	seq, _ := s.Sequence(h)
	return seq + 1
}

// NewEntry signs payload with the next sequence number for its hash.
func (s *Store) NewEntry(payload proto.StoragePayload, keys *crypto.KeyRing) (proto.ProtectedEntry, error) {
	h, err := payload.Hash()
	if err != nil {
		return proto.ProtectedEntry{}, err
	}
	return SignEntry(payload, keys, s.nextSequence(h), 0, s.clock.Now().UnixMilli())
}

// NewRemoveEntry signs a removal of payload. keys must be the remover's keys
// (the receiver's for mailbox payloads).
func (s *Store) NewRemoveEntry(payload proto.StoragePayload, keys *crypto.KeyRing) (proto.ProtectedEntry, error) {
	return s.NewEntry(payload, keys)
}

func (s *Store) NewRefresh(h proto.Hash, keys *crypto.KeyRing) (proto.RefreshTTLMsg, error) {
	seq := s.nextSequence(h)
	sig, err := signDigest(h, seq, keys)
	if err != nil {
		return proto.RefreshTTLMsg{}, err
	}
	return proto.RefreshTTLMsg{PayloadHash: h, Sequence: seq, Signature: sig}, nil
}
