package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// Fixed suite: ed25519 signatures, X25519 key agreement,
// XChaCha20-Poly1305 sealing, SHA3-256 for hashing and key derivation.

const (
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
)

var ErrBadKey = errors.New("bad key material")

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

type Ephemeral struct {
	priv      *ecdh.PrivateKey
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) Public() []byte {
	if e == nil || e.destroyed {
		return nil
	}
	return append([]byte(nil), e.pub...)
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	return sharedWith(e.priv, peerPub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ephemeral{priv: priv, pub: priv.PublicKey().Bytes()}, nil
}

func X25519Shared(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 {
		return nil, ErrBadKey
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	return sharedWith(priv, peerPub)
}

func sharedWith(priv *ecdh.PrivateKey, peerPub []byte) ([]byte, error) {
	if len(peerPub) == 0 {
		return nil, ErrBadKey
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

func GenerateSigningKey() (pub, priv []byte, err error) {
	p, s, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return p, s, nil
}

func GenerateEncryptionKey() (pub, priv []byte, err error) {
	k, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return k.PublicKey().Bytes(), k.Bytes(), nil
}

func Sign(priv, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrBadKey
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
}

func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// KeyRing holds a node's long-lived signing and encryption keys.
type KeyRing struct {
	SigPub  []byte
	SigPriv []byte
	EncPub  []byte
	EncPriv []byte
}

func (k *KeyRing) String() string {
	return "KeyRing{REDACTED}"
}

func NewKeyRing() (*KeyRing, error) {
	sigPub, sigPriv, err := GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	encPub, encPriv, err := GenerateEncryptionKey()
	if err != nil {
		return nil, err
	}
	return &KeyRing{SigPub: sigPub, SigPriv: sigPriv, EncPub: encPub, EncPriv: encPriv}, nil
}

const (
	sigKeyName = "sig"
	encKeyName = "enc"
)

func SaveKeyRing(dir string, k *KeyRing) error {
	if k == nil {
		return ErrBadKey
	}
	if err := SaveKeypair(dir, sigKeyName, k.SigPub, k.SigPriv); err != nil {
		return err
	}
	return SaveKeypair(dir, encKeyName, k.EncPub, k.EncPriv)
}

func LoadKeyRing(dir string) (*KeyRing, error) {
	sigPub, sigPriv, err := LoadKeypair(dir, sigKeyName)
	if err != nil {
		return nil, err
	}
	encPub, encPriv, err := LoadKeypair(dir, encKeyName)
	if err != nil {
		return nil, err
	}
	if len(sigPub) != ed25519.PublicKeySize || len(sigPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: signing key", ErrBadKey)
	}
	return &KeyRing{SigPub: sigPub, SigPriv: sigPriv, EncPub: encPub, EncPriv: encPriv}, nil
}

func SaveKeypair(dir, name string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, name+"_pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+"_priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir, name string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, name+"_pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, name+"_priv.hex"))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("bad %s_pub.hex", name)
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("bad %s_priv.hex", name)
	}
	return pub, priv, nil
}
