package crypto

import (
	"bytes"
	"testing"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	a1 := KDF("tradenet:a", []byte("ikm"))
	a2 := KDF("tradenet:a", []byte("ikm"))
	b := KDF("tradenet:b", []byte("ikm"))
	if !bytes.Equal(a1, a2) {
		t.Fatalf("KDF not deterministic")
	}
	if bytes.Equal(a1, b) {
		t.Fatalf("expected different keys for different labels")
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey failed: %v", err)
	}
	sig, err := Sign(priv, []byte("msg"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(pub, []byte("msg"), sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(pub, []byte("other"), sig) {
		t.Fatalf("signature verified for wrong message")
	}
	if Verify(pub[:10], []byte("msg"), sig) {
		t.Fatalf("signature verified for truncated key")
	}
}

func TestSealOpen(t *testing.T) {
	alice, err := NewKeyRing()
	if err != nil {
		t.Fatalf("NewKeyRing failed: %v", err)
	}
	bob, err := NewKeyRing()
	if err != nil {
		t.Fatalf("NewKeyRing failed: %v", err)
	}
	sealed, err := SealTo(bob.EncPub, alice, []byte("hello bob"))
	if err != nil {
		t.Fatalf("SealTo failed: %v", err)
	}
	got, err := Open(bob, sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(got) != "hello bob" {
		t.Fatalf("unexpected plaintext %q", got)
	}
	if _, err := Open(alice, sealed); err == nil {
		t.Fatalf("expected open with wrong key to fail")
	}
	sealed.Ciphertext[0] ^= 0xff
	if _, err := Open(bob, sealed); err != ErrSealSignature {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestKeyRingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	k, err := NewKeyRing()
	if err != nil {
		t.Fatalf("NewKeyRing failed: %v", err)
	}
	if err := SaveKeyRing(dir, k); err != nil {
		t.Fatalf("SaveKeyRing failed: %v", err)
	}
	got, err := LoadKeyRing(dir)
	if err != nil {
		t.Fatalf("LoadKeyRing failed: %v", err)
	}
	if !bytes.Equal(got.SigPub, k.SigPub) || !bytes.Equal(got.EncPriv, k.EncPriv) {
		t.Fatalf("keyring mismatch after reload")
	}
}
