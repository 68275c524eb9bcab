package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair: %v", err)
	}
	digest := SHA3_256([]byte("hello mesh"))
	sig := Sign(priv, digest)
	if sig == nil {
		t.Fatalf("sign returned nil")
	}
	if !Verify(pub, digest, sig) {
		t.Fatalf("verify failed for valid signature")
	}
	digest[0] ^= 0xff
	if Verify(pub, digest, sig) {
		t.Fatalf("verify accepted tampered digest")
	}
}

func TestKeypairPersistence(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair: %v", err)
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		t.Fatalf("save keypair: %v", err)
	}
	pub2, priv2, err := LoadKeypair(dir)
	if err != nil {
		t.Fatalf("load keypair: %v", err)
	}
	if !bytes.Equal(pub, pub2) || !bytes.Equal(priv, priv2) {
		t.Fatalf("loaded keypair differs from saved")
	}
}

func TestKeccak256Concatenates(t *testing.T) {
	a := Keccak256([]byte("ab"), []byte("cd"))
	b := Keccak256([]byte("abcd"))
	if !bytes.Equal(a, b) {
		t.Fatalf("keccak over parts should equal keccak over concatenation")
	}
	if bytes.Equal(a, SHA3_256([]byte("abcd"))) {
		t.Fatalf("keccak and sha3 should differ")
	}
}
