package wallet

import (
	"strings"
	"testing"

	"meshpay/internal/crypto"
)

func TestSignRecoverRoundTrip(t *testing.T) {
	s, err := NewLocalSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	digest := crypto.Keccak256([]byte("pay 100 to bob"))
	sig, err := s.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte compact signature, got %d", len(sig))
	}
	addr, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if addr != s.Address() {
		t.Fatalf("recovered %s want %s", addr, s.Address())
	}
	other := crypto.Keccak256([]byte("pay 101 to bob"))
	addr2, err := RecoverAddress(other, sig)
	if err == nil && addr2 == s.Address() {
		t.Fatalf("recovery over wrong digest must not yield the signer address")
	}
}

func TestAddressShape(t *testing.T) {
	s, err := NewLocalSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	addr := s.Address()
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Fatalf("unexpected address shape: %s", addr)
	}
}

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	b, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if a.Address() != b.Address() {
		t.Fatalf("reloaded signer changed address: %s vs %s", a.Address(), b.Address())
	}
}
