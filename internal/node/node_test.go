package node

import (
	"testing"
)

func TestNewNodePersistsIdentity(t *testing.T) {
	home := t.TempDir()
	n1, err := NewNode(home, Options{})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if n1.IDHex == "" || len(n1.IDHex) != 64 {
		t.Fatalf("unexpected id: %q", n1.IDHex)
	}
	n2, err := NewNode(home, Options{})
	if err != nil {
		t.Fatalf("reopen node: %v", err)
	}
	if n1.IDHex != n2.IDHex {
		t.Fatalf("identity changed across restart: %s vs %s", n1.IDHex, n2.IDHex)
	}
}

func TestDeriveNodeIDDeterministic(t *testing.T) {
	pub := []byte("some public key material")
	a := DeriveNodeID(pub)
	b := DeriveNodeID(pub)
	if a != b {
		t.Fatalf("derive not deterministic")
	}
	c := DeriveNodeID(append(pub, 'x'))
	if a == c {
		t.Fatalf("different keys must give different ids")
	}
}
