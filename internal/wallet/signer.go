package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"meshpay/internal/crypto"
)

// Signer is the narrow capability the payment pipeline depends on. The host
// decides which concrete key backs it.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
	Address() string
}

var ErrNoKey = errors.New("wallet key not configured")

const keyFile = "wallet.hex"

// LocalSigner signs with a secp256k1 key held in memory. Signatures are
// 65-byte compact form so receivers can recover the signer address without
// knowing the public key.
type LocalSigner struct {
	priv *btcec.PrivateKey
	addr string
}

func NewLocalSigner() (*LocalSigner, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return fromKey(priv), nil
}

func fromKey(priv *btcec.PrivateKey) *LocalSigner {
	return &LocalSigner{priv: priv, addr: AddressFromPub(priv.PubKey())}
}

// LoadOrCreate reads the wallet key from dir, generating and persisting a
// fresh one when absent.
func LoadOrCreate(dir string) (*LocalSigner, error) {
	path := filepath.Join(dir, keyFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		s, err := NewLocalSigner()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		keyHex := hex.EncodeToString(s.priv.Serialize())
		if err := os.WriteFile(path, []byte(keyHex), 0600); err != nil {
			return nil, err
		}
		return s, nil
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", keyFile, err)
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)
	return fromKey(priv), nil
}

func (s *LocalSigner) Sign(digest []byte) ([]byte, error) {
	if s == nil || s.priv == nil {
		return nil, ErrNoKey
	}
	if len(digest) != 32 {
		return nil, errors.New("bad digest size")
	}
	return ecdsa.SignCompact(s.priv, digest, true), nil
}

func (s *LocalSigner) Address() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// AddressFromPub derives the wallet address: last 20 bytes of the keccak
// hash of the uncompressed public key, 0x-prefixed.
func AddressFromPub(pub *btcec.PublicKey) string {
	unc := pub.SerializeUncompressed()
	sum := crypto.Keccak256(unc[1:])
	return "0x" + hex.EncodeToString(sum[12:])
}

// RecoverAddress returns the address that produced a compact signature over
// digest.
func RecoverAddress(digest, sig []byte) (string, error) {
	if len(digest) != 32 {
		return "", errors.New("bad digest size")
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return "", err
	}
	return AddressFromPub(pub), nil
}
