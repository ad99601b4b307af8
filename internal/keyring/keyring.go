// Package keyring holds the node's signing identity and the public key rings
// peers are addressed and verified by.
package keyring

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidKey       = errors.New("keyring: invalid private key")
	ErrInvalidSignature = errors.New("keyring: invalid signature")
)

// PubKeyRing is the public identity of a peer. Keys are compressed
// secp256k1 points.
type PubKeyRing struct {
	SignaturePubKey  []byte `json:"signaturePubKey"`
	EncryptionPubKey []byte `json:"encryptionPubKey"`
}

// Equal compares both keys.
func (r PubKeyRing) Equal(o PubKeyRing) bool {
	return bytes.Equal(r.SignaturePubKey, o.SignaturePubKey) &&
		bytes.Equal(r.EncryptionPubKey, o.EncryptionPubKey)
}

// IsZero reports whether the ring carries no keys.
func (r PubKeyRing) IsZero() bool {
	return len(r.SignaturePubKey) == 0 && len(r.EncryptionPubKey) == 0
}

// TraderID derives the stable, non-negative integer a trader is keyed by in
// dispute records.
func (r PubKeyRing) TraderID() int {
	h := fnv.New32a()
	_, _ = h.Write(r.SignaturePubKey)
	_, _ = h.Write(r.EncryptionPubKey)
	return int(h.Sum32() & 0x7fffffff)
}

func (r PubKeyRing) String() string {
	sig := hex.EncodeToString(r.SignaturePubKey)
	if len(sig) > 16 {
		sig = sig[:16]
	}
	return "PubKeyRing{" + sig + "}"
}

// KeyRing is the private side of a PubKeyRing.
type KeyRing struct {
	signKey *ecdsa.PrivateKey
	encKey  *ecdsa.PrivateKey
	pub     PubKeyRing
}

// Generate creates a fresh key ring.
func Generate() (*KeyRing, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return fromSignKey(key)
}

// FromHex restores a key ring from a hex encoded signing key.
func FromHex(hexKey string) (*KeyRing, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return fromSignKey(key)
}

// LoadOrCreate reads the signing key stored at path, creating and storing a
// new one if the file does not exist.
func LoadOrCreate(path string) (*KeyRing, error) {
	key, err := crypto.LoadECDSA(path)
	if err == nil {
		return fromSignKey(key)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("save key: %w", err)
	}
	return fromSignKey(key)
}

func fromSignKey(key *ecdsa.PrivateKey) (*KeyRing, error) {
	// The encryption key is derived so a single stored secret restores the ring.
	encKey, err := crypto.ToECDSA(crypto.Keccak256(crypto.FromECDSA(key), []byte("encryption")))
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	return &KeyRing{
		signKey: key,
		encKey:  encKey,
		pub: PubKeyRing{
			SignaturePubKey:  crypto.CompressPubkey(&key.PublicKey),
			EncryptionPubKey: crypto.CompressPubkey(&encKey.PublicKey),
		},
	}, nil
}

// PubKeyRing returns the public side of the ring.
func (k *KeyRing) PubKeyRing() PubKeyRing {
	return k.pub
}

// Sign signs the Keccak256 digest of data with the signing key.
func (k *KeyRing) Sign(data []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(data), k.signKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Verify checks a signature produced by Sign against a compressed or
// uncompressed public key.
func Verify(pubKey, data, sig []byte) error {
	if len(sig) != 65 && len(sig) != 64 {
		return fmt.Errorf("%w: signature must be 64 or 65 bytes, got %d", ErrInvalidSignature, len(sig))
	}
	if !crypto.VerifySignature(pubKey, crypto.Keccak256(data), sig[:64]) {
		return ErrInvalidSignature
	}
	return nil
}
