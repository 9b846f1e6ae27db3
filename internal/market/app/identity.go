package app

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Identity is the node's protocol identity. The address other parties see is
// the hex-encoded compressed public key; protocol messages are signed with
// the corresponding private key.
type Identity struct {
	key *secp256k1.PrivateKey
}

// IdentityFromHex loads an identity from a hex-encoded secp256k1 private key.
func IdentityFromHex(privHex string) (*Identity, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("identity: bad private key encoding: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("identity: private key must be 32 bytes, got %d", len(b))
	}
	return &Identity{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// NewIdentity generates a fresh identity. Used by tests and first-run setup.
func NewIdentity() (*Identity, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{key: key}, nil
}

// Address returns the identity's public address (compressed pubkey hex).
func (i *Identity) Address() string {
	return hex.EncodeToString(i.key.PubKey().SerializeCompressed())
}

// Key returns the signing key.
func (i *Identity) Key() *secp256k1.PrivateKey {
	return i.key
}
