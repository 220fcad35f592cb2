// Package identity implements the node's long-lived cryptographic identity:
// load-or-generate semantics over two on-disk files, with the public file
// kept byte-identical to the public projection of the secret file. Follows
// a SaveECDSA/LoadECDSA load-or-generate shape (hex-encoded key material,
// restrictive file permissions), generalized to a secret+public two-file
// layout and to secp256k1 via btcsuite/btcd/btcec/v2.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// AddressLen is the width, in bytes, of the short fixed-width peer address
// derived from the public key.
const AddressLen = 5

// Address is the node's short fixed-width name on the wire.
type Address [AddressLen]byte

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// ParseAddress decodes a hex-encoded address, e.g. as received in a netconf
// helper message's "peer" field.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("identity: malformed address %q: %w", s, err)
	}
	if len(b) != AddressLen {
		return a, fmt.Errorf("identity: address %q has wrong length %d", s, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// Identity is the node's permanent asymmetric keypair plus its derived
// Address. The zero value is not valid; construct via Load or Generate.
type Identity struct {
	priv    *btcec.PrivateKey
	pub     *btcec.PublicKey
	address Address
}

// Address returns the identity's short peer address.
func (id *Identity) Address() Address { return id.address }

// PublicKeyBytes returns the compressed SEC1 public key encoding.
func (id *Identity) PublicKeyBytes() []byte {
	return id.pub.SerializeCompressed()
}

// PrivateKeyBytes returns the raw 32-byte scalar. Callers must not persist
// this outside of the secret file this package itself writes.
func (id *Identity) PrivateKeyBytes() []byte {
	return id.priv.Serialize()
}

// Sign signs a 32-byte hash with the identity's private key. The packet codec
// and cryptographic primitives that would use this are external collaborators
// out of scope for this package; this exists only so higher layers
// (switchboard) have a concrete hook.
func Sign(id *Identity, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("identity: hash must be 32 bytes, got %d", len(hash))
	}
	sig := btcecdsa.Sign(id.priv, hash)
	return sig.Serialize(), nil
}

func addressFromPub(pub *btcec.PublicKey) Address {
	sum := sha256.Sum256(pub.SerializeCompressed())
	var a Address
	copy(a[:], sum[len(sum)-AddressLen:])
	return a
}

func fromPrivateBytes(b []byte) (*Identity, error) {
	if len(b) != 32 {
		return nil, errors.New("identity: secret key must be 32 bytes")
	}
	priv, pub := btcec.PrivKeyFromBytes(b)
	return &Identity{priv: priv, pub: pub, address: addressFromPub(pub)}, nil
}

// generate produces a fresh keypair. Real ZeroTier-style identities are
// generated subject to a proof-of-work difficulty expected to take seconds;
// difficulty is expressed here as a required count of
// leading zero nibbles in the derived address, defaulting to 0 (instant) so
// tests don't need to burn CPU, with a difficulty knob for callers that want
// to exercise the slow path.
func generate(difficultyNibbles int) (*Identity, error) {
	for {
		var seed [32]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return nil, fmt.Errorf("identity: generate: %w", err)
		}
		priv, pub := btcec.PrivKeyFromBytes(seed[:])
		addr := addressFromPub(pub)
		if hasLeadingZeroNibbles(addr, difficultyNibbles) {
			return &Identity{priv: priv, pub: pub, address: addr}, nil
		}
	}
}

func hasLeadingZeroNibbles(a Address, n int) bool {
	for i := 0; i < n; i++ {
		nibble := a[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0xf != 0 {
			return false
		}
	}
	return true
}

// secretHex serializes priv+pub as a single hex string: the same shape as
// crypto.SaveECDSA's hex-encoded blob, extended to carry the public key
// alongside so a corrupted/foreign public file can always be regenerated
// from the secret alone.
func (id *Identity) secretHex() string {
	return hex.EncodeToString(id.priv.Serialize()) + hex.EncodeToString(id.pub.SerializeCompressed())
}

func (id *Identity) publicHex() string {
	return hex.EncodeToString(id.pub.SerializeCompressed())
}

func parseSecretHex(s string) (*Identity, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("identity: malformed secret file: %w", err)
	}
	if len(b) != 32+33 {
		return nil, fmt.Errorf("identity: malformed secret file: expected %d bytes, got %d", 32+33, len(b))
	}
	return fromPrivateBytes(b[:32])
}
