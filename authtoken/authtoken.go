// Package authtoken implements the control-channel shared secret: load a
// 24-character printable token if present, else generate one from a secure
// random source and persist it with restrictive permissions. Follows the
// same load-or-generate shape as identity's key material, adapted to a
// plain alphanumeric secret.
package authtoken

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
)

const (
	FileName = "authtoken.secret"
	Length   = 24
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Token is the raw shared secret.
type Token []byte

// Key derives the 32-byte symmetric key used to authenticate local control
// packets: SHA-256 of the raw token bytes.
func (t Token) Key() [32]byte {
	return sha256.Sum256(t)
}

func (t Token) String() string { return string(t) }

// Load reads home/authtoken.secret if present, generating and persisting a
// fresh token otherwise. Failure to write is initialization-fatal.
func Load(home string) (Token, error) {
	path := filepath.Join(home, FileName)
	b, err := os.ReadFile(path)
	if err == nil {
		if err := validate(b); err != nil {
			return nil, fmt.Errorf("authtoken: %w", err)
		}
		return Token(b), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("authtoken: read: %w", err)
	}

	tok, err := generate()
	if err != nil {
		return nil, fmt.Errorf("authtoken: generate: %w", err)
	}
	if err := os.WriteFile(path, tok, 0600); err != nil {
		return nil, fmt.Errorf("authtoken: write: %w", err)
	}
	return Token(tok), nil
}

func generate() ([]byte, error) {
	out := make([]byte, Length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, err
		}
		out[i] = alphabet[n.Int64()]
	}
	return out, nil
}

func validate(b []byte) error {
	if len(b) != Length {
		return fmt.Errorf("malformed token: want %d bytes, got %d", Length, len(b))
	}
	for _, c := range b {
		if !isPrintableAlnum(c) {
			return fmt.Errorf("malformed token: non [a-zA-Z0-9] byte %q", c)
		}
	}
	return nil
}

func isPrintableAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
