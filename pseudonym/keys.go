package pseudonym

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyInfoPrefix = "linkpoint pseudonym key "

// ParseKey decodes a base64 issuer key and checks its length.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w (got %d)", ErrKeyLength, len(key))
	}
	return key, nil
}

// DeriveKey derives the key of issuer id from a shared master secret.
func DeriveKey(master []byte, id string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("derive key for %s: empty master secret", id)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(keyInfoPrefix+id)), key); err != nil {
		return nil, fmt.Errorf("hkdf read error: %w", err)
	}
	return key, nil
}

// RandomKey returns a fresh key. Pseudonyms issued under it become
// undecryptable once the process exits.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncodeToken is the wire form of a token.
func EncodeToken(token []byte) string {
	return base64.StdEncoding.EncodeToString(token)
}

func DecodeToken(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return b, nil
}
