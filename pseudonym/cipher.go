package pseudonym

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const aeadKeyInfo = "linkpoint aead"

// ctrSealer is AES-256-CTR with the random IV used as the initial counter
// block and prepended to the ciphertext.
type ctrSealer struct {
	block cipher.Block
}

func newCTRSealer(key []byte) (*ctrSealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init error: %w", err)
	}
	return &ctrSealer{block: block}, nil
}

func (s *ctrSealer) seal(plain []byte) ([]byte, error) {
	out := make([]byte, aes.BlockSize+len(plain))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	cipher.NewCTR(s.block, iv).XORKeyStream(out[aes.BlockSize:], plain)
	return out, nil
}

// open reads the IV from the first block. Input shorter than a block is an
// IV with no ciphertext and opens to an empty plaintext, which never
// validates.
func (s *ctrSealer) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aes.BlockSize {
		return []byte{}, nil
	}
	iv, ct := ciphertext[:aes.BlockSize], ciphertext[aes.BlockSize:]
	plain := make([]byte, len(ct))
	cipher.NewCTR(s.block, iv).XORKeyStream(plain, ct)
	return plain, nil
}

// aeadSealer is XChaCha20-Poly1305 under a key derived from the issuer key, so
// the CTR and AEAD schemes never share key material.
type aeadSealer struct {
	aead cipher.AEAD
}

func newAEADSealer(key []byte) (*aeadSealer, error) {
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(aeadKeyInfo)), derived); err != nil {
		return nil, fmt.Errorf("hkdf read error: %w", err)
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("aead init error: %w", err)
	}
	return &aeadSealer{aead: aead}, nil
}

func (s *aeadSealer) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *aeadSealer) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrMalformedToken)
	}
	nonce, ct := ciphertext[:s.aead.NonceSize()], ciphertext[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return plain, nil
}
