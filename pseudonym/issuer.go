// Package pseudonym issues and validates unlinkable pseudonymous identifiers.
//
// A pseudonym is the encryption of an issuer-local counter followed by a run of
// zero bytes. The random IV (or nonce) makes two pseudonyms for consecutive
// counter values unlinkable for anyone without the issuer key, and the counter
// makes every pseudonym of an issuer unique.
//
// The default CTR scheme gives confidentiality only: anyone holding the key can
// produce a value that passes Validate. The AEAD scheme authenticates tokens;
// issuers can be migrated to it with WithLegacyFallback so that CTR tokens
// issued before the switch stay readable.
package pseudonym

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// KeySize is the length of an issuer key (AES-256 / XChaCha20-Poly1305).
const KeySize = 32

var (
	ErrKeyLength      = errors.New("issuer key must be 32 bytes")
	ErrPadLength      = errors.New("pad length must be positive")
	ErrMalformedToken = errors.New("malformed token")
	ErrUnknownScheme  = errors.New("unknown pseudonym scheme")
)

// Scheme selects how an issuer encrypts pseudonyms.
type Scheme string

const (
	SchemeCTR  Scheme = "ctr"
	SchemeAEAD Scheme = "aead"
)

// ParseScheme accepts "ctr", "aead" and the empty string (ctr).
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case "", SchemeCTR:
		return SchemeCTR, nil
	case SchemeAEAD:
		return SchemeAEAD, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScheme, s)
}

type sealer interface {
	seal(plain []byte) ([]byte, error)
	open(ciphertext []byte) ([]byte, error)
}

// Issuer is one party's pseudonym authority. It is safe for concurrent use.
type Issuer struct {
	id      string
	key     []byte
	pad     int
	scheme  Scheme
	legacy  bool
	counter CounterStore

	primary  sealer
	fallback sealer
}

type Option func(*Issuer)

// WithCounter replaces the in-process counter, e.g. with a RedisCounter.
func WithCounter(c CounterStore) Option {
	return func(i *Issuer) {
		if c != nil {
			i.counter = c
		}
	}
}

// WithScheme selects the encryption scheme. The default is SchemeCTR.
func WithScheme(s Scheme) Option {
	return func(i *Issuer) {
		i.scheme = s
	}
}

// WithLegacyFallback makes an AEAD issuer also decrypt and validate CTR
// tokens. It has no effect on CTR issuers.
func WithLegacyFallback() Option {
	return func(i *Issuer) {
		i.legacy = true
	}
}

// New creates an issuer. A key of the wrong length is a configuration error.
func New(id string, key []byte, pad int, opts ...Option) (*Issuer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("issuer %s: %w (got %d)", id, ErrKeyLength, len(key))
	}
	if pad < 1 {
		return nil, fmt.Errorf("issuer %s: %w", id, ErrPadLength)
	}

	i := &Issuer{
		id:      id,
		key:     append([]byte(nil), key...),
		pad:     pad,
		scheme:  SchemeCTR,
		counter: NewMemoryCounter(),
	}
	for _, opt := range opts {
		opt(i)
	}

	ctr, err := newCTRSealer(i.key)
	if err != nil {
		return nil, err
	}
	switch i.scheme {
	case SchemeCTR:
		i.primary = ctr
	case SchemeAEAD:
		aead, err := newAEADSealer(i.key)
		if err != nil {
			return nil, err
		}
		i.primary = aead
		if i.legacy {
			i.fallback = ctr
		}
	default:
		return nil, fmt.Errorf("issuer %s: %w: %q", id, ErrUnknownScheme, i.scheme)
	}
	return i, nil
}

func (i *Issuer) ID() string {
	return i.id
}

func (i *Issuer) Pad() int {
	return i.pad
}

func (i *Issuer) Scheme() Scheme {
	return i.scheme
}

// Generate issues n fresh pseudonyms. The n counter values are reserved in one
// atomic step and are never handed out again, even if encryption fails.
func (i *Issuer) Generate(ctx context.Context, n int) ([][]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("generate: negative count %d", n)
	}
	if n == 0 {
		return [][]byte{}, nil
	}
	if err := i.checkKey(); err != nil {
		return nil, err
	}

	first, err := i.counter.Reserve(ctx, i.id, uint64(n))
	if err != nil {
		return nil, fmt.Errorf("issuer %s: %w", i.id, err)
	}

	out := make([][]byte, n)
	for k := range n {
		token, err := i.primary.seal(i.plaintext(first + uint64(k)))
		if err != nil {
			return nil, fmt.Errorf("issuer %s: seal: %w", i.id, err)
		}
		out[k] = token
	}
	return out, nil
}

// Validate reports whether token decrypts under this issuer's key to a value
// ending in pad zero bytes. For CTR issuers this is a shape check, not proof
// that this issuer produced the token.
func (i *Issuer) Validate(token []byte) bool {
	if plain, err := i.primary.open(token); err == nil && i.padded(plain) {
		return true
	}
	if i.fallback != nil {
		if plain, err := i.fallback.open(token); err == nil && i.padded(plain) {
			return true
		}
	}
	return false
}

// Encrypt seals arbitrary bytes with a fresh IV prepended to the output.
func (i *Issuer) Encrypt(plain []byte) ([]byte, error) {
	if err := i.checkKey(); err != nil {
		return nil, err
	}
	return i.primary.seal(plain)
}

// Decrypt reverses Encrypt. The IV is read from the first block of ciphertext.
// With a legacy fallback, a ciphertext the primary scheme rejects is only
// accepted when it opens to a padded pseudonym under the fallback.
func (i *Issuer) Decrypt(ciphertext []byte) ([]byte, error) {
	if err := i.checkKey(); err != nil {
		return nil, err
	}
	plain, err := i.primary.open(ciphertext)
	if err != nil && i.fallback != nil {
		if legacy, ferr := i.fallback.open(ciphertext); ferr == nil && i.padded(legacy) {
			return legacy, nil
		}
	}
	return plain, err
}

func (i *Issuer) checkKey() error {
	if len(i.key) != KeySize {
		return fmt.Errorf("issuer %s: %w", i.id, ErrKeyLength)
	}
	return nil
}

func (i *Issuer) plaintext(counter uint64) []byte {
	b := make([]byte, 0, 20+i.pad)
	b = strconv.AppendUint(b, counter, 10)
	return append(b, make([]byte, i.pad)...)
}

func (i *Issuer) padded(plain []byte) bool {
	if len(plain) < i.pad {
		return false
	}
	for _, b := range plain[len(plain)-i.pad:] {
		if b != 0 {
			return false
		}
	}
	return true
}
