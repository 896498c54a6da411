package router

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptoRand "crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
)

// DefaultCredentialTTL is how long an issued party credential stays valid.
const DefaultCredentialTTL = 48 * time.Hour

// Auth authenticates parties. A party proves possession of the X25519 key
// registered for it by answering a challenge, and receives an ES256 JWT that
// the linkage routes require.
type Auth struct {
	signingKey *ecdsa.PrivateKey
	privateKey [32]byte
	publicKey  []byte

	parties map[string][]byte // party id -> X25519 public key
	orgs    OrgResolver
	ttl     time.Duration
	now     func() time.Time

	challengesMu sync.Mutex
	challenges   map[string][]byte // party id -> outstanding challenge
}

type AuthOption func(*Auth)

func WithOrgResolver(r OrgResolver) AuthOption {
	return func(a *Auth) {
		if r != nil {
			a.orgs = r
		}
	}
}

func WithCredentialTTL(d time.Duration) AuthOption {
	return func(a *Auth) {
		if d > 0 {
			a.ttl = d
		}
	}
}

// NewAuth creates fresh server keys for the given parties. Credentials do not
// survive a restart.
func NewAuth(parties map[string][]byte, opts ...AuthOption) (*Auth, error) {
	a := &Auth{
		parties:    make(map[string][]byte, len(parties)),
		orgs:       NopResolver{},
		ttl:        DefaultCredentialTTL,
		now:        time.Now,
		challenges: map[string][]byte{},
	}
	for id, key := range parties {
		if len(key) != curve25519.PointSize {
			return nil, fmt.Errorf("party %s: invalid X25519 public key length %d", id, len(key))
		}
		a.parties[id] = append([]byte(nil), key...)
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.createKeys(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Auth) createKeys() error {
	var err error
	a.signingKey, err = ecdsa.GenerateKey(elliptic.P256(), cryptoRand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	if _, err := cryptoRand.Read(a.privateKey[:]); err != nil {
		return fmt.Errorf("generate server key: %w", err)
	}
	a.publicKey, err = curve25519.X25519(a.privateKey[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("derive server public key: %w", err)
	}
	return nil
}

// ServerPublicKey is the X25519 key parties use to answer challenges.
func (a *Auth) ServerPublicKey() []byte {
	return a.publicKey
}

func (a *Auth) SigningPublicKey() *ecdsa.PublicKey {
	return &a.signingKey.PublicKey
}

// Parties lists the parties that can authenticate.
func (a *Auth) Parties() []string {
	ids := make([]string, 0, len(a.parties))
	for id := range a.parties {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
