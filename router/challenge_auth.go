package router

import (
	"crypto/aes"
	"crypto/cipher"
	cryptoRand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var errNoChallenge = errors.New("no challenge")

func (a *Auth) challengeAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		party := c.Param("party")
		encryptedToken := c.Request().Header.Get("Authorization")
		if err := a.verifyChallenge(party, encryptedToken); err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
		return next(c)
	}
}

func newChallenge() ([]byte, error) {
	challenge := make([]byte, 32)
	if _, err := cryptoRand.Read(challenge); err != nil {
		return nil, err
	}
	return challenge, nil
}

// issueChallenge replaces any outstanding challenge for party.
func (a *Auth) issueChallenge(party string) ([]byte, error) {
	if _, ok := a.parties[party]; !ok {
		return nil, fmt.Errorf("unknown party %q", party)
	}
	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	a.challengesMu.Lock()
	defer a.challengesMu.Unlock()
	a.challenges[party] = challenge
	return challenge, nil
}

// verifyChallenge consumes the outstanding challenge for party; every
// challenge can be answered at most once.
func (a *Auth) verifyChallenge(party string, encryptedToken string) error {
	a.challengesMu.Lock()
	challenge, ok := a.challenges[party]
	delete(a.challenges, party)
	a.challengesMu.Unlock()
	if !ok {
		return errNoChallenge
	}

	encryptedTokenBytes, err := base64.StdEncoding.DecodeString(encryptedToken)
	if err != nil {
		return fmt.Errorf("invalid base64")
	}
	decrypted, err := aesGCMOpen(encryptedTokenBytes, a.privateKey[:], a.parties[party])
	if err != nil || subtle.ConstantTimeCompare(decrypted, challenge) != 1 {
		return fmt.Errorf("challenge failed")
	}
	return nil
}

func sharedKey(privateKey, peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != curve25519.PointSize {
		return nil, fmt.Errorf("invalid X25519 public key length")
	}
	sharedSecret, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, nil), key); err != nil {
		return nil, fmt.Errorf("hkdf read error: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init error: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes gcm init error: %w", err)
	}
	return gcm, nil
}

func aesGCMOpen(ciphertext, privateKey, peerPublicKey []byte) ([]byte, error) {
	key, err := sharedKey(privateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// SealChallenge answers a challenge on the party side: it encrypts the
// challenge under the key shared between the party's X25519 private key and
// the server's public key. The result goes in the Authorization header.
func SealChallenge(challenge, privateKey, serverPublicKey []byte) (string, error) {
	key, err := sharedKey(privateKey, serverPublicKey)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := cryptoRand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, challenge, nil)), nil
}

// NewPartyKey generates an X25519 key pair for a party.
func NewPartyKey() (privateKey, publicKey []byte, err error) {
	privateKey = make([]byte, curve25519.ScalarSize)
	if _, err := cryptoRand.Read(privateKey); err != nil {
		return nil, nil, err
	}
	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}
