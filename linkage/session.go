package linkage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/berkmancenter/linkage-point/pseudonym"
)

type state int

const (
	stateEmpty state = iota
	stateOneShare
	stateReady
	stateConsumed
)

func (s state) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case stateOneShare:
		return "one-share"
	case stateReady:
		return "ready"
	case stateConsumed:
		return "consumed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session collects the two shares of one linkage decision for a pair and
// combines them at most once. All methods are safe for concurrent use.
type Session struct {
	id      uuid.UUID
	pair    Pair
	created time.Time
	timeout time.Duration

	initiator *pseudonym.Issuer
	responder *pseudonym.Issuer

	mu     sync.Mutex
	state  state
	shares [2]*Share

	ready  chan struct{}
	closed chan struct{}
}

// NewSession creates an empty session. initiator encrypts the revealed token,
// responder decrypts the combined best id.
func NewSession(pair Pair, initiator, responder *pseudonym.Issuer, created time.Time, timeout time.Duration) *Session {
	return &Session{
		id:        uuid.New(),
		pair:      pair,
		created:   created,
		timeout:   timeout,
		initiator: initiator,
		responder: responder,
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Pair() Pair {
	return s.pair
}

// Deadline is the instant after which an un-ready session is cleared.
func (s *Session) Deadline() time.Time {
	return s.created.Add(s.timeout)
}

// Submit stores share under its role. A second share for the same role
// replaces the first. Once both roles are present the session is ready.
func (s *Session) Submit(share Share) error {
	if !share.Role.valid() {
		return fmt.Errorf("%w: %v", ErrInvalidRole, share.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateConsumed {
		return errSessionClosed
	}

	stored := share
	stored.BestID = append([]byte(nil), share.BestID...)
	s.shares[share.Role] = &stored

	if s.shares[RoleInitiator] != nil && s.shares[RoleResponder] != nil {
		if s.state != stateReady {
			s.state = stateReady
			close(s.ready)
		}
		return nil
	}
	s.state = stateOneShare
	return nil
}

func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateReady
}

// Reveal combines both shares and returns the linkage token. A match (or
// tentative match) yields the best id re-encrypted for the initiator with the
// tentative flag prepended; otherwise a fresh initiator pseudonym is returned.
//
// Reveal before both shares are present returns ErrNotReady and changes
// nothing. Any other outcome, success or failure, consumes the session.
func (s *Session) Reveal(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReady {
		return nil, fmt.Errorf("%w: session is %v", ErrNotReady, s.state)
	}
	ini, resp := s.shares[RoleInitiator], s.shares[RoleResponder]
	defer s.consumeLocked()

	if len(ini.BestID) != len(resp.BestID) {
		return nil, fmt.Errorf("%w: %d != %d bytes", ErrShareLengthMismatch, len(ini.BestID), len(resp.BestID))
	}

	match := ini.Match != resp.Match
	tentative := ini.Tentative != resp.Tentative
	if !match && !tentative {
		ids, err := s.initiator.Generate(ctx, 1)
		if err != nil {
			return nil, err
		}
		return ids[0], nil
	}

	bestID := make([]byte, len(ini.BestID))
	for k := range bestID {
		bestID[k] = ini.BestID[k] ^ resp.BestID[k]
	}

	plain, err := s.responder.Decrypt(bestID)
	if err != nil {
		return nil, fmt.Errorf("decrypt best id: %w", err)
	}
	flag := byte(0)
	if tentative {
		flag = 1
	}
	token, err := s.initiator.Encrypt(append([]byte{flag}, plain...))
	if err != nil {
		return nil, fmt.Errorf("encrypt linkage token: %w", err)
	}
	return token, nil
}

// Wait blocks until both shares are present, the session is cleared, or ctx
// is done. A cleared or expired session yields ErrSessionTimeout.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.closed:
		if s.wasReady() {
			return nil
		}
		return ErrSessionTimeout
	case <-ctx.Done():
		if s.wasReady() {
			return nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrSessionTimeout
		}
		return ctx.Err()
	}
}

func (s *Session) wasReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// expired reports whether the session is past its deadline without having
// become ready.
func (s *Session) expired(now time.Time) bool {
	if s.wasReady() {
		return false
	}
	return !now.Before(s.Deadline())
}

// discard clears the session. Waiters that have not seen both shares get
// ErrSessionTimeout.
func (s *Session) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumeLocked()
}

func (s *Session) consumeLocked() {
	if s.state == stateConsumed {
		return
	}
	s.state = stateConsumed
	s.shares = [2]*Share{}
	close(s.closed)
}
