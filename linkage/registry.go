package linkage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berkmancenter/linkage-point/logging"
	"github.com/berkmancenter/linkage-point/metrics"
	"github.com/berkmancenter/linkage-point/pseudonym"
)

// DefaultTimeout is how long a session may wait for its second share.
const DefaultTimeout = 20 * time.Second

// Registry maps each ordered pair to at most one live session. Operations on
// different pairs never contend on a shared lock.
type Registry struct {
	sessions sync.Map // Pair -> *Session
	live     atomic.Int64

	timeout time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

type RegistryOption func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates a registry whose sessions expire timeout after creation.
// A non-positive timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration, opts ...RegistryOption) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Registry{
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// GetOrCreate returns the live session for pair, creating an empty one if
// there is none.
func (r *Registry) GetOrCreate(pair Pair, initiator, responder *pseudonym.Issuer) *Session {
	if v, ok := r.sessions.Load(pair); ok {
		return v.(*Session)
	}
	s := NewSession(pair, initiator, responder, r.now(), r.timeout)
	v, loaded := r.sessions.LoadOrStore(pair, s)
	if !loaded {
		r.metrics.SetLiveSessions(int(r.live.Add(1)))
		logging.Debugf("session %s opened for %s", s.ID(), pair)
	}
	return v.(*Session)
}

// Remove clears the session for pair, if any.
func (r *Registry) Remove(pair Pair) {
	v, ok := r.sessions.LoadAndDelete(pair)
	if !ok {
		return
	}
	r.metrics.SetLiveSessions(int(r.live.Add(-1)))
	v.(*Session).discard()
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	return int(r.live.Load())
}

// Submit adds share to the live session for pair. Consumed or expired
// sessions are replaced, so a late submission always starts a new attempt.
func (r *Registry) Submit(pair Pair, share Share, initiator, responder *pseudonym.Issuer) (*Session, error) {
	if !share.Role.valid() {
		return nil, ErrInvalidRole
	}
	for {
		s := r.GetOrCreate(pair, initiator, responder)
		if s.expired(r.now()) {
			r.expire(s)
			continue
		}
		err := s.Submit(share)
		if errors.Is(err, errSessionClosed) {
			r.drop(s)
			continue
		}
		if err != nil {
			return nil, err
		}
		r.metrics.IncrementSharesReceived(share.Role.String())
		return s, nil
	}
}

// Await waits for s to become ready, reveals it and clears it. If the peer
// share does not arrive before the session deadline the session is cleared
// and ErrSessionTimeout returned.
func (r *Registry) Await(ctx context.Context, s *Session) ([]byte, error) {
	start := r.now()
	ctx, cancel := context.WithTimeout(ctx, s.Deadline().Sub(start))
	defer cancel()

	if err := s.Wait(ctx); err != nil {
		if errors.Is(err, ErrSessionTimeout) {
			r.expire(s)
		} else {
			r.drop(s)
		}
		return nil, err
	}
	r.metrics.ObservePeerWait(r.now().Sub(start))

	token, err := s.Reveal(ctx)
	r.drop(s)
	if errors.Is(err, ErrNotReady) {
		// another waiter revealed it first
		return nil, err
	}
	r.metrics.IncrementReveals(err == nil)
	if err != nil {
		logging.Warnf("session %s for %s failed to reveal: %v", s.ID(), s.Pair(), err)
		return nil, err
	}
	return token, nil
}

// Sweep clears every session past its deadline that never became ready and
// returns how many were cleared.
func (r *Registry) Sweep() int {
	now := r.now()
	n := 0
	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.expired(now) && r.expire(s) {
			n++
		}
		return true
	})
	return n
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				logging.Debugf("swept %d expired sessions", n)
			}
		}
	}
}

func (r *Registry) expire(s *Session) bool {
	if !r.drop(s) {
		return false
	}
	r.metrics.IncrementSessionTimeouts()
	logging.Infof("session %s for %s timed out", s.ID(), s.Pair())
	return true
}

// drop clears s and removes it from the map if it is still the live session
// for its pair.
func (r *Registry) drop(s *Session) bool {
	removed := r.sessions.CompareAndDelete(s.Pair(), s)
	if removed {
		r.metrics.SetLiveSessions(int(r.live.Add(-1)))
	}
	s.discard()
	return removed
}
