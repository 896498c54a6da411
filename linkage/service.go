// Package linkage combines the two parties' secret-shared match decisions into
// a linkage token. Shares are XOR halves of (match, tentative match, best id);
// a session combines them exactly once and is then discarded.
package linkage

import (
	"context"
	"fmt"
	"sort"

	"github.com/berkmancenter/linkage-point/metrics"
	"github.com/berkmancenter/linkage-point/pseudonym"
)

// MaxFreshIDs bounds a single FreshIDs request.
const MaxFreshIDs = 10000

type OutcomeStatus int

const (
	// OutcomePending acknowledges a responder share; the initiator receives
	// the result.
	OutcomePending OutcomeStatus = iota
	OutcomeLinked
)

type Outcome struct {
	Status OutcomeStatus
	Token  []byte
}

// Service is the boundary used by the transport layer.
type Service struct {
	issuers  map[string]*pseudonym.Issuer
	registry *Registry
	metrics  *metrics.Metrics
}

// NewService registers one issuer per party. Party ids must be unique.
func NewService(registry *Registry, m *metrics.Metrics, issuers ...*pseudonym.Issuer) (*Service, error) {
	if registry == nil {
		registry = NewRegistry(DefaultTimeout, WithMetrics(m))
	}
	s := &Service{
		issuers:  make(map[string]*pseudonym.Issuer, len(issuers)),
		registry: registry,
		metrics:  m,
	}
	for _, iss := range issuers {
		if _, dup := s.issuers[iss.ID()]; dup {
			return nil, fmt.Errorf("duplicate party %q", iss.ID())
		}
		s.issuers[iss.ID()] = iss
	}
	return s, nil
}

func (s *Service) Registry() *Registry {
	return s.registry
}

// Issuer returns the issuer registered for party.
func (s *Service) Issuer(party string) (*pseudonym.Issuer, error) {
	iss, ok := s.issuers[party]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParty, party)
	}
	return iss, nil
}

// Parties lists the registered party ids in sorted order.
func (s *Service) Parties() []string {
	ids := make([]string, 0, len(s.issuers))
	for id := range s.issuers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FreshIDs issues count pseudonyms from party's issuer.
func (s *Service) FreshIDs(ctx context.Context, party string, count int) ([][]byte, error) {
	iss, err := s.Issuer(party)
	if err != nil {
		return nil, err
	}
	if count < 1 || count > MaxFreshIDs {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidCount, count, MaxFreshIDs)
	}
	ids, err := iss.Generate(ctx, count)
	if err != nil {
		return nil, err
	}
	s.metrics.AddPseudonymsIssued(party, len(ids))
	return ids, nil
}

// SubmitShare records share for pair. A responder share is acknowledged with
// OutcomePending. An initiator share blocks until the responder share arrives
// and the session is revealed, or the session times out.
func (s *Service) SubmitShare(ctx context.Context, pair Pair, share Share) (Outcome, error) {
	initiator, err := s.Issuer(pair.Initiator)
	if err != nil {
		return Outcome{}, err
	}
	responder, err := s.Issuer(pair.Responder)
	if err != nil {
		return Outcome{}, err
	}

	sess, err := s.registry.Submit(pair, share, initiator, responder)
	if err != nil {
		return Outcome{}, err
	}
	if share.Role == RoleResponder {
		return Outcome{Status: OutcomePending}, nil
	}

	token, err := s.registry.Await(ctx, sess)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: OutcomeLinked, Token: token}, nil
}
