package linkage

import (
	"encoding/base64"
	"fmt"
)

// Role tags which side of a pair a share belongs to.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

func (r Role) valid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// ParseRole accepts exactly "initiator" or "responder".
func ParseRole(s string) (Role, error) {
	switch s {
	case "initiator":
		return RoleInitiator, nil
	case "responder":
		return RoleResponder, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Pair identifies a linkage between two parties. Order matters: the initiator
// waits for and receives the result.
type Pair struct {
	Initiator string
	Responder string
}

func (p Pair) String() string {
	return p.Initiator + "->" + p.Responder
}

// PairFor resolves the pair from the caller's point of view: the initiator
// submits with local as initiator, the responder with local as responder.
func PairFor(role Role, local, remote string) (Pair, error) {
	switch role {
	case RoleInitiator:
		return Pair{Initiator: local, Responder: remote}, nil
	case RoleResponder:
		return Pair{Initiator: remote, Responder: local}, nil
	}
	return Pair{}, fmt.Errorf("%w: %v", ErrInvalidRole, role)
}

// Share is one party's XOR share of (match, tentative match, best id).
type Share struct {
	Role      Role
	Match     bool
	Tentative bool
	BestID    []byte
}

// ParseShare builds a share from wire values.
func ParseShare(role string, match, tentative bool, bestID string) (Share, error) {
	r, err := ParseRole(role)
	if err != nil {
		return Share{}, err
	}
	id, err := base64.StdEncoding.DecodeString(bestID)
	if err != nil {
		return Share{}, fmt.Errorf("%w: bestId: %v", ErrMalformedEncoding, err)
	}
	return Share{Role: r, Match: match, Tentative: tentative, BestID: id}, nil
}
