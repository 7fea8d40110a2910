package smc

import (
	"strconv"
	"strings"
)

// Endpoint is a parsed peer address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// ParseEndpoint splits s on its last colon into host and port. Inputs without
// a colon are rejected; the host part is taken verbatim and may itself contain
// colons. The port must be an unsigned decimal no larger than 65535.
func ParseEndpoint(s string) (Endpoint, error) {
	sep := strings.LastIndexByte(s, ':')
	if sep < 0 {
		return Endpoint{}, Errorf(KindValidation, "invalid endpoint address %q", s)
	}
	port, err := strconv.ParseUint(s[sep+1:], 10, 16)
	if err != nil {
		return Endpoint{}, Errorf(KindValidation, "invalid endpoint port %q", s)
	}
	return Endpoint{Host: s[:sep], Port: int(port)}, nil
}

// MinParticipants is the smallest group a computation may run with.
const MinParticipants = 2

// Peer is a validated participant.
type Peer struct {
	PartyID  int
	Endpoint Endpoint
}

// ValidateParticipants checks a Prepare participant list: at least
// MinParticipants entries, positive unique party ids, parseable endpoints, and
// localID present in the list. Peers are returned in input order.
func ValidateParticipants(localID int, participants []Participant) ([]Peer, error) {
	if localID <= 0 {
		return nil, Errorf(KindValidation, "invalid local party id %d", localID)
	}
	if len(participants) < MinParticipants {
		return nil, Errorf(KindValidation, "not enough participants: got %d, need at least %d", len(participants), MinParticipants)
	}
	peers := make([]Peer, 0, len(participants))
	seen := make(map[int]struct{}, len(participants))
	local := false
	for _, p := range participants {
		if p.PartyID <= 0 {
			return nil, Errorf(KindValidation, "invalid party id %d", p.PartyID)
		}
		if _, dup := seen[p.PartyID]; dup {
			return nil, Errorf(KindValidation, "duplicate party id %d", p.PartyID)
		}
		seen[p.PartyID] = struct{}{}
		ep, err := ParseEndpoint(p.Endpoint)
		if err != nil {
			return nil, err
		}
		if p.PartyID == localID {
			local = true
		}
		peers = append(peers, Peer{PartyID: p.PartyID, Endpoint: ep})
	}
	if !local {
		return nil, Errorf(KindValidation, "local party id %d is not a participant", localID)
	}
	return peers, nil
}
