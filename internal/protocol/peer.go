package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PeerKind tags which variant a Peer holds
type PeerKind string

const (
	PeerUser   PeerKind = "user"
	PeerThread PeerKind = "thread"
)

// Peer identifies a conversation target: a user (direct chat) or a thread.
// The zero value is invalid; build peers with UserPeer or ThreadPeer.
type Peer struct {
	kind PeerKind
	id   int64
}

// UserPeer addresses the direct chat with a user
func UserPeer(userID int64) Peer {
	return Peer{kind: PeerUser, id: userID}
}

// ThreadPeer addresses a thread (group/space channel)
func ThreadPeer(threadID int64) Peer {
	return Peer{kind: PeerThread, id: threadID}
}

// NewPeer rebuilds a peer from its stored kind and id
func NewPeer(kind PeerKind, id int64) (Peer, error) {
	p := Peer{kind: kind, id: id}
	if err := p.Validate(); err != nil {
		return Peer{}, err
	}
	return p, nil
}

func (p Peer) Kind() PeerKind { return p.kind }

func (p Peer) ID() int64 { return p.id }

func (p Peer) IsZero() bool { return p.kind == "" }

// UserID returns the user id and true when p is a user peer
func (p Peer) UserID() (int64, bool) {
	if p.kind != PeerUser {
		return 0, false
	}
	return p.id, true
}

// ThreadID returns the thread id and true when p is a thread peer
func (p Peer) ThreadID() (int64, bool) {
	if p.kind != PeerThread {
		return 0, false
	}
	return p.id, true
}

// Validate reports whether the peer holds exactly one well-formed variant
func (p Peer) Validate() error {
	switch p.kind {
	case PeerUser, PeerThread:
		if p.id <= 0 {
			return fmt.Errorf("peer %s id must be positive, got %d", p.kind, p.id)
		}
		return nil
	case "":
		return fmt.Errorf("peer is empty")
	default:
		return fmt.Errorf("unknown peer kind %q", p.kind)
	}
}

func (p Peer) String() string {
	if p.IsZero() {
		return "peer(none)"
	}
	return fmt.Sprintf("%s:%d", p.kind, p.id)
}

// ParsePeer parses the "user:5" / "thread:9" form produced by String
func ParsePeer(s string) (Peer, error) {
	kind, rawID, ok := strings.Cut(s, ":")
	if !ok {
		return Peer{}, fmt.Errorf("invalid peer %q: expected kind:id", s)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid peer id in %q: %w", s, err)
	}
	p := Peer{kind: PeerKind(kind), id: id}
	if err := p.Validate(); err != nil {
		return Peer{}, fmt.Errorf("invalid peer %q: %w", s, err)
	}
	return p, nil
}

type peerJSON struct {
	Type PeerKind `json:"type"`
	ID   int64    `json:"id"`
}

func (p Peer) MarshalJSON() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(peerJSON{Type: p.kind, ID: p.id})
}

func (p *Peer) UnmarshalJSON(data []byte) error {
	var raw peerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	candidate := Peer{kind: raw.Type, id: raw.ID}
	if err := candidate.Validate(); err != nil {
		return err
	}
	*p = candidate
	return nil
}
