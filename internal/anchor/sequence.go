package anchor

import (
	"encoding/binary"
	"strings"
	"sync"
)

// ID identifies one element of a Sequence across replicas.
type ID struct {
	Peer  string `json:"peer"`
	Clock uint64 `json:"clock"`
}

// IsZero reports whether id is the sequence head.
func (id ID) IsZero() bool {
	return id.Peer == "" && id.Clock == 0
}

// after orders concurrent siblings: higher clock first, then higher peer.
func (id ID) after(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.Peer > other.Peer
}

// OpKind distinguishes sequence operations.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Op is a replicated edit. Inserts name the element they follow.
type Op struct {
	Kind   OpKind `json:"kind"`
	ID     ID     `json:"id"`
	Origin ID     `json:"origin,omitempty"`
	Value  rune   `json:"value,omitempty"`
}

type element struct {
	id      ID
	value   rune
	deleted bool
}

// Sequence is a small replicated character sequence (RGA with Lamport
// clocks). It is the reference Codec used by tests and local tooling;
// embedders normally wrap their own CRDT engine instead.
type Sequence struct {
	mu       sync.RWMutex
	peer     string
	clock    uint64
	elements []element
}

// NewSequence returns an empty sequence owned by peer.
func NewSequence(peer string) *Sequence {
	return &Sequence{peer: peer}
}

// Insert types text at pos and returns the ops to broadcast.
func (s *Sequence) Insert(pos Position, text string) []Op {
	s.mu.Lock()
	defer s.mu.Unlock()

	origin := ID{}
	if idx := s.visibleIndex(int(pos) - 1); idx >= 0 {
		origin = s.elements[idx].id
	}
	ops := make([]Op, 0, len(text))
	for _, r := range text {
		s.clock++
		op := Op{Kind: OpInsert, ID: ID{Peer: s.peer, Clock: s.clock}, Origin: origin, Value: r}
		s.integrate(op)
		ops = append(ops, op)
		origin = op.ID
	}
	return ops
}

// Delete removes n characters starting at pos and returns the ops to
// broadcast.
func (s *Sequence) Delete(pos Position, n int) []Op {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := make([]Op, 0, n)
	for i := 0; i < n; i++ {
		idx := s.visibleIndex(int(pos))
		if idx < 0 {
			break
		}
		s.elements[idx].deleted = true
		ops = append(ops, Op{Kind: OpDelete, ID: s.elements[idx].id})
	}
	return ops
}

// Apply integrates ops produced by another replica. Applying an op twice
// has no further effect.
func (s *Sequence) Apply(ops ...Op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		if op.ID.Clock > s.clock {
			s.clock = op.ID.Clock
		}
		switch op.Kind {
		case OpInsert:
			if s.indexOf(op.ID) >= 0 {
				continue
			}
			s.integrate(op)
		case OpDelete:
			if idx := s.indexOf(op.ID); idx >= 0 {
				s.elements[idx].deleted = true
			}
		}
	}
}

// String returns the visible text.
func (s *Sequence) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	for _, el := range s.elements {
		if !el.deleted {
			b.WriteRune(el.value)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (s *Sequence) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visibleCount(len(s.elements))
}

// Encode returns a token for the character right after pos, or an end
// token when pos is at or past the end of the text.
func (s *Sequence) Encode(pos Position) Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pos < 0 {
		pos = 0
	}
	idx := s.visibleIndex(int(pos))
	if idx < 0 {
		return Token{tokenVersion, tokenEnd}
	}
	id := s.elements[idx].id
	buf := make([]byte, 0, 2+binary.MaxVarintLen64+len(id.Peer))
	buf = append(buf, tokenVersion, tokenElement)
	buf = binary.AppendUvarint(buf, id.Clock)
	buf = append(buf, id.Peer...)
	return buf
}

// Decode resolves tok to the current position of its element. Deleted
// elements resolve to the position of the next surviving character.
func (s *Sequence) Decode(tok Token) (Position, error) {
	id, end, err := parseToken(tok)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if end {
		return Position(s.visibleCount(len(s.elements))), nil
	}
	idx := s.indexOf(id)
	if idx < 0 {
		return 0, ErrUnknownAnchor
	}
	return Position(s.visibleCount(idx)), nil
}

const (
	tokenVersion byte = 1
	tokenElement byte = 0
	tokenEnd     byte = 1
)

func parseToken(tok Token) (ID, bool, error) {
	if len(tok) < 2 || tok[0] != tokenVersion {
		return ID{}, false, ErrMalformedToken
	}
	switch tok[1] {
	case tokenEnd:
		return ID{}, true, nil
	case tokenElement:
		clock, n := binary.Uvarint(tok[2:])
		if n <= 0 {
			return ID{}, false, ErrMalformedToken
		}
		return ID{Peer: string(tok[2+n:]), Clock: clock}, false, nil
	default:
		return ID{}, false, ErrMalformedToken
	}
}

func (s *Sequence) integrate(op Op) {
	i := 0
	if !op.Origin.IsZero() {
		i = s.indexOf(op.Origin) + 1
	}
	for i < len(s.elements) && s.elements[i].id.after(op.ID) {
		i++
	}
	s.elements = append(s.elements, element{})
	copy(s.elements[i+1:], s.elements[i:])
	s.elements[i] = element{id: op.ID, value: op.Value}
}

func (s *Sequence) indexOf(id ID) int {
	for i, el := range s.elements {
		if el.id == id {
			return i
		}
	}
	return -1
}

// visibleIndex maps the n-th visible character to its slice index, or -1.
func (s *Sequence) visibleIndex(n int) int {
	if n < 0 {
		return -1
	}
	seen := 0
	for i, el := range s.elements {
		if el.deleted {
			continue
		}
		if seen == n {
			return i
		}
		seen++
	}
	return -1
}

func (s *Sequence) visibleCount(upTo int) int {
	count := 0
	for _, el := range s.elements[:upTo] {
		if !el.deleted {
			count++
		}
	}
	return count
}
