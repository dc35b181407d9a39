// Package anchor ties comment selections to positions in shared text.
//
// The document's CRDT engine owns the text. This package only defines the
// contract the rest of margins consumes: a Codec that turns a cursor
// offset into an opaque Token and back. Tokens survive concurrent edits; a
// token whose character was deleted decodes to the nearest surviving
// position instead of failing.
package anchor

import "go.trai.ch/zerr"

var (
	// ErrMalformedToken is returned when a token cannot be parsed.
	ErrMalformedToken = zerr.New("malformed anchor token")

	// ErrUnknownAnchor is returned when a token references an element the
	// local replica has never seen.
	ErrUnknownAnchor = zerr.New("anchor references unknown element")
)

// Position is a logical cursor offset in the visible text.
type Position int

// Token is the serialized, edit-resilient form of a Position. It is
// encoded as base64 when embedded in JSON.
type Token []byte

// Codec converts between positions and tokens.
type Codec interface {
	Encode(pos Position) Token
	Decode(tok Token) (Position, error)
}

// Selection is a text range expressed in live positions.
type Selection struct {
	Anchor Position
	Head   Position
}

// Collapsed reports whether the selection is a bare cursor.
func (s Selection) Collapsed() bool {
	return s.Anchor == s.Head
}

// Range is the wire form of a Selection.
type Range struct {
	Anchor Token `json:"anchor"`
	Head   Token `json:"head"`
}

// EncodeSelection encodes sel with c. A nil selection yields a nil range
// and the codec is not called.
func EncodeSelection(c Codec, sel *Selection) *Range {
	if sel == nil {
		return nil
	}
	return &Range{
		Anchor: c.Encode(sel.Anchor),
		Head:   c.Encode(sel.Head),
	}
}

// DecodeRange resolves r against the current text. A nil range yields a
// nil selection and the codec is not called.
func DecodeRange(c Codec, r *Range) (*Selection, error) {
	if r == nil {
		return nil, nil
	}
	anchorPos, err := c.Decode(r.Anchor)
	if err != nil {
		return nil, zerr.Wrap(err, "decode selection anchor")
	}
	headPos, err := c.Decode(r.Head)
	if err != nil {
		return nil, zerr.Wrap(err, "decode selection head")
	}
	return &Selection{Anchor: anchorPos, Head: headPos}, nil
}
