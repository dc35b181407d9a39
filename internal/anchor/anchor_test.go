package anchor_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margins/internal/anchor"
)

type countingCodec struct {
	encodes int
	decodes int
}

func (c *countingCodec) Encode(pos anchor.Position) anchor.Token {
	c.encodes++
	return anchor.Token{byte(pos)}
}

func (c *countingCodec) Decode(tok anchor.Token) (anchor.Position, error) {
	c.decodes++
	return anchor.Position(tok[0]), nil
}

func TestEncodeSelection_NilSkipsCodec(t *testing.T) {
	codec := &countingCodec{}

	assert.Nil(t, anchor.EncodeSelection(codec, nil))
	sel, err := anchor.DecodeRange(codec, nil)
	require.NoError(t, err)
	assert.Nil(t, sel)

	assert.Zero(t, codec.encodes)
	assert.Zero(t, codec.decodes)
}

func TestEncodeSelection_RoundTrip(t *testing.T) {
	codec := &countingCodec{}

	r := anchor.EncodeSelection(codec, &anchor.Selection{Anchor: 3, Head: 7})
	require.NotNil(t, r)
	sel, err := anchor.DecodeRange(codec, r)
	require.NoError(t, err)

	assert.Equal(t, &anchor.Selection{Anchor: 3, Head: 7}, sel)
	assert.Equal(t, 2, codec.encodes)
	assert.Equal(t, 2, codec.decodes)
}

func TestDecodeRange_PropagatesMalformedToken(t *testing.T) {
	seq := anchor.NewSequence("a")
	seq.Insert(0, "hello")

	_, err := anchor.DecodeRange(seq, &anchor.Range{Anchor: anchor.Token{9, 9}, Head: seq.Encode(1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, anchor.ErrMalformedToken))
}

func TestSelection_Collapsed(t *testing.T) {
	assert.True(t, anchor.Selection{Anchor: 2, Head: 2}.Collapsed())
	assert.False(t, anchor.Selection{Anchor: 2, Head: 4}.Collapsed())
}
