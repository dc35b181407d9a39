package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	id := NewID("th")
	assert.True(t, strings.HasPrefix(id, "th_"))
	assert.Len(t, id, len("th_")+32)
	assert.NotEqual(t, id, NewID("th"))

	bare := NewID("")
	assert.Len(t, bare, 32)
	assert.NotContains(t, bare, "_")
}
