package hashes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombineDeterministic(t *testing.T) {
	a := Combine("add", Combine("lit.int"), Combine("lit.int"))
	b := Combine("add", Combine("lit.int"), Combine("lit.int"))
	assert.Equal(t, a, b)
}

func TestCombineDistinguishesUUID(t *testing.T) {
	a := Combine("add", Digest{1})
	b := Combine("sub", Digest{1})
	assert.NotEqual(t, a, b)
}

func TestCombineOrderSensitive(t *testing.T) {
	a := Combine("add", Digest{1}, Digest{2})
	b := Combine("add", Digest{2}, Digest{1})
	assert.NotEqual(t, a, b)
}

func TestDigestLess(t *testing.T) {
	a := Digest{0, 1}
	b := Digest{0, 2}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}

func TestDigestString(t *testing.T) {
	d := Digest{0xde, 0xad, 0xbe, 0xef}
	s := d.String()
	assert.Len(t, s, 64)
	assert.Equal(t, "deadbeef", s[:8])
	assert.Equal(t, "00000000000000000000000000000000000000000000000000000000", s[8:])
}

func TestFastHashStable(t *testing.T) {
	assert.Equal(t, FastHash([]byte("hello")), FastHash([]byte("hello")))
	assert.NotEqual(t, FastHash([]byte("hello")), FastHash([]byte("world")))
}
