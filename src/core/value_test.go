package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValueEqual(t *testing.T) {
	assert.True(t, Int(3).Equal(Int(3)))
	assert.False(t, Int(3).Equal(Int(4)))
	assert.False(t, Int(3).Equal(String("3")))
}

func TestValueMapOrderIndependent(t *testing.T) {
	a := Map(MapEntry{Key: String("a"), Value: Int(1)}, MapEntry{Key: String("b"), Value: Int(2)})
	b := Map(MapEntry{Key: String("b"), Value: Int(2)}, MapEntry{Key: String("a"), Value: Int(1)})
	assert.True(t, a.Equal(b))

	da, err := a.Digest()
	assert.NoError(t, err)
	db, err := b.Digest()
	assert.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestValueDigestStable(t *testing.T) {
	v := List(Int(1), String("two"), Bool(true))
	d1, err := v.Digest()
	assert.NoError(t, err)
	d2, err := v.Digest()
	assert.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestValueDigestDistinguishesStructurallyDifferentValues(t *testing.T) {
	a, _ := List(Int(1), Int(2)).Digest()
	b, _ := List(Int(2), Int(1)).Digest()
	assert.NotEqual(t, a, b)
}

func TestDatetimeTruncatesToMillis(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)
	v := Datetime(now)
	got, ok := v.AsDatetime()
	assert.True(t, ok)
	assert.Equal(t, int64(123), got.Nanosecond()/1000000)
}

func TestBlobEncodesRawBytes(t *testing.T) {
	b := NewBlobBytes([]byte("hello"))
	v := BlobValue(b)
	enc, err := v.Encode()
	assert.NoError(t, err)
	assert.NotEmpty(t, enc)
}

func TestCompareTotalOrder(t *testing.T) {
	assert.True(t, Nil().Compare(Bool(false)) < 0)
	assert.True(t, Int(1).Compare(Int(2)) < 0)
	assert.True(t, String("a").Compare(String("b")) < 0)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := Map(
		MapEntry{Key: String("list"), Value: List(Int(1), String("two"), Bool(true))},
		MapEntry{Key: String("nested"), Value: Map(MapEntry{Key: Int(1), Value: Float(2.5)})},
	)
	enc, err := v.Encode()
	assert.NoError(t, err)

	got, err := DecodeValue(enc)
	assert.NoError(t, err)
	assert.True(t, v.Equal(got))
}

func TestEncodeDecodeDistinguishesListFromMapShape(t *testing.T) {
	list := List(String("a"), Int(1))
	enc, err := list.Encode()
	assert.NoError(t, err)
	got, err := DecodeValue(enc)
	assert.NoError(t, err)
	assert.Equal(t, KindList, got.Kind())
}
