package integrity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigestIsDeterministic(t *testing.T) {
	a := ChargeDigest("key-1", "render/frame", 50)
	b := ChargeDigest("key-1", "render/frame", 50)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, digestPrefix))
	assert.Len(t, a, len(digestPrefix)+64)
}

func TestDigestDistinguishesFields(t *testing.T) {
	base := ChargeDigest("key-1", "render/frame", 50)
	assert.NotEqual(t, base, ChargeDigest("key-2", "render/frame", 50))
	assert.NotEqual(t, base, ChargeDigest("key-1", "render/other", 50))
	assert.NotEqual(t, base, ChargeDigest("key-1", "render/frame", 51))
}

func TestDigestLengthPrefixPreventsShifting(t *testing.T) {
	// With plain concatenation these would collide.
	assert.NotEqual(t, DigestStrings("ab", "c"), DigestStrings("a", "bc"))
	assert.NotEqual(t, DigestStrings("a|b", "c"), DigestStrings("a", "b|c"))
	assert.NotEqual(t, DigestStrings("", "x"), DigestStrings("x", ""))
}

func TestRequestDigest(t *testing.T) {
	body := []byte(`{"n":1}`)
	d := RequestDigest("POST", "/v1/clusters/a/op", body)
	assert.Equal(t, d, RequestDigest("POST", "/v1/clusters/a/op", body))
	assert.NotEqual(t, d, RequestDigest("PUT", "/v1/clusters/a/op", body))
	assert.NotEqual(t, d, RequestDigest("POST", "/v1/clusters/a/op", []byte(`{"n":2}`)))
	assert.Equal(t, RequestDigest("GET", "/x", nil), RequestDigest("GET", "/x", []byte{}))
}

func TestVerify(t *testing.T) {
	d := ChargeDigest("k", "a", 1)
	assert.True(t, Verify(d, ChargeDigest("k", "a", 1)))
	assert.False(t, Verify(d, ChargeDigest("k", "a", 2)))
	assert.False(t, Verify(strings.TrimPrefix(d, digestPrefix), strings.TrimPrefix(d, digestPrefix)), "unversioned digests are rejected")
}
