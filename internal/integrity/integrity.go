// Package integrity computes the content digests used to detect a reused
// idempotency key carrying a different request or charge. All functions are
// pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
)

// digestPrefix versions the encoding so stored digests stay comparable if
// the field layout ever changes.
const digestPrefix = "v1:"

// Digest returns a versioned SHA-256 hex digest over the fields. Each field
// is written as a 4-byte big-endian length followed by its bytes, so no
// field value can shift bytes into its neighbour.
func Digest(fields ...[]byte) string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f))) //nolint:gosec // fields are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write(f)
	}
	return digestPrefix + hex.EncodeToString(h.Sum(nil))
}

// DigestStrings is Digest over string fields.
func DigestStrings(fields ...string) string {
	bs := make([][]byte, len(fields))
	for i, f := range fields {
		bs[i] = []byte(f)
	}
	return Digest(bs...)
}

// ChargeDigest is the digest of a charge request.
func ChargeDigest(idempotencyKey, action string, amount int64) string {
	return DigestStrings(idempotencyKey, action, strconv.FormatInt(amount, 10))
}

// RequestDigest is the digest of an HTTP request's identity.
func RequestDigest(method, path string, body []byte) string {
	return Digest([]byte(method), []byte(path), body)
}

// Verify reports whether stored is a digest produced by this package and
// equals want.
func Verify(stored, want string) bool {
	return strings.HasPrefix(stored, digestPrefix) && stored == want
}
