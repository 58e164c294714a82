package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// KeyDigester computes keyed BLAKE2b digests of API keys so raw keys are
// never held after startup. The pepper is the MAC key.
type KeyDigester struct {
	pepper []byte
}

// NewKeyDigester creates a digester. An empty pepper gets a random one,
// which is fine because digests are only compared within one process.
func NewKeyDigester(pepper string) (*KeyDigester, error) {
	p := []byte(pepper)
	if len(p) == 0 {
		p = make([]byte, 32)
		if _, err := rand.Read(p); err != nil {
			return nil, fmt.Errorf("auth: generate pepper: %w", err)
		}
	}
	if len(p) > blake2b.Size {
		sum := blake2b.Sum256(p)
		p = sum[:]
	}
	return &KeyDigester{pepper: p}, nil
}

// Digest returns the hex digest of apiKey.
func (d *KeyDigester) Digest(apiKey string) string {
	h, err := blake2b.New256(d.pepper)
	if err != nil {
		// Only reachable with a key longer than 64 bytes, which NewKeyDigester prevents.
		panic(fmt.Sprintf("auth: blake2b: %v", err))
	}
	h.Write([]byte(apiKey))
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Fingerprint returns a short non-reversible identifier for a key, used as
// the caller id of API key identities and in logs.
func (d *KeyDigester) Fingerprint(apiKey string) string {
	return "key_" + d.Digest(apiKey)[:16]
}
