package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wallet signature errors.
var (
	ErrWalletAddress   = errors.New("wallet address must be a hex-encoded ed25519 public key")
	ErrWalletSignature = errors.New("invalid wallet signature")
	ErrWalletStale     = errors.New("wallet signature timestamp outside allowed skew")
)

// WalletMessage is the exact byte string a wallet signs.
func WalletMessage(address string, timestamp int64) []byte {
	return []byte("sekimon-passport:" + NormalizeWallet(address) + ":" + strconv.FormatInt(timestamp, 10))
}

// NormalizeWallet lowercases an address and strips an optional 0x prefix.
func NormalizeWallet(address string) string {
	a := strings.ToLower(strings.TrimSpace(address))
	return strings.TrimPrefix(a, "0x")
}

// VerifyWallet checks that signature (standard base64) is the address key's
// signature over WalletMessage(address, timestamp) and that timestamp (unix
// seconds) lies within maxSkew of now.
func VerifyWallet(address, signature, timestamp string, now time.Time, maxSkew time.Duration) error {
	addr := NormalizeWallet(address)
	pub, err := hex.DecodeString(addr)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrWalletAddress
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrWalletStale)
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return ErrWalletStale
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrWalletSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), WalletMessage(addr, ts), sig) {
		return ErrWalletSignature
	}
	return nil
}

// SignWallet produces the signature VerifyWallet expects. Used by the CLI
// and tests.
func SignWallet(priv ed25519.PrivateKey, timestamp int64) (address, signature string) {
	address = hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	sig := ed25519.Sign(priv, WalletMessage(address, timestamp))
	return address, base64.StdEncoding.EncodeToString(sig)
}
