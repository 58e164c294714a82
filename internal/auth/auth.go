// Package auth holds the credential primitives behind identity resolution:
// passport tokens (EdDSA JWTs), keyed API key digests and wallet signature
// verification.
//
// Passport signing keys can be loaded from PEM files or auto-generated for
// development.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/model"
)

const (
	issuer   = "sekimon"
	audience = "sekimon-passport"
)

// MaxPassportTTL caps the lifetime of any issued passport.
const MaxPassportTTL = 24 * time.Hour

// Claims carries a resolved caller identity inside a passport token.
type Claims struct {
	jwt.RegisteredClaims
	CallerID string               `json:"caller_id"`
	TierID   model.TierID         `json:"tier_id"`
	Elevated bool                 `json:"elevated,omitempty"`
	Origin   model.IdentitySource `json:"origin"` // Credential the passport was exchanged for.
}

// JWTManager issues and validates passport tokens using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files. If either path is
// empty it generates an ephemeral key pair, so passports do not survive a
// restart.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if expiration <= 0 || expiration > MaxPassportTTL {
		expiration = MaxPassportTTL
	}
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no passport key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	priv, err := readPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := readPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}
	return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
}

func readPEM(path, what string) (*pem.Block, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("auth: read %s key: %w", what, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode %s key PEM", what)
	}
	return block, nil
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	block, err := readPEM(path, "private")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	ed, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	return ed, nil
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	block, err := readPEM(path, "public")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	ed, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return ed, nil
}

// IssuePassport signs a passport for an already-resolved identity. Default
// (anonymous) identities cannot hold a passport.
func (m *JWTManager) IssuePassport(id model.CallerIdentity) (string, time.Time, error) {
	if id.IsDefault() || id.CallerID == "" {
		return "", time.Time{}, fmt.Errorf("auth: passport requires a resolved credential")
	}
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.CallerID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		CallerID: id.CallerID,
		TierID:   id.TierID,
		Elevated: id.IsElevated,
		Origin:   id.Source,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign passport: %w", err)
	}
	return signed, exp, nil
}

// ValidatePassport parses and validates a passport token.
func (m *JWTManager) ValidatePassport(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate passport: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid passport claims")
	}
	if claims.CallerID == "" || claims.Subject != claims.CallerID {
		return nil, errors.New("auth: passport subject does not match caller")
	}
	if claims.TierID == "" {
		return nil, errors.New("auth: passport carries no tier")
	}
	return claims, nil
}
