// Package codec seals the authentication session into an opaque cookie value.
//
// The session is first expressed as an HS256 JWT, which gives it standard
// iat/exp claims enforced server side, and the token is then encrypted with
// AES-256-GCM so its content is hidden from the client. Both keys are derived
// from the configured server secret with HKDF.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/sigil/core"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinSecretLength is the shortest accepted server secret, in bytes
	MinSecretLength = 32

	// DefaultTTL is the lifetime of a session cookie
	DefaultTTL = 7 * 24 * time.Hour

	issuer = "sigil"
	salt   = "sigil-session-cookie"
)

var errMalformed = errors.New("malformed session value")

// SealedCodec implements ports.SessionCodec
type SealedCodec struct {
	gcm    cipher.AEAD
	macKey []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSealedCodec derives the cookie keys from secret. A missing or short secret is a
// configuration error.
func NewSealedCodec(secret []byte, ttl time.Duration) (*SealedCodec, error) {
	if len(secret) == 0 {
		return nil, &core.ConfigError{Field: "session_secret", Reason: "is required"}
	}
	if len(secret) < MinSecretLength {
		return nil, &core.ConfigError{
			Field:  "session_secret",
			Reason: fmt.Sprintf("must be at least %d bytes, got %d", MinSecretLength, len(secret)),
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	encKey, err := deriveKey(secret, "encryption")
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(secret, "signing")
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &SealedCodec{
		gcm:    gcm,
		macKey: macKey,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL returns the cookie lifetime
func (c *SealedCodec) TTL() time.Duration {
	return c.ttl
}

// Encode converts a session into a sealed, URL-safe string
func (c *SealedCodec) Encode(session *core.AuthSession) (string, error) {
	if !session.Valid() {
		return "", fmt.Errorf("refusing to encode session: authenticated without address or chain")
	}

	now := c.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		Nonce:         session.Nonce,
		Authenticated: session.IsAuthenticated,
		ChainID:       session.ChainID,
	}
	if session.Address != nil {
		claims.Address = session.Address.Hex()
	}
	if session.ExpirationTime != nil {
		claims.ExpirationTime = session.ExpirationTime.UTC().Format(time.RFC3339Nano)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.macKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(signed), nil)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens a value produced by Encode
func (c *SealedCodec) Decode(value string) (*core.AuthSession, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errMalformed
	}
	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDecryptionFailed, err)
	}

	token, err := jwt.ParseWithClaims(string(plaintext), &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return c.macKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errMalformed
	}

	return claimsToSession(claims)
}

func claimsToSession(claims *SessionClaims) (*core.AuthSession, error) {
	session := &core.AuthSession{
		Nonce:           claims.Nonce,
		IsAuthenticated: claims.Authenticated,
		ChainID:         claims.ChainID,
	}
	if claims.Address != "" {
		if !common.IsHexAddress(claims.Address) {
			return nil, fmt.Errorf("%w: bad address", errMalformed)
		}
		addr := common.HexToAddress(claims.Address)
		session.Address = &addr
	}
	if claims.ExpirationTime != "" {
		exp, err := time.Parse(time.RFC3339Nano, claims.ExpirationTime)
		if err != nil {
			return nil, fmt.Errorf("%w: bad expiration time", errMalformed)
		}
		session.ExpirationTime = &exp
	}
	if !session.Valid() {
		return nil, fmt.Errorf("%w: authenticated without address or chain", errMalformed)
	}

	return session, nil
}

func deriveKey(secret []byte, purpose string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(salt), []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}
