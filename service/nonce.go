package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/layer-3/sigil/ports"
)

// nonceBytes gives 256 bits of entropy; the hex form satisfies the EIP-4361 nonce grammar
const nonceBytes = 32

// NonceStore issues single-use sign-in nonces into the caller's session
type NonceStore struct {
	random io.Reader
}

// NewNonceStore creates a nonce store reading from crypto/rand
func NewNonceStore() *NonceStore {
	return &NonceStore{random: rand.Reader}
}

// Issue generates a nonce, replaces any unconsumed one in the session and saves it
func (n *NonceStore) Issue(jar ports.SessionJar) (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := io.ReadFull(n.random, buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)

	session := jar.Load()
	session.Nonce = nonce
	if err := jar.Save(session); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}

	return nonce, nil
}
