package core

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AuthSession is the authentication state carried in the client's session cookie
type AuthSession struct {
	Nonce           string          // Single-use challenge, set between issue and consumption
	IsAuthenticated bool            // Whether a signed message has been verified
	Address         *common.Address // Verified wallet address
	ChainID         int64           // Chain the address was verified on
	ExpirationTime  *time.Time      // Expiry declared by the signed message, if any
}

// Identity is the outcome of a successful message verification
type Identity struct {
	Address        common.Address
	ChainID        int64
	ExpirationTime *time.Time
}

// ConsumeNonce clears the stored nonce and returns the value it held
func (s *AuthSession) ConsumeNonce() string {
	nonce := s.Nonce
	s.Nonce = ""
	return nonce
}

// Authenticate marks the session as authenticated for the given identity
func (s *AuthSession) Authenticate(id Identity) {
	addr := id.Address
	s.IsAuthenticated = true
	s.Address = &addr
	s.ChainID = id.ChainID
	s.ExpirationTime = id.ExpirationTime
}

// Clear resets every field of the session
func (s *AuthSession) Clear() {
	*s = AuthSession{}
}

// Valid reports whether the session satisfies its structural invariant:
// an authenticated session always carries an address and a chain id.
func (s *AuthSession) Valid() bool {
	if !s.IsAuthenticated {
		return true
	}
	return s.Address != nil && s.ChainID != 0
}
