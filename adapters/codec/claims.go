package codec

import "github.com/golang-jwt/jwt/v5"

// SessionClaims carries an AuthSession inside the sealed cookie
type SessionClaims struct {
	jwt.RegisteredClaims
	Nonce          string `json:"nonce,omitempty"`
	Authenticated  bool   `json:"auth"`
	Address        string `json:"addr,omitempty"`
	ChainID        int64  `json:"chain,omitempty"`
	ExpirationTime string `json:"exp_time,omitempty"` // RFC 3339, from the signed message
}
